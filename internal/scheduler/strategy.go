package scheduler

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/aviationwx/hub/internal/acquisition"
	"github.com/aviationwx/hub/internal/cache"
	"github.com/aviationwx/hub/internal/config"
	"github.com/aviationwx/hub/internal/exifdiscipline"
	"github.com/aviationwx/hub/internal/pipeline"
	"github.com/aviationwx/hub/internal/quality"
)

// buildStrategy constructs the acquisition.Strategy for one webcam entry,
// dispatching on its declared Type the way the teacher's camera factory
// dispatches on camera type. pullMetaCache persists conditional-fetch
// state for pull-type sources across ticks and restarts. pl is the
// webcam's own pipeline instance, wired in as the push strategy's
// Rejector so a pre-flight content/EXIF reject quarantines through the
// same store/Stats a post-acquisition Pipeline.Run reject would use.
func buildStrategy(airportID string, idx int, w config.Webcam, loc quality.Location, tz *time.Location, exif *exifdiscipline.Tool, stagingRoot string, history *acquisition.StabilityHistory, pullMetaCache *cache.Store, pl *pipeline.Pipeline) (acquisition.Strategy, error) {
	id := fmt.Sprintf("%s_webcam_%d", airportID, idx)
	stagingDir := filepath.Join(stagingRoot, airportID, fmt.Sprintf("cam%d", idx))

	var auth *acquisition.AuthConfig
	if w.Username != "" {
		auth = &acquisition.AuthConfig{Scheme: string(w.AuthScheme), Username: w.Username, Password: w.Password}
	}

	switch w.Type {
	case config.WebcamMJPEG:
		return acquisition.NewMJPEGFetcher(acquisition.MJPEGConfig{
			ID: id, URL: w.URL, Auth: auth,
			StagingDir: stagingDir, Location: loc, Timezone: tz, Exif: exif,
		})

	case config.WebcamRTSP:
		return acquisition.NewRTSPFetcher(acquisition.RTSPConfig{
			ID: id, URL: w.URL, Transport: string(w.RTSPTransport),
			StagingDir: stagingDir, Location: loc, Timezone: tz, Exif: exif,
		})

	case config.WebcamONVIF:
		return acquisition.NewONVIFFetcher(acquisition.ONVIFConfig{
			ID: id, Endpoint: w.URL, Username: w.Username, Password: w.Password,
			StagingDir: stagingDir, Location: loc, Timezone: tz, Exif: exif,
		})

	case config.WebcamPush:
		if w.PushConfig == nil {
			return nil, fmt.Errorf("webcam %s: push type requires push_config", id)
		}
		return acquisition.NewPushIngester(acquisition.PushConfig{
			ID:                id,
			Directory:         filepath.Join(stagingRoot, "inbox", airportID, fmt.Sprintf("cam%d", idx)),
			MaxFileSizeMB:     w.PushConfig.MaxFileSizeMB,
			AllowedExtensions: w.PushConfig.AllowedExtensions,
			StagingDir:        stagingDir,
			Location:          loc, Timezone: tz, Exif: exif,
			Reject: pl,
		}, history), nil

	case config.WebcamStaticPNG, config.WebcamStaticJPEG, config.WebcamFederated, "":
		return acquisition.NewStaticFetcher(acquisition.StaticConfig{
			ID: id, URL: w.URL, Auth: auth,
			StagingDir: stagingDir, Location: loc, Timezone: tz, Exif: exif,
			MetaCache: pullMetaCache,
		})

	default:
		return nil, fmt.Errorf("webcam %s: unknown type %q", id, w.Type)
	}
}

func refreshInterval(seconds int) time.Duration {
	d := time.Duration(seconds) * time.Second
	if d < MinRefresh {
		d = MinRefresh
	}
	if d > MaxRefresh {
		d = MaxRefresh
	}
	return d
}

func timezoneOf(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
