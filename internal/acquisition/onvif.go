package acquisition

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"github.com/korylprince/go-onvif"
	"github.com/korylprince/go-onvif/soap"

	"github.com/aviationwx/hub/internal/exifdiscipline"
	"github.com/aviationwx/hub/internal/quality"
)

// ONVIFConfig configures one ONVIF-discovered snapshot pull source. The
// device's snapshot URI is resolved once via the ONVIF media service and
// cached; acquisition itself then behaves like a static HTTP pull.
type ONVIFConfig struct {
	ID           string
	Endpoint     string
	Username     string
	Password     string
	ProfileToken string

	MaxBodyBytes int64
	Timeout      time.Duration
	StagingDir   string
	Location     quality.Location
	Timezone     *time.Location
	Exif         *exifdiscipline.Tool
}

// ONVIFFetcher implements Strategy for ONVIF-compliant cameras: it
// resolves (and caches) the device's snapshot URI via SOAP, then
// delegates the actual frame fetch to a StaticFetcher against that URI.
type ONVIFFetcher struct {
	cfg         ONVIFConfig
	client      *onvif.Client
	httpClient  *http.Client
	mediaXAddr  string
	mediaNS     string
	snapshotURI string
}

func NewONVIFFetcher(cfg ONVIFConfig) (*ONVIFFetcher, error) {
	if cfg.Endpoint == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("onvif endpoint, username, and password are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}

	return &ONVIFFetcher{
		cfg:        cfg,
		httpClient: httpClient,
		client: &onvif.Client{
			Username:   cfg.Username,
			Password:   cfg.Password,
			HTTPClient: httpClient,
		},
	}, nil
}

func (f *ONVIFFetcher) Acquire(ctx context.Context) Result {
	if f.snapshotURI == "" {
		uri, err := f.resolveSnapshotURI()
		if err != nil {
			return Failure("permanent", map[string]string{"reason": "onvif_discovery_failed", "error": err.Error()})
		}
		f.snapshotURI = uri
	}

	static, err := NewStaticFetcher(StaticConfig{
		ID:           f.cfg.ID,
		URL:          f.snapshotURI,
		Auth:         &AuthConfig{Scheme: "basic", Username: f.cfg.Username, Password: f.cfg.Password},
		MaxBodyBytes: f.cfg.MaxBodyBytes,
		Timeout:      f.cfg.Timeout,
		StagingDir:   f.cfg.StagingDir,
		Location:     f.cfg.Location,
		Timezone:     f.cfg.Timezone,
		Exif:         f.cfg.Exif,
	})
	if err != nil {
		return Failure("permanent", map[string]string{"error": err.Error()})
	}

	res := static.Acquire(ctx)
	if res.Outcome == OutcomeFailure && res.FailureReason == "auth" {
		// Snapshot URI may have rotated; force re-discovery next cycle.
		f.snapshotURI = ""
	}
	if res.Outcome == OutcomeSuccess {
		res.Kind = KindONVIF
	}
	return res
}

func (f *ONVIFFetcher) resolveSnapshotURI() (string, error) {
	if f.mediaXAddr == "" {
		services, err := f.client.GetServices(f.cfg.Endpoint)
		if err != nil {
			return "", fmt.Errorf("get services: %w", err)
		}
		f.mediaXAddr = services.URL(onvif.NamespaceMedia2)
		f.mediaNS = onvif.NamespaceMedia2
		if f.mediaXAddr == "" {
			f.mediaXAddr = services.URL(onvif.NamespaceMedia)
			f.mediaNS = onvif.NamespaceMedia
		}
		if f.mediaXAddr == "" {
			return "", fmt.Errorf("media service not found")
		}
	}

	profileToken := f.cfg.ProfileToken
	if profileToken == "" {
		token, err := f.firstProfileToken()
		if err != nil {
			return "", fmt.Errorf("get profile token: %w", err)
		}
		profileToken = token
	}

	type getSnapshotURI struct {
		XMLName      xml.Name `xml:"trt:GetSnapshotUri"`
		ProfileToken string   `xml:"trt:ProfileToken"`
	}

	req := &onvif.Request{
		URL:        f.mediaXAddr,
		Namespaces: soap.Namespaces{"trt": f.mediaNS},
		Body:       &getSnapshotURI{ProfileToken: profileToken},
	}

	envelope, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("SOAP request failed: %w", err)
	}

	type mediaURI struct {
		URI string `xml:"Uri"`
	}
	type getSnapshotURIResponse struct {
		XMLName  xml.Name `xml:"GetSnapshotUriResponse"`
		MediaURI mediaURI `xml:"MediaUri"`
	}

	var resp getSnapshotURIResponse
	if err := envelope.Body.Unmarshal(&resp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if resp.MediaURI.URI == "" {
		return "", fmt.Errorf("snapshot URI not found in response")
	}
	return resp.MediaURI.URI, nil
}

func (f *ONVIFFetcher) firstProfileToken() (string, error) {
	type getProfiles struct {
		XMLName xml.Name `xml:"trt:GetProfiles"`
	}
	req := &onvif.Request{
		URL:        f.mediaXAddr,
		Namespaces: soap.Namespaces{"trt": f.mediaNS},
		Body:       &getProfiles{},
	}

	envelope, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get profiles: %w", err)
	}

	type profile struct {
		Token string `xml:"token,attr"`
	}
	type getProfilesResponse struct {
		XMLName  xml.Name  `xml:"GetProfilesResponse"`
		Profiles []profile `xml:"Profiles>Profile"`
	}

	var resp getProfilesResponse
	if err := envelope.Body.Unmarshal(&resp); err != nil {
		return "", fmt.Errorf("parse profiles response: %w", err)
	}
	if len(resp.Profiles) == 0 {
		return "", fmt.Errorf("no profiles found")
	}
	return resp.Profiles[0].Token, nil
}
