package acquisition

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aviationwx/hub/internal/exifdiscipline"
	"github.com/aviationwx/hub/internal/quality"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

const mjpegMinFrameSize = 1024

// MJPEGConfig configures one MJPEG multipart-stream pull source.
type MJPEGConfig struct {
	ID      string
	URL     string
	Auth    *AuthConfig
	MaxSize int64
	MaxTime time.Duration

	StagingDir string
	Location   quality.Location
	Timezone   *time.Location
	Exif       *exifdiscipline.Tool
}

// MJPEGFetcher implements Strategy for MJPEG multipart streams: it reads
// the stream until the first complete JPEG frame is found, then halts
// (it never holds the connection open longer than necessary).
type MJPEGFetcher struct {
	cfg    MJPEGConfig
	client *http.Client
}

func NewMJPEGFetcher(cfg MJPEGConfig) (*MJPEGFetcher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 * 1024 * 1024
	}
	if cfg.MaxTime <= 0 {
		cfg.MaxTime = 15 * time.Second
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	return &MJPEGFetcher{cfg: cfg, client: &http.Client{}}, nil
}

func (f *MJPEGFetcher) Acquire(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.MaxTime)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return Failure("request_build_error", nil)
	}
	if f.cfg.Auth != nil && f.cfg.Auth.Scheme == "basic" {
		req.SetBasicAuth(f.cfg.Auth.Username, f.cfg.Auth.Password)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Failure("timeout", nil)
		}
		return Failure("connection", map[string]string{"error": err.Error()})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Failure("permanent", nil)
	}

	frame, err := readFirstJPEGFrame(resp.Body, f.cfg.MaxSize)
	if err != nil {
		return Failure("transient", map[string]string{"reason": err.Error()})
	}
	if len(frame) < mjpegMinFrameSize {
		return Failure("content_invalid", map[string]string{"reason": "frame_too_small"})
	}

	qres, err := quality.Detect(frame, f.cfg.Location, time.Now())
	if err != nil {
		return Failure("content_invalid", map[string]string{"reason": "decode_failure"})
	}
	if qres.IsError {
		return Failure("content_invalid", map[string]string{"reason": qres.Reasons[0]})
	}

	if err := os.MkdirAll(f.cfg.StagingDir, 0755); err != nil {
		return Failure("transient", nil)
	}
	stagingPath := filepath.Join(f.cfg.StagingDir, fmt.Sprintf("%s_%d.staging", f.cfg.ID, time.Now().UnixNano()))
	if err := writeAtomicStaging(stagingPath, frame); err != nil {
		return Failure("transient", nil)
	}

	if f.cfg.Exif != nil {
		if _, err := f.cfg.Exif.EnsureEXIF(stagingPath, "", time.Now(), f.cfg.Timezone); err != nil {
			os.Remove(stagingPath)
			return Failure("transient", map[string]string{"reason": "ensure_exif_failed"})
		}
	}

	return Success(stagingPath, KindMJPEG, nil)
}

// readFirstJPEGFrame accumulates bytes from r until a complete
// SOI...EOI JPEG frame is seen, enforcing maxSize as an upper bound.
func readFirstJPEGFrame(r io.Reader, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if int64(buf.Len()) > maxSize {
				return nil, fmt.Errorf("mjpeg stream exceeded max size before a complete frame")
			}

			data := buf.Bytes()
			if start := bytes.Index(data, jpegSOI); start >= 0 {
				if end := bytes.Index(data[start+2:], jpegEOI); end >= 0 {
					frameEnd := start + 2 + end + 2
					return data[start:frameEnd], nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("mjpeg stream ended before a complete frame")
			}
			return nil, err
		}
	}
}
