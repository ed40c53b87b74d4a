package acquisition

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/icholy/digest"

	"github.com/aviationwx/hub/internal/cache"
	"github.com/aviationwx/hub/internal/exifdiscipline"
	"github.com/aviationwx/hub/internal/quality"
)

// pullMetaTTL bounds how long a pull source's conditional-fetch state
// (ETag/checksum) survives in the cache. It only needs to outlive the
// gap between ticks, but a generous TTL also lets it survive a short
// restart window without forcing a full, non-conditional re-fetch.
const pullMetaTTL = 7 * 24 * time.Hour

// AuthConfig configures outbound HTTP authentication for a static/MJPEG
// source. In StaticFetcher, scheme "digest" uses real RFC 7616 digest
// auth via github.com/icholy/digest rather than falling back to Basic.
// MJPEGFetcher applies only scheme "basic"; with "digest" it sends no
// credentials.
type AuthConfig struct {
	Scheme   string // "basic" | "digest" | ""
	Username string
	Password string
}

// StaticConfig configures one static-image (or federated-API) pull
// source.
type StaticConfig struct {
	ID           string
	URL          string
	Auth         *AuthConfig
	MaxBodyBytes int64
	Timeout      time.Duration

	StagingDir string

	// MetaCache persists conditional-fetch state (ETag/checksum) across
	// ticks and restarts (C1 Cached Data Loader); nil disables the
	// optimization and every tick re-fetches unconditionally.
	MetaCache *cache.Store

	Location quality.Location
	Timezone *time.Location

	Exif *exifdiscipline.Tool
}

// StaticFetcher implements Strategy for HTTP static-image and
// federated-API pull sources (JPEG/PNG signature bodies fetched with a
// conditional GET).
type StaticFetcher struct {
	cfg    StaticConfig
	client *http.Client
}

// NewStaticFetcher builds the HTTP client, wiring a digest.Transport when
// the source's auth scheme calls for it.
func NewStaticFetcher(cfg StaticConfig) (*StaticFetcher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 20 * 1024 * 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}

	var transport http.RoundTripper = http.DefaultTransport
	if cfg.Auth != nil && cfg.Auth.Scheme == "digest" {
		transport = &digest.Transport{
			Username: cfg.Auth.Username,
			Password: cfg.Auth.Password,
		}
	}

	return &StaticFetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}, nil
}

func (f *StaticFetcher) loadPullMeta() PullMeta {
	if f.cfg.MetaCache == nil {
		return PullMeta{}
	}
	data, ok := f.cfg.MetaCache.Get(f.cfg.ID)
	if !ok {
		return PullMeta{}
	}
	var meta PullMeta
	_ = json.Unmarshal(data, &meta)
	return meta
}

func (f *StaticFetcher) savePullMeta(meta PullMeta) error {
	if f.cfg.MetaCache == nil {
		return nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	f.cfg.MetaCache.Set(f.cfg.ID, data, pullMetaTTL)
	return nil
}

// Acquire runs the pull-static contract: conditional GET, checksum
// short-circuit, signature/size validation, staging write, C4 detection,
// EXIF discipline, pull-meta persistence.
func (f *StaticFetcher) Acquire(ctx context.Context) Result {
	meta := f.loadPullMeta()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return Failure("request_build_error", map[string]string{"error": err.Error()})
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
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

	if resp.StatusCode == http.StatusNotModified {
		meta.LastFetched = time.Now().UTC().Format(time.RFC3339)
		f.savePullMeta(meta)
		return Skip("unchanged_304", nil)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return Failure("auth", map[string]string{"http_code": strconv.Itoa(resp.StatusCode)})
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return Failure("rate_limit", map[string]string{"http_code": strconv.Itoa(resp.StatusCode)})
	}
	if resp.StatusCode != http.StatusOK {
		severity := "permanent"
		if resp.StatusCode >= 500 {
			severity = "transient"
		}
		return Failure(severity, map[string]string{"http_code": strconv.Itoa(resp.StatusCode)})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return Failure("transient", map[string]string{"error": err.Error()})
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return Failure("content_invalid", map[string]string{"reason": "body_too_large"})
	}

	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])
	if checksum == meta.ContentChecksumSHA256 {
		meta.ETag = resp.Header.Get("ETag")
		meta.LastFetched = time.Now().UTC().Format(time.RFC3339)
		f.savePullMeta(meta)
		return Skip("unchanged_checksum", nil)
	}

	kind, ok := detectImageKind(body)
	if !ok {
		return Failure("content_invalid", map[string]string{"reason": "unrecognized_signature"})
	}

	if kind == "png" {
		transcoded, err := transcodePNGToJPEG(body)
		if err != nil {
			return Failure("content_invalid", map[string]string{"reason": "png_transcode_failed"})
		}
		body = transcoded
	}

	if err := os.MkdirAll(f.cfg.StagingDir, 0755); err != nil {
		return Failure("transient", map[string]string{"error": err.Error()})
	}
	stagingPath := filepath.Join(f.cfg.StagingDir, fmt.Sprintf("%s_%d.staging", f.cfg.ID, time.Now().UnixNano()))
	if err := writeAtomicStaging(stagingPath, body); err != nil {
		return Failure("transient", map[string]string{"error": err.Error()})
	}

	qres, err := quality.Detect(body, f.cfg.Location, time.Now())
	if err != nil {
		os.Remove(stagingPath)
		return Failure("content_invalid", map[string]string{"reason": "decode_failure"})
	}
	if qres.IsError {
		os.Remove(stagingPath)
		return Failure("content_invalid", map[string]string{"reason": qres.Reasons[0]})
	}

	if f.cfg.Exif != nil {
		if _, err := f.cfg.Exif.EnsureEXIF(stagingPath, filepath.Base(f.cfg.URL), time.Now(), f.cfg.Timezone); err != nil {
			os.Remove(stagingPath)
			return Failure("transient", map[string]string{"reason": "ensure_exif_failed"})
		}
		vres, err := f.cfg.Exif.ValidateTimestamp(stagingPath)
		if err != nil || !vres.Valid {
			os.Remove(stagingPath)
			return Failure("content_invalid", map[string]string{"reason": "exif_invalid"})
		}
	}

	meta.ETag = resp.Header.Get("ETag")
	meta.ContentChecksumSHA256 = checksum
	meta.LastFetched = time.Now().UTC().Format(time.RFC3339)
	if err := f.savePullMeta(meta); err != nil {
		// Non-fatal: the frame is already staged successfully; a stale
		// pull-meta just costs one redundant fetch next cycle.
	}

	return Success(stagingPath, kindOf(kind), map[string]string{"checksum": checksum})
}

func kindOf(sig string) Kind {
	if sig == "png" {
		return KindStaticPNG
	}
	return KindStaticJPEG
}

// detectImageKind inspects the magic bytes of body and reports whether it
// is a JPEG or PNG per the spec's signature gate.
func detectImageKind(body []byte) (string, bool) {
	if bytes.HasPrefix(body, []byte{0xFF, 0xD8}) {
		return "jpeg", true
	}
	if bytes.HasPrefix(body, []byte{0x89, 0x50, 0x4E, 0x47}) {
		return "png", true
	}
	return "", false
}

// transcodePNGToJPEG converts a PNG payload to JPEG quality 85, per the
// spec's requirement that only JPEG variants flow downstream.
func transcodePNGToJPEG(body []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func writeAtomicStaging(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
