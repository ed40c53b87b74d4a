// Package acquisition implements the pull and push strategies that bring
// a webcam frame from its upstream source to a staged file on disk,
// ready for the processing pipeline.
package acquisition

import "context"

// Outcome classifies what an acquisition attempt produced.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkip    Outcome = "skip"
)

// Kind distinguishes the acquisition source shape, carried through to
// the pipeline and store for manifest metadata.
type Kind string

const (
	KindStaticJPEG Kind = "static_jpeg"
	KindStaticPNG  Kind = "static_png"
	KindMJPEG      Kind = "mjpeg"
	KindRTSP       Kind = "rtsp"
	KindFederated  Kind = "aviationwx_api"
	KindONVIF      Kind = "onvif"
	KindPush       Kind = "push"
)

// Result is the common return shape for every acquisition strategy:
// exactly one of Success/Failure/Skip semantics applies, selected by
// Outcome.
type Result struct {
	Outcome Outcome

	// Success fields.
	StagingPath string
	Kind        Kind
	Meta        map[string]string

	// Failure fields.
	FailureReason string

	// Skip fields (non-error; e.g. unchanged_304, not_due, circuit_open).
	SkipReason string
}

func Success(stagingPath string, kind Kind, meta map[string]string) Result {
	return Result{Outcome: OutcomeSuccess, StagingPath: stagingPath, Kind: kind, Meta: meta}
}

func Failure(reason string, meta map[string]string) Result {
	return Result{Outcome: OutcomeFailure, FailureReason: reason, Meta: meta}
}

func Skip(reason string, meta map[string]string) Result {
	return Result{Outcome: OutcomeSkip, SkipReason: reason, Meta: meta}
}

// Strategy is the common contract every pull acquisition source
// implements.
type Strategy interface {
	Acquire(ctx context.Context) Result
}

// PullMeta is the persisted conditional-fetch state for one pull camera,
// used to short-circuit unchanged upstream content.
type PullMeta struct {
	ETag              string `json:"etag,omitempty"`
	ContentChecksumSHA256 string `json:"content_checksum_sha256,omitempty"`
	LastFetched       string `json:"last_fetched,omitempty"`
}
