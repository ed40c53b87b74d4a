// Package quality implements the error-frame detector: fail-closed
// image-content gates applied to every acquired webcam frame before it
// is allowed into the variant pipeline.
package quality

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"time"
)

const (
	minWidth  = 100
	minHeight = 100

	uniformColorVarianceThreshold = 25.0

	borderDepthFraction    = 0.05
	borderEarlyAcceptVar   = 500.0
	borderGreyChannelSpread = 30.0
	borderGreyBrightnessMax = 120.0
)

// pixelationThresholds maps daylight phase to the minimum acceptable
// Laplacian-variance "sharpness" score.
var pixelationThresholds = map[Phase]float64{
	PhaseDay:              15,
	PhaseCivilTwilight:    10,
	PhaseNauticalTwilight: 5,
	PhaseNight:            2,
}

// Result is the aggregated verdict of all error-frame checks.
type Result struct {
	IsError      bool
	Confidence   float64
	ErrorScore   float64
	Reasons      []string
}

// Location is the airport position used to compute the daylight phase
// for the pixelation gate's threshold.
type Location struct {
	Lat float64
	Lon float64
}

// Detect runs the sequential fail-closed checks against decoded image
// data and returns the first positive rejection, or a passing Result if
// none trip. at defaults to time.Now() when zero.
func Detect(data []byte, loc Location, at time.Time) (Result, error) {
	if at.IsZero() {
		at = time.Now()
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	if width < minWidth || height < minHeight {
		return reject("too_small"), nil
	}

	if reason, ok := checkUniformColor(img); ok {
		return reject(reason), nil
	}

	phase := PhaseAt(loc.Lat, loc.Lon, at)
	if ok := checkPixelation(img, phase); !ok {
		return reject("pixelated"), nil
	}

	if res, rejected := checkBorderHeuristic(img); rejected {
		return res, nil
	}

	return Result{IsError: false, Confidence: 1.0}, nil
}

func reject(reason string) Result {
	return Result{IsError: true, Confidence: 1.0, ErrorScore: 1.0, Reasons: []string{reason}}
}

// samplePoint returns (r,g,b,brightness) in 0-255 scale for pixel (x,y).
func samplePoint(img image.Image, x, y int) (r, g, b, brightness float64) {
	cr, cg, cb, _ := img.At(x, y).RGBA()
	r = float64(cr >> 8)
	g = float64(cg >> 8)
	b = float64(cb >> 8)
	brightness = 0.299*r + 0.587*g + 0.114*b
	return
}

func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return sq / float64(len(values))
}

// checkUniformColor samples ~50 grid points and rejects frames whose
// per-channel and brightness variance is too low to be a real scene.
func checkUniformColor(img image.Image) (string, bool) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	const gridN = 7 // 7x7 = 49 points, "~50" per the spec wording
	var rs, gs, bs, brs []float64

	for gy := 0; gy < gridN; gy++ {
		for gx := 0; gx < gridN; gx++ {
			x := bounds.Min.X + (gx+1)*width/(gridN+1)
			y := bounds.Min.Y + (gy+1)*height/(gridN+1)
			r, g, b, br := samplePoint(img, x, y)
			rs, gs, bs, brs = append(rs, r), append(gs, g), append(bs, b), append(brs, br)
		}
	}

	maxVar := variance(rs)
	for _, v := range []float64{variance(gs), variance(bs), variance(brs)} {
		if v > maxVar {
			maxVar = v
		}
	}

	if maxVar >= uniformColorVarianceThreshold {
		return "", false
	}

	// Classify which uniform color it is, from the average sample.
	avg := func(vs []float64) float64 {
		var s float64
		for _, v := range vs {
			s += v
		}
		return s / float64(len(vs))
	}
	avgR, avgG, avgB, avgBr := avg(rs), avg(gs), avg(bs), avg(brs)

	switch {
	case avgBr < 20:
		return "solid_black", true
	case avgBr > 235:
		return "solid_white", true
	case math.Abs(avgR-avgG) < 10 && math.Abs(avgG-avgB) < 10:
		return "solid_grey", true
	default:
		return "solid_color", true
	}
}

// checkPixelation computes a 20x20-grid Laplacian-variance sharpness
// score and compares it against the phase-appropriate threshold.
func checkPixelation(img image.Image, phase Phase) bool {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	const gridN = 20
	var laplacians []float64

	for gy := 1; gy < gridN-1; gy++ {
		for gx := 1; gx < gridN-1; gx++ {
			x := bounds.Min.X + gx*width/gridN
			y := bounds.Min.Y + gy*height/gridN
			if x <= bounds.Min.X || x >= bounds.Max.X-1 || y <= bounds.Min.Y || y >= bounds.Max.Y-1 {
				continue
			}

			_, _, _, c := samplePoint(img, x, y)
			_, _, _, n := samplePoint(img, x, y-1)
			_, _, _, s := samplePoint(img, x, y+1)
			_, _, _, e := samplePoint(img, x+1, y)
			_, _, _, w := samplePoint(img, x-1, y)

			lap := math.Abs(4*c - (n + s + e + w))
			laplacians = append(laplacians, lap)
		}
	}

	score := variance(laplacians)
	threshold, ok := pixelationThresholds[phase]
	if !ok {
		threshold = pixelationThresholds[PhaseDay]
	}
	return score >= threshold
}

// checkBorderHeuristic samples border strips looking for the
// Blue-Iris-style error frame signature: low-variance grey borders
// coinciding with a measurable white-text presence. Scored, not
// definitive, since legitimate night scenes can resemble it.
func checkBorderHeuristic(img image.Image) (Result, bool) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	depthX := int(float64(width) * borderDepthFraction)
	depthY := int(float64(height) * borderDepthFraction)
	if depthX < 1 {
		depthX = 1
	}
	if depthY < 1 {
		depthY = 1
	}

	var brightness, rs, gs, bs []float64
	var whiteTextPixels int
	var total int

	sample := func(x, y int) {
		r, g, b, br := samplePoint(img, x, y)
		brightness = append(brightness, br)
		rs, gs, bs = append(rs, r), append(gs, g), append(bs, b)
		total++
		if br > 200 && math.Abs(r-g) < 15 && math.Abs(g-b) < 15 {
			whiteTextPixels++
		}
	}

	for y := bounds.Min.Y; y < bounds.Min.Y+depthY; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x += max(1, width/100) {
			sample(x, y)
		}
	}
	for y := bounds.Max.Y - depthY; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x += max(1, width/100) {
			sample(x, y)
		}
	}
	for x := bounds.Min.X; x < bounds.Min.X+depthX; x++ {
		for y := bounds.Min.Y; y < bounds.Max.Y; y += max(1, height/100) {
			sample(x, y)
		}
	}
	for x := bounds.Max.X - depthX; x < bounds.Max.X; x++ {
		for y := bounds.Min.Y; y < bounds.Max.Y; y += max(1, height/100) {
			sample(x, y)
		}
	}

	borderVariance := variance(brightness)
	if borderVariance > borderEarlyAcceptVar {
		return Result{}, false
	}

	maxChannelSpread := 0.0
	for i := range rs {
		spread := math.Max(math.Max(rs[i], gs[i]), bs[i]) - math.Min(math.Min(rs[i], gs[i]), bs[i])
		if spread > maxChannelSpread {
			maxChannelSpread = spread
		}
	}
	avgBrightness := 0.0
	for _, b := range brightness {
		avgBrightness += b
	}
	if total > 0 {
		avgBrightness /= float64(total)
	}

	greyRatio := maxChannelSpread < borderGreyChannelSpread && avgBrightness < borderGreyBrightnessMax
	whiteTextFraction := 0.0
	if total > 0 {
		whiteTextFraction = float64(whiteTextPixels) / float64(total)
	}

	if greyRatio && whiteTextFraction > 0.01 {
		score := 1.0 - (borderVariance / borderEarlyAcceptVar)
		return Result{
			IsError:    true,
			Confidence: score,
			ErrorScore: score,
			Reasons:    []string{"error_border_heuristic"},
		}, true
	}

	return Result{}, false
}
