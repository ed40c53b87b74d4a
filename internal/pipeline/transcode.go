package pipeline

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// encodeVariant shells out to ffmpeg to downscale (unless height is the
// sentinel original) and re-encode srcPath at the spec's exact quality
// scale: JPEG -q:v 1 (highest on ffmpeg's 1..31 scale), WebP quality 90
// compression 6. Matches the teacher's own choice of ffmpeg as the image
// subprocess tool (used there for RTSP capture) rather than a stdlib
// resizer, since stdlib has no WebP encoder.
func encodeVariant(srcPath, workDir string, height, origWidth, origHeight int, format string) (string, error) {
	ext := format
	outPath := filepath.Join(workDir, fmt.Sprintf("variant-%d-%s-%d.%s", os.Getpid(), format, time.Now().UnixNano(), ext))

	args := []string{"-y", "-i", srcPath}

	if height != 0 {
		scale := heightArg(height, origWidth, origHeight)
		args = append(args, "-vf", "scale="+scale)
	}

	switch format {
	case "jpg", "jpeg":
		args = append(args, "-q:v", jpegQVScale)
	case "webp":
		args = append(args, "-quality", webpQuality, "-compression_level", webpCompr)
	default:
		return "", fmt.Errorf("unsupported variant format %q", format)
	}
	args = append(args, outPath)

	cmd := exec.Command("ffmpeg", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("ffmpeg encode failed: %w: %s", err, stderr.String())
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		os.Remove(outPath)
		return "", fmt.Errorf("ffmpeg produced an empty or missing output file")
	}

	return outPath, nil
}
