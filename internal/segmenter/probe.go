package segmenter

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"

	"github.com/audiolease/transcribe/internal/errs"
)

// Prober probes a media file's duration via ffprobe.
type Prober struct {
	ffprobePath string
}

// NewProber creates a Prober, locating ffprobe on PATH unless ffprobePath is
// given explicitly.
func NewProber(ffprobePath string) (*Prober, error) {
	path := ffprobePath
	if path == "" {
		var err error
		path, err = exec.LookPath("ffprobe")
		if err != nil {
			return nil, errs.New(errs.AudioDecode, "ffprobe not found in PATH", err)
		}
	}
	return &Prober{ffprobePath: path}, nil
}

type probeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Duration returns the audio duration of path in seconds. Fails with
// errs.AudioDecode if the container cannot be probed (SPEC_FULL.md §4.4).
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	}
	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, errs.New(errs.AudioDecode, "ffprobe failed: "+stderr.String(), err)
	}

	var out probeFormat
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return 0, errs.New(errs.AudioDecode, "parse ffprobe output", err)
	}

	duration, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil {
		return 0, errs.New(errs.AudioDecode, "parse ffprobe duration", err)
	}
	return duration, nil
}
