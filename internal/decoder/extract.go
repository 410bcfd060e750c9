package decoder

import (
	"context"
	"os"
	"os/exec"
	"strconv"

	"github.com/audiolease/transcribe/internal/errs"
	"github.com/google/uuid"
)

// Extractor cuts one chunk's PCM out of the source audio file via ffmpeg.
type Extractor struct {
	ffmpegPath string
	tmpDir     string
}

// NewExtractor creates an Extractor, locating ffmpeg on PATH unless
// ffmpegPath is given explicitly. tmpDir holds extracted PCM files until the
// caller deletes them; empty defaults to os.TempDir().
func NewExtractor(ffmpegPath, tmpDir string) (*Extractor, error) {
	path := ffmpegPath
	if path == "" {
		var err error
		path, err = exec.LookPath("ffmpeg")
		if err != nil {
			return nil, errs.New(errs.AudioDecode, "ffmpeg not found in PATH", err)
		}
	}
	return &Extractor{ffmpegPath: path, tmpDir: tmpDir}, nil
}

// Extract writes start..end seconds of audioPath as mono 16kHz s16le PCM to a
// fresh temp file and returns its path. The caller owns the file and must
// remove it when done.
func (e *Extractor) Extract(ctx context.Context, audioPath string, start, end float64) (string, error) {
	f, err := os.CreateTemp(e.tmpDir, "chunk-"+uuid.NewString()+"-*.pcm")
	if err != nil {
		return "", errs.New(errs.IO, "create temp chunk file", err)
	}
	outPath := f.Name()
	f.Close()

	args := []string{
		"-y",
		"-ss", strconv.FormatFloat(start, 'f', 3, 64),
		"-i", audioPath,
		"-t", strconv.FormatFloat(end-start, 'f', 3, 64),
		"-ac", "1",
		"-ar", "16000",
		"-f", "s16le",
		outPath,
	}
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(outPath)
		return "", errs.Newf(errs.AudioDecode, err, "ffmpeg chunk extraction failed: %s", string(out))
	}

	return outPath, nil
}
