package segmenter

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/rs/zerolog/log"
)

// SilenceInterval is one [start, end) span of detected silence.
type SilenceInterval struct {
	Start float64
	End   float64
}

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*(-?[0-9.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*(-?[0-9.]+)`)
)

// VADScanner detects silence intervals in an audio file by scraping
// ffmpeg's silencedetect filter output (SPEC_FULL.md §4.4). VAD failure is
// never fatal to the caller — it falls back to unsnapped splits.
type VADScanner struct {
	ffmpegPath string
}

// NewVADScanner creates a VADScanner, locating ffmpeg on PATH unless
// ffmpegPath is given explicitly.
func NewVADScanner(ffmpegPath string) (*VADScanner, error) {
	path := ffmpegPath
	if path == "" {
		var err error
		path, err = exec.LookPath("ffmpeg")
		if err != nil {
			return nil, err
		}
	}
	return &VADScanner{ffmpegPath: path}, nil
}

// Scan returns every silence interval in path at least minSilenceSeconds
// long, below thresholdDBFS. A scan failure returns (nil, err); callers must
// treat that as "no snapping available", not as a job failure.
func (s *VADScanner) Scan(ctx context.Context, path string, thresholdDBFS, minSilenceSeconds float64) ([]SilenceInterval, error) {
	filter := "silencedetect=noise=" + strconv.FormatFloat(thresholdDBFS, 'f', 1, 64) +
		"dB:d=" + strconv.FormatFloat(minSilenceSeconds, 'f', 3, 64)

	args := []string{"-i", path, "-af", filter, "-f", "null", "-"}
	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, err
	}

	return parseSilenceIntervals(stderr.Bytes()), nil
}

func parseSilenceIntervals(stderr []byte) []SilenceInterval {
	var intervals []SilenceInterval
	var pendingStart float64
	haveStart := false

	scanner := bufio.NewScanner(bytes.NewReader(stderr))
	for scanner.Scan() {
		line := scanner.Text()

		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				log.Warn().Str("line", line).Msg("unparseable silence_start")
				continue
			}
			pendingStart = v
			haveStart = true
			continue
		}

		if m := silenceEndRe.FindStringSubmatch(line); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				log.Warn().Str("line", line).Msg("unparseable silence_end")
				continue
			}
			if haveStart {
				intervals = append(intervals, SilenceInterval{Start: pendingStart, End: v})
				haveStart = false
			}
		}
	}

	return intervals
}

// SnapToSilence returns the midpoint of the silence interval covering or
// nearest to nominal within [nominal-window, nominal+window], or nominal
// itself if none is found (SPEC_FULL.md §4.4's "no snap" fallback).
func SnapToSilence(nominal, window float64, intervals []SilenceInterval) float64 {
	lo, hi := nominal-window, nominal+window
	best := nominal
	bestDist := window + 1

	for _, iv := range intervals {
		mid := (iv.Start + iv.End) / 2
		if mid < lo || mid > hi {
			continue
		}
		dist := mid - nominal
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			bestDist = dist
			best = mid
		}
	}

	return best
}
