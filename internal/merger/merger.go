// Package merger implements the Segment Merger (C6) of SPEC_FULL.md §4.6: a
// pure, I/O-free algorithm that turns per-chunk, chunk-local segment lists
// into one globally-timestamped, deduplicated segment sequence.
package merger

import (
	"math"
	"sort"
	"strings"

	"github.com/audiolease/transcribe/internal/errs"
	"github.com/audiolease/transcribe/internal/models"
	"github.com/rs/zerolog/log"
)

// residualOverlapTolerance is the maximum residual overlap the canonicalise
// step will silently nudge away, per SPEC_FULL.md §4.6 step 3 and the
// invariant in §3's Segment entity ("no two segments overlap by more than a
// small tolerance").
const residualOverlapTolerance = 0.05

// Config mirrors the segmenter geometry the merger needs to reconstruct
// overlap windows, plus the lexical-join/timestamp-join crossover point.
type Config struct {
	OverlapSeconds       float64
	MinSilenceSeconds    float64 // M — paragraph-break gap threshold (§4.6 step 4)
	LexicalJoinThreshold int     // chunk count below which lexical-join runs instead of timestamp-join; 0 defaults to 10
}

// Merger runs the merge algorithm. It holds no I/O handles — Merge is a pure
// function of its arguments.
type Merger struct {
	cfg Config
}

// New creates a Merger from cfg, defaulting LexicalJoinThreshold to 10 (the
// N in SPEC_FULL.md §4.6's "N < 10: lexical-join" rule).
func New(cfg Config) *Merger {
	if cfg.LexicalJoinThreshold == 0 {
		cfg.LexicalJoinThreshold = 10
	}
	return &Merger{cfg: cfg}
}

// absSegment is one segment with its timestamps already absolutised
// (chunk-local seconds + chunk.Start), tagged with its originating chunk so
// the overlap-resolution pass can address "this chunk's tail".
type absSegment struct {
	start, end float64
	text       string
	chunkIndex int
	dropped    bool
}

// Merge runs the full §4.6 pipeline: absolutise, resolve overlaps (timestamp-
// join or lexical-join depending on chunk count), canonicalise, and emit the
// final segment list plus its concatenated text.
func (m *Merger) Merge(chunks []models.Chunk, results []models.ChunkResult) ([]models.Segment, string, error) {
	if len(chunks) == 0 {
		return nil, "", nil
	}
	if err := m.checkCoverage(chunks); err != nil {
		return nil, "", err
	}

	perChunk := m.absolutise(chunks, results)

	resolveOverlap := m.timestampJoin
	if len(chunks) < m.cfg.LexicalJoinThreshold {
		resolveOverlap = m.lexicalJoin
	}
	for i := 0; i < len(chunks)-1; i++ {
		resolveOverlap(chunks[i], chunks[i+1], perChunk[i], perChunk[i+1])
	}

	var all []*absSegment
	for _, segs := range perChunk {
		for _, s := range segs {
			if !s.dropped {
				all = append(all, s)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].start < all[j].start })

	canon := m.canonicalise(all)

	segments := make([]models.Segment, 0, len(canon))
	textParts := make([]string, 0, len(canon))
	for i, s := range canon {
		segments = append(segments, models.Segment{Start: s.start, End: s.end, Text: s.text})
		textParts = append(textParts, s.text)
		if i < len(canon)-1 {
			gap := canon[i+1].start - s.end
			if canon[i+1].chunkIndex != s.chunkIndex && gap > m.cfg.MinSilenceSeconds {
				textParts[len(textParts)-1] += "\n"
			}
		}
	}

	return segments, strings.Join(textParts, " "), nil
}

// checkCoverage is the "structural inconsistency" fatal check of SPEC_FULL
// §4.6's Failure semantics: the chunk sequence itself must actually cover
// the audio with no gaps, or the merge can't be trusted at all.
func (m *Merger) checkCoverage(chunks []models.Chunk) error {
	if chunks[0].Start != 0 {
		return errs.New(errs.Merge, "chunk sequence does not start at 0", nil)
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Start > chunks[i-1].End {
			return errs.Newf(errs.Merge, nil, "gap between chunk %d and %d", i-1, i)
		}
	}
	return nil
}

// absolutise implements §4.6 step 1: per-chunk local (start, end, text) ->
// absolute (start+Chunk.Start, end+Chunk.Start, text). NaN timestamps are
// dropped per the Failure semantics' "non-fatal numerical issues" clause.
func (m *Merger) absolutise(chunks []models.Chunk, results []models.ChunkResult) [][]*absSegment {
	perChunk := make([][]*absSegment, len(chunks))
	dropped := 0

	for _, res := range results {
		if res.ChunkIndex < 0 || res.ChunkIndex >= len(chunks) {
			continue
		}
		chunk := chunks[res.ChunkIndex]
		segs := make([]*absSegment, 0, len(res.Segments))
		for _, s := range res.Segments {
			if math.IsNaN(s.Start) || math.IsNaN(s.End) {
				dropped++
				continue
			}
			segs = append(segs, &absSegment{
				start:      s.Start + chunk.Start,
				end:        s.End + chunk.Start,
				text:       s.Text,
				chunkIndex: res.ChunkIndex,
			})
		}
		perChunk[res.ChunkIndex] = segs
	}

	if dropped > 0 {
		log.Warn().Int("dropped_segments", dropped).Msg("dropped segments with NaN timestamps during merge")
	}
	return perChunk
}

// timestampJoin is the N≥10 strategy: in the overlap window with next,
// prefer the successor's rendering of the shared region (SPEC_FULL §4.6
// step 2).
func (m *Merger) timestampJoin(cur, next models.Chunk, curSegs, nextSegs []*absSegment) {
	overlapStart := cur.End - m.cfg.OverlapSeconds
	for _, s := range curSegs {
		if s.start >= overlapStart && s.start <= cur.End && s.start > next.Start {
			s.dropped = true
		}
	}
}

// lexicalJoin is the N<10 strategy: LCS-align the tokens of cur's tail
// against next's head within the overlap window, drop cur's shared tokens,
// and rebuild cur's tail segments from whichever tokens survive.
func (m *Merger) lexicalJoin(cur, next models.Chunk, curSegs, nextSegs []*absSegment) {
	overlapStart := cur.End - m.cfg.OverlapSeconds
	overlapEnd := cur.End

	var tailIdx, headIdx []int
	for i, s := range curSegs {
		if s.end > overlapStart && s.start < overlapEnd {
			tailIdx = append(tailIdx, i)
		}
	}
	for i, s := range nextSegs {
		if s.start < overlapEnd && s.end > overlapStart {
			headIdx = append(headIdx, i)
		}
	}
	if len(tailIdx) == 0 || len(headIdx) == 0 {
		return
	}

	tailTokens := tokenizeSegments(curSegs, tailIdx)
	headTokens := tokenizeSegments(nextSegs, headIdx)
	if len(tailTokens) == 0 || len(headTokens) == 0 {
		return
	}

	shared := lcsSharedMask(tailTokens, headTokens)
	rebuildFromSurvivors(curSegs, tailIdx, tailTokens, shared)
}

// rebuildFromSurvivors regroups tailTokens by originating segment, drops
// segments with no surviving tokens, and otherwise re-attaches (start, end,
// text) by proportional interpolation over the surviving token span within
// the segment's original word list (SPEC_FULL §4.6 step 2).
func rebuildFromSurvivors(curSegs []*absSegment, tailIdx []int, tokens []token, shared []bool) {
	survivingIdx := make(map[int][]int)
	survivingText := make(map[int][]string)
	totalBySeg := make(map[int]int)

	for i, t := range tokens {
		totalBySeg[t.segPos] = t.tokensInSeg
		if !shared[i] {
			survivingIdx[t.segPos] = append(survivingIdx[t.segPos], t.tokenIdxInSeg)
			survivingText[t.segPos] = append(survivingText[t.segPos], t.text)
		}
	}

	for _, si := range tailIdx {
		total := totalBySeg[si]
		if total == 0 {
			continue
		}
		surv := survivingIdx[si]
		if len(surv) == 0 {
			curSegs[si].dropped = true
			continue
		}

		minIdx, maxIdx := surv[0], surv[0]
		for _, idx := range surv {
			if idx < minIdx {
				minIdx = idx
			}
			if idx > maxIdx {
				maxIdx = idx
			}
		}

		seg := curSegs[si]
		span := seg.end - seg.start
		origStart := seg.start
		seg.start = origStart + (float64(minIdx)/float64(total))*span
		seg.end = origStart + (float64(maxIdx+1)/float64(total))*span
		seg.text = strings.Join(survivingText[si], " ")
	}
}

// canonicalise is §4.6 step 3: re-sort (already sorted by caller), nudge any
// residual overlap under tolerance so end_i <= start_{i+1}, and drop any
// segment whose duration collapses to <= 0 under that nudge.
func (m *Merger) canonicalise(segs []*absSegment) []*absSegment {
	out := make([]*absSegment, 0, len(segs))
	for i, s := range segs {
		if i+1 < len(segs) {
			next := segs[i+1]
			if s.end > next.start && s.end-next.start <= residualOverlapTolerance {
				s.end = next.start
			}
		}
		if s.end-s.start <= 0 {
			continue
		}
		out = append(out, s)
	}
	return out
}
