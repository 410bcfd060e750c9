package merger

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

var foldCaser = cases.Fold()

// token is one word of a tail/head segment's text, carrying enough of its
// origin to rebuild a segment after the LCS pass drops shared tokens
// (SPEC_FULL.md §4.6 step 2, lexical-join).
type token struct {
	key           string // folded, punctuation-stripped — comparison key only
	text          string // original casing — survives into the rebuilt segment
	segPos        int    // index into the owning chunk's segment slice
	tokenIdxInSeg int    // position of this token within its segment's word list
	tokensInSeg   int    // total word count of its segment
}

// foldKey case-folds and strips punctuation for LCS comparison only; the
// token's own Text field preserves original casing for the rebuilt output.
func foldKey(word string) string {
	folded := foldCaser.String(word)
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return r
	}, folded)
}

// tokenizeSegments word-tokenises the segments at the given indices into
// curSegs, tagging each token with its originating segment so the caller can
// rebuild segments from whichever tokens survive the LCS pass.
func tokenizeSegments(segs []*absSegment, idxs []int) []token {
	var toks []token
	for _, si := range idxs {
		words := strings.Fields(segs[si].text)
		for wi, w := range words {
			toks = append(toks, token{
				key:           foldKey(w),
				text:          w,
				segPos:        si,
				tokenIdxInSeg: wi,
				tokensInSeg:   len(words),
			})
		}
	}
	return toks
}

// lcsSharedMask returns, for each element of a, whether it participates in
// the longest common subsequence between a and b (by token key). On an
// ambiguous alignment (tie in the DP traceback) it always prefers the step
// that advances through b — the successor's sequence — per SPEC_FULL.md
// §4.6's tie-break resolution.
func lcsSharedMask(a, b []token) []bool {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1].key == b[j-1].key {
				dp[i][j] = dp[i-1][j-1] + 1
			} else {
				dp[i][j] = max(dp[i-1][j], dp[i][j-1])
			}
		}
	}

	shared := make([]bool, m)
	i, j := m, n
	for i > 0 && j > 0 {
		if a[i-1].key == b[j-1].key {
			shared[i-1] = true
			i--
			j--
			continue
		}
		if dp[i-1][j] == dp[i][j-1] {
			j-- // tie: prefer advancing in the successor's sequence
			continue
		}
		if dp[i-1][j] > dp[i][j-1] {
			i--
		} else {
			j--
		}
	}
	return shared
}
