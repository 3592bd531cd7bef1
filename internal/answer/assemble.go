package answer

import (
	"strings"
	"unicode/utf8"

	"github.com/mnemos/mnemos/internal/retrieve"
)

// chunkSeparator joins chunk texts in the assembled context.
const chunkSeparator = "\n\n"

// truncationMarker is appended when a chunk is cut at the budget boundary,
// so a partially included chunk is never silent.
const truncationMarker = " […]"

// assemble concatenates retrieved chunk texts, highest-ranked first, into
// at most budget characters. When the budget is exceeded, chunks are
// dropped from the lowest-ranked end; a chunk that partially fits is cut
// at the boundary and marked. The returned flag reports whether anything
// was dropped or cut.
func assemble(results []retrieve.Scored, budget int) (string, bool) {
	if budget <= 0 || len(results) == 0 {
		return "", len(results) > 0
	}

	var (
		b         strings.Builder
		used      int
		truncated bool
	)
	for i, res := range results {
		text := res.Chunk.Text
		sep := 0
		if i > 0 {
			sep = len(chunkSeparator)
		}

		need := sep + len(text)
		if used+need <= budget {
			if sep > 0 {
				b.WriteString(chunkSeparator)
			}
			b.WriteString(text)
			used += need
			continue
		}

		// Out of budget. Cut this chunk to the remaining room if any
		// meaningful amount fits, then stop; everything below this rank
		// is dropped.
		remaining := budget - used - sep - len(truncationMarker)
		if remaining > 0 {
			if sep > 0 {
				b.WriteString(chunkSeparator)
			}
			b.WriteString(cutAtRune(text, remaining))
			b.WriteString(truncationMarker)
		}
		truncated = true
		break
	}
	return b.String(), truncated
}

// cutAtRune truncates s to at most n bytes without splitting a rune.
func cutAtRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// estimateTokens provides a rough token count for admission estimates.
// Rune count divided by 2 is conservative for both English (~4 chars per
// token) and CJK (~1.5 chars per token) text.
func estimateTokens(text string) int64 {
	return int64(utf8.RuneCountInString(text) / 2)
}
