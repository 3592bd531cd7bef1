package answer

import (
	"strings"
	"testing"

	"github.com/mnemos/mnemos/internal/chunk"
	"github.com/mnemos/mnemos/internal/retrieve"
)

func scored(texts ...string) []retrieve.Scored {
	out := make([]retrieve.Scored, len(texts))
	for i, text := range texts {
		out[i] = retrieve.Scored{
			Chunk: chunk.Chunk{ID: chunk.NewID("doc", i, text), Text: text},
			Score: 1 - float32(i)/10,
		}
	}
	return out
}

func TestAssembleAllFit(t *testing.T) {
	text, truncated := assemble(scored("alpha", "bravo", "charlie"), 100)
	want := "alpha" + chunkSeparator + "bravo" + chunkSeparator + "charlie"
	if text != want {
		t.Errorf("assemble() = %q, want %q", text, want)
	}
	if truncated {
		t.Error("truncated = true, want false (everything fit)")
	}
}

func TestAssembleEmpty(t *testing.T) {
	text, truncated := assemble(nil, 100)
	if text != "" || truncated {
		t.Errorf("assemble(nil) = (%q, %v), want empty and not truncated", text, truncated)
	}
}

func TestAssembleDropsLowestRanked(t *testing.T) {
	// Budget fits the first two chunks exactly; the third is dropped whole.
	results := scored("aaaaa", "bbbbb", "ccccc")
	budget := 5 + len(chunkSeparator) + 5

	text, truncated := assemble(results, budget)
	if !truncated {
		t.Error("truncated = false, want true (a chunk was dropped)")
	}
	if strings.Contains(text, "ccccc") {
		t.Errorf("lowest-ranked chunk survived the budget: %q", text)
	}
	if !strings.Contains(text, "aaaaa") || !strings.Contains(text, "bbbbb") {
		t.Errorf("higher-ranked chunks missing: %q", text)
	}
}

func TestAssembleCutsPartialChunkWithMarker(t *testing.T) {
	long := strings.Repeat("x", 50)
	budget := 30

	text, truncated := assemble(scored(long), budget)
	if !truncated {
		t.Error("truncated = false, want true")
	}
	if len(text) > budget {
		t.Errorf("len(text) = %d, exceeds budget %d", len(text), budget)
	}
	if !strings.HasSuffix(text, truncationMarker) {
		t.Errorf("cut chunk not marked: %q", text)
	}
}

func TestAssembleNeverExceedsBudget(t *testing.T) {
	results := scored(
		strings.Repeat("a", 17),
		strings.Repeat("b", 23),
		strings.Repeat("c", 31),
		strings.Repeat("d", 5),
	)
	for budget := 1; budget <= 90; budget++ {
		text, _ := assemble(results, budget)
		if len(text) > budget {
			t.Fatalf("budget %d: len(text) = %d", budget, len(text))
		}
	}
}

func TestAssembleRankOrderPreserved(t *testing.T) {
	text, _ := assemble(scored("first", "second", "third"), 100)
	i1 := strings.Index(text, "first")
	i2 := strings.Index(text, "second")
	i3 := strings.Index(text, "third")
	if !(i1 < i2 && i2 < i3) {
		t.Errorf("rank order not preserved in %q", text)
	}
}

func TestCutAtRuneBoundary(t *testing.T) {
	// Multibyte text must never be split mid-rune.
	s := "日本語のテキスト"
	for n := range len(s) + 1 {
		cut := cutAtRune(s, n)
		if len(cut) > n {
			t.Fatalf("cutAtRune(%d) returned %d bytes", n, len(cut))
		}
		if !strings.HasPrefix(s, cut) {
			t.Fatalf("cutAtRune(%d) = %q, not a prefix", n, cut)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int64
	}{
		{"", 0},
		{"ab", 1},
		{"hello world!", 6},
		{"日本語テスト", 3}, // runes, not bytes
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.text); got != tt.want {
			t.Errorf("estimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
