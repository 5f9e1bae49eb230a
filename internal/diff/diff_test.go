package diff

import (
	"strings"
	"testing"
)

func TestComputeDiffIdenticalTextIsNoOp(t *testing.T) {
	texts := []string{"", "a", "a\nb\nc", "line1\nline2\n", "\n\n"}
	for _, text := range texts {
		result := ComputeDiff(text, text)
		if result.LinesAdded != 0 || result.LinesRemoved != 0 {
			t.Fatalf("expected zero counts for identical text %q, got +%d -%d",
				text, result.LinesAdded, result.LinesRemoved)
		}
		if len(result.DeltaLines) != 0 {
			t.Fatalf("expected empty delta for identical text %q", text)
		}
		if result.HasChanges() {
			t.Fatalf("expected HasChanges to be false for identical text %q", text)
		}
	}
}

func TestComputeDiffPureAddition(t *testing.T) {
	result := ComputeDiff("a\nb", "a\nb\nc")
	if result.LinesAdded != 1 {
		t.Fatalf("expected 1 line added, got %d", result.LinesAdded)
	}
	if result.LinesRemoved != 0 {
		t.Fatalf("expected 0 lines removed, got %d", result.LinesRemoved)
	}
	if len(result.DeltaLines) != 1 || result.DeltaLines[0] != "@3 +c" {
		t.Fatalf("unexpected delta entries: %#v", result.DeltaLines)
	}
}

func TestComputeDiffPureDeletion(t *testing.T) {
	result := ComputeDiff("a\nb\nc", "a\nb")
	if result.LinesAdded != 0 {
		t.Fatalf("expected 0 lines added, got %d", result.LinesAdded)
	}
	if result.LinesRemoved != 1 {
		t.Fatalf("expected 1 line removed, got %d", result.LinesRemoved)
	}
	if len(result.DeltaLines) != 1 || result.DeltaLines[0] != "@3 -c" {
		t.Fatalf("unexpected delta entries: %#v", result.DeltaLines)
	}
}

func TestComputeDiffPositionalInsertionShiftsFollowingLines(t *testing.T) {
	// Inserting "a" at the top shifts every line, so the positional walk
	// reports remove+add pairs rather than a single insertion.
	result := ComputeDiff("b\nc", "a\nb\nc")
	if result.LinesAdded != 2 {
		t.Fatalf("expected 2 lines added, got %d", result.LinesAdded)
	}
	if result.LinesRemoved != 1 {
		t.Fatalf("expected 1 line removed, got %d", result.LinesRemoved)
	}
	expected := []string{"@1 -b", "@1 +a", "@2 -c", "@2 +b", "@3 +c"}
	if len(result.DeltaLines) != len(expected) {
		t.Fatalf("expected %d delta entries, got %#v", len(expected), result.DeltaLines)
	}
	for i, entry := range expected {
		if result.DeltaLines[i] != entry {
			t.Fatalf("delta entry %d: expected %q, got %q", i, entry, result.DeltaLines[i])
		}
	}
}

func TestComputeDiffModifiedLineCountsBothWays(t *testing.T) {
	result := ComputeDiff("a\nb\nc", "a\nx\nc")
	if result.LinesAdded != 1 || result.LinesRemoved != 1 {
		t.Fatalf("expected +1 -1 for a modified line, got +%d -%d",
			result.LinesAdded, result.LinesRemoved)
	}
	if result.DeltaLines[0] != "@2 -b" || result.DeltaLines[1] != "@2 +x" {
		t.Fatalf("unexpected delta entries: %#v", result.DeltaLines)
	}
}

func TestComputeDiffTrailingNewlineProducesTrailingEmptyLine(t *testing.T) {
	result := ComputeDiff("a", "a\n")
	if result.LinesAdded != 1 || result.LinesRemoved != 0 {
		t.Fatalf("expected the trailing empty line to count as an addition, got +%d -%d",
			result.LinesAdded, result.LinesRemoved)
	}
	if result.DeltaLines[0] != "@2 +" {
		t.Fatalf("unexpected delta entry: %q", result.DeltaLines[0])
	}
}

func TestApplyDiffEmptyDeltaReturnsOldText(t *testing.T) {
	if got := ApplyDiff("a\nb", ""); got != "a\nb" {
		t.Fatalf("expected old text back, got %q", got)
	}
}

func TestApplyDiffReconstructsSimpleEdits(t *testing.T) {
	cases := []struct {
		oldText string
		newText string
	}{
		{"a\nb", "a\nb\nc"},
		{"a\nb\nc", "a\nb"},
		{"a\nb\nc", "a\nx\nc"},
		{"", "line1\nline2"},
		{"b\nc", "a\nb\nc"},
	}
	for _, tc := range cases {
		result := ComputeDiff(tc.oldText, tc.newText)
		reconstructed := ApplyDiff(tc.oldText, result.Delta())
		if reconstructed != tc.newText {
			t.Fatalf("ApplyDiff(%q, %q) = %q, want %q",
				tc.oldText, result.Delta(), reconstructed, tc.newText)
		}
	}
}

func TestApplyDiffSkipsMalformedEntries(t *testing.T) {
	delta := strings.Join([]string{"garbage", "@x +a", "@2 +b"}, "\n")
	if got := ApplyDiff("a", delta); got != "a\nb" {
		t.Fatalf("expected malformed entries to be skipped, got %q", got)
	}
}
