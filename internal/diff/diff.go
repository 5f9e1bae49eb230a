// Package diff computes line-based deltas between two revisions of a text
// file. The comparison is positional: lines are matched by index, not by
// longest-common-subsequence alignment. A single line inserted near the top
// of a file therefore reports every following line as a remove+add pair.
// Downstream history counting depends on this exact behavior, so it must not
// be "fixed" by swapping in an aligning algorithm.
package diff

import (
	"strconv"
	"strings"
)

// Result holds the outcome of a diff computation. DeltaLines entries are
// formatted "@<line> +<content>" for additions and "@<line> -<content>" for
// removals, with 1-based line numbers.
type Result struct {
	DeltaLines   []string
	LinesAdded   int
	LinesRemoved int
}

// HasChanges reports whether the diff carries any added or removed lines.
func (r Result) HasChanges() bool {
	return r.LinesAdded > 0 || r.LinesRemoved > 0
}

// Delta renders the delta entries as a single newline-joined payload.
func (r Result) Delta() string {
	return strings.Join(r.DeltaLines, "\n")
}

// ComputeDiff compares two revisions line by line. Identical inputs
// short-circuit to an empty result before any line splitting. Splitting keeps
// trailing empty elements, so a trailing newline contributes a final empty
// line to the comparison.
func ComputeDiff(oldText, newText string) Result {
	if oldText == newText {
		return Result{}
	}

	oldLines := strings.Split(oldText, "\n")
	newLines := strings.Split(newText, "\n")

	maxLen := len(oldLines)
	if len(newLines) > maxLen {
		maxLen = len(newLines)
	}

	result := Result{}
	for i := 0; i < maxLen; i++ {
		hasOld := i < len(oldLines)
		hasNew := i < len(newLines)

		switch {
		case !hasOld && hasNew:
			result.DeltaLines = append(result.DeltaLines, formatEntry(i+1, '+', newLines[i]))
			result.LinesAdded++
		case hasOld && !hasNew:
			result.DeltaLines = append(result.DeltaLines, formatEntry(i+1, '-', oldLines[i]))
			result.LinesRemoved++
		case hasOld && hasNew && oldLines[i] != newLines[i]:
			result.DeltaLines = append(result.DeltaLines,
				formatEntry(i+1, '-', oldLines[i]),
				formatEntry(i+1, '+', newLines[i]))
			result.LinesRemoved++
			result.LinesAdded++
		}
	}

	return result
}

// ApplyDiff reconstructs a revision by replaying the old text and splicing in
// the delta's add/remove markers. Lines with no marker pass through. This is
// best-effort display reconstruction: it is not guaranteed to invert
// ComputeDiff for overlapping edits, and authoritative sync never relies on
// it (full content is republished instead).
func ApplyDiff(oldText, delta string) string {
	if delta == "" {
		return oldText
	}

	oldLines := strings.Split(oldText, "\n")
	removed := make(map[int]bool)
	added := make(map[int][]string)
	maxPos := len(oldLines)

	for _, raw := range strings.Split(delta, "\n") {
		pos, op, content, ok := parseEntry(raw)
		if !ok {
			continue
		}
		if pos > maxPos {
			maxPos = pos
		}
		if op == '-' {
			removed[pos] = true
		} else {
			added[pos] = append(added[pos], content)
		}
	}

	result := make([]string, 0, maxPos)
	for pos := 1; pos <= maxPos; pos++ {
		if lines, ok := added[pos]; ok {
			result = append(result, lines...)
			continue
		}
		if removed[pos] {
			continue
		}
		if pos <= len(oldLines) {
			result = append(result, oldLines[pos-1])
		}
	}

	return strings.Join(result, "\n")
}

func formatEntry(line int, op byte, content string) string {
	return "@" + strconv.Itoa(line) + " " + string(op) + content
}

func parseEntry(raw string) (pos int, op byte, content string, ok bool) {
	if !strings.HasPrefix(raw, "@") {
		return 0, 0, "", false
	}
	rest := raw[1:]
	space := strings.IndexByte(rest, ' ')
	if space <= 0 || space+1 >= len(rest) {
		return 0, 0, "", false
	}
	parsed, err := strconv.Atoi(rest[:space])
	if err != nil || parsed <= 0 {
		return 0, 0, "", false
	}
	marker := rest[space+1]
	if marker != '+' && marker != '-' {
		return 0, 0, "", false
	}
	return parsed, marker, rest[space+2:], true
}
