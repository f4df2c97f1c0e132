// Package textdiff produces line-wise unified diffs between two chapter
// renderings. Diffs are stored verbatim in changelog rows, so output must be
// deterministic for a given input pair.
package textdiff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Result struct {
	Text    string
	Added   int
	Removed int
}

// Unified computes a line-based diff of from → to. Labels name the two sides
// in the header, e.g. "en/v3" and "fr/v1".
func Unified(fromLabel, toLabel, from, to string) Result {
	if from == to {
		return Result{}
	}

	dmp := diffmatchpatch.New()
	fromRunes, toRunes, lineArray := dmp.DiffLinesToRunes(from, to)
	diffs := dmp.DiffMainRunes(fromRunes, toRunes, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var out strings.Builder
	out.WriteString("--- " + fromLabel + "\n")
	out.WriteString("+++ " + toLabel + "\n")

	added, removed := 0, 0
	for _, diff := range diffs {
		prefix := " "
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range splitLines(diff.Text) {
			out.WriteString(prefix + line + "\n")
			switch diff.Type {
			case diffmatchpatch.DiffInsert:
				added++
			case diffmatchpatch.DiffDelete:
				removed++
			}
		}
	}

	return Result{Text: out.String(), Added: added, Removed: removed}
}

// splitLines splits on newlines, dropping a single trailing empty element so
// "a\nb\n" yields ["a", "b"].
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
