// Package textsplit breaks long text into transport-sized chunks,
// preferring sentence boundaries over word boundaries over raw slicing.
package textsplit

import "strings"

// Split returns ordered chunks of text, each at most chunkSize runes.
// Cuts land after a sentence terminator ('.' or newline) when one exists
// inside the window, otherwise after the nearest space, otherwise at the
// raw window edge (a single unbroken token longer than chunkSize).
// Deterministic for identical input; a non-positive chunkSize returns the
// text whole.
func Split(text string, chunkSize int) []string {
	if chunkSize <= 0 {
		return []string{text}
	}
	return split([]rune(text), chunkSize, nil)
}

func split(text []rune, chunkSize int, result []string) []string {
	if len(text) <= chunkSize {
		return append(result, string(text))
	}

	sliced := text[:chunkSize]

	// Window already ends on a sentence boundary.
	if last := sliced[chunkSize-1]; last == '.' || last == '\n' {
		return splitAt(text, chunkSize, chunkSize, result)
	}

	// Nearest sentence terminator inside the window; the cut keeps the
	// terminator on the left side.
	if i := lastIndexAny(sliced, '.', '\n'); i >= 0 {
		return splitAt(text, i+1, chunkSize, result)
	}

	// Nearest word boundary.
	if i := lastIndexAny(sliced, ' '); i >= 0 {
		return splitAt(text, i+1, chunkSize, result)
	}

	// No boundary at all: slice raw and keep going on the remainder.
	result = append(result, string(sliced))
	return split(text[chunkSize:], chunkSize, result)
}

// splitAt cuts text at cut runes, trims the seam whitespace and recurses
// on the remainder.
func splitAt(text []rune, cut, chunkSize int, result []string) []string {
	chunk := strings.TrimRight(string(text[:cut]), " \t\n")
	result = append(result, chunk)
	return split(trimOneLeadingSpace(text[cut:]), chunkSize, result)
}

func lastIndexAny(runes []rune, targets ...rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		for _, t := range targets {
			if runes[i] == t {
				return i
			}
		}
	}
	return -1
}

func trimOneLeadingSpace(runes []rune) []rune {
	if len(runes) > 0 && (runes[0] == ' ' || runes[0] == '\t' || runes[0] == '\n') {
		return runes[1:]
	}
	return runes
}
