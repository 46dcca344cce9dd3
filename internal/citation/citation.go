// Package citation rewrites bracketed citation markers produced by
// web-search-grounded model responses.
package citation

import (
	"fmt"
	"regexp"
	"strconv"
)

// markerPattern matches [n], [[n]], and either form already followed by a
// parenthesized URL.
var markerPattern = regexp.MustCompile(`\[{1,2}(\d+)\]{1,2}(?:\(([^)]+)\))?`)

var indexPattern = regexp.MustCompile(`\d+`)

// Embed rewrites every citation marker [n] in response into a markdown
// link [[n]](url) using citations[n-1]. Markers whose index falls outside
// the citations list are left untouched. With no citations the input is
// returned unchanged.
func Embed(response string, citations []string) string {
	if response == "" || len(citations) == 0 {
		return response
	}

	return markerPattern.ReplaceAllStringFunc(response, func(match string) string {
		idx := indexPattern.FindString(match)
		n, err := strconv.Atoi(idx)
		if err != nil || n < 1 || n > len(citations) {
			return match
		}
		return fmt.Sprintf("[[%d]](%s)", n, citations[n-1])
	})
}

// Strip removes all citation markers, for media that cannot render links.
func Strip(response string) string {
	return markerPattern.ReplaceAllString(response, "")
}
