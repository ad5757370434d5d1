// Package render turns plain message text into the HTML body sent to
// recipients.
package render

import (
	"regexp"
	"strings"
)

var paragraphBreak = regexp.MustCompile(`\n{2,}`)

// TextToHTML splits text on blank lines and wraps each trimmed paragraph in
// <p>, one paragraph per line. Inline markup in the text is passed through
// unchanged; empty paragraphs are dropped.
func TextToHTML(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := paragraphBreak.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, "<p>"+p+"</p>")
	}
	return strings.Join(out, "\n")
}
