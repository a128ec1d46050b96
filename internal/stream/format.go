package stream

import "strings"

// LineBreak is the display-layer line break sent to socket clients.
const LineBreak = "<br />"

// FormatText replaces every newline in text with marker. Applying it to
// already formatted text is a no-op as long as marker holds no newline.
func FormatText(text, marker string) string {
	if marker == "\n" {
		return text
	}
	return strings.ReplaceAll(text, "\n", marker)
}
