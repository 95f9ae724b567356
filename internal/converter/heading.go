package converter

import "strings"

// SplitHeadingAndBody separates a note's markdown heading from the rest of its content.
// Only a first line starting with '#' counts as a heading; otherwise the heading is empty.
func SplitHeadingAndBody(content string) (heading, body string) {
	firstLine, rest, _ := strings.Cut(content, "\n")
	trimmed := strings.TrimSpace(firstLine)
	if !strings.HasPrefix(trimmed, "#") {
		return "", content
	}

	heading = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
	return heading, rest
}

// FileSlug returns the file name stem for a note content.
func FileSlug(content string) string {
	heading, _ := SplitHeadingAndBody(content)
	return SanitizeFilename(heading)
}
