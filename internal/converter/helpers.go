// Package converter turns note contents into file names.
package converter

import (
	"strings"
	"unicode"
)

const (
	// Filename constraints.
	maxFilenameLength = 100 // Maximum filename length (in runes) before truncation

	// UntitledSlug is used for notes whose heading yields no usable characters.
	UntitledSlug = "untitled_note"
)

// SanitizeFilename makes a heading safe for use as a filename (without extension).
// Letters and digits are kept (lowercased), separators become underscores and
// everything else is dropped.
func SanitizeFilename(name string) string {
	name = strings.ToLower(name)

	var result strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			result.WriteRune(r)
		case unicode.IsSpace(r) || isSeparator(r):
			result.WriteRune('_')
		}
	}

	filename := result.String()

	// Collapse multiple underscores
	for strings.Contains(filename, "__") {
		filename = strings.ReplaceAll(filename, "__", "_")
	}

	filename = strings.Trim(filename, "_")

	if runes := []rune(filename); len(runes) > maxFilenameLength {
		filename = strings.TrimRight(string(runes[:maxFilenameLength]), "_")
	}

	if filename == "" {
		filename = UntitledSlug
	}

	return filename
}

func isSeparator(r rune) bool {
	switch r {
	case '-', '_', '/', '\\', ':', '|', '.', ',', ';', '+':
		return true
	}
	return false
}
