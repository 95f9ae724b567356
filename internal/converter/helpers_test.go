package converter

import (
	"strings"
	"testing"
)

func TestSanitizeFilename_BasicConversion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "uppercase to lowercase",
			input: "Potter",
			want:  "potter",
		},
		{
			name:  "spaces to underscores",
			input: "Nicolas Cage",
			want:  "nicolas_cage",
		},
		{
			name:  "digits kept",
			input: "Witcher 3",
			want:  "witcher_3",
		},
		{
			name:  "punctuation dropped",
			input: "Uncharted: The Lost Legacy",
			want:  "uncharted_the_lost_legacy",
		},
		{
			name:  "apostrophes dropped",
			input: "Harry's List",
			want:  "harrys_list",
		},
		{
			name:  "dashes to underscores",
			input: "to-do list",
			want:  "to_do_list",
		},
		{
			name:  "slashes to underscores",
			input: "a/b\\c",
			want:  "a_b_c",
		},
		{
			name:  "unicode letters kept",
			input: "Café Crème",
			want:  "café_crème",
		},
		{
			name:  "leading digits allowed",
			input: "2024 Goals",
			want:  "2024_goals",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := SanitizeFilename(tt.input)
			if got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeFilename_UnderscoreCollapse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "multiple separators collapsed",
			input: "my  -- page",
			want:  "my_page",
		},
		{
			name:  "leading and trailing separators removed",
			input: "  -- my page --  ",
			want:  "my_page",
		},
		{
			name:  "trailing space from heading",
			input: "Nicolas Cage ",
			want:  "nicolas_cage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := SanitizeFilename(tt.input)
			if got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeFilename_Fallback(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "   ", "!!!", "???---"} {
		if got := SanitizeFilename(input); got != UntitledSlug {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", input, got, UntitledSlug)
		}
	}
}

func TestSanitizeFilename_Truncation(t *testing.T) {
	t.Parallel()

	got := SanitizeFilename(strings.Repeat("é", 150))
	if n := len([]rune(got)); n != maxFilenameLength {
		t.Errorf("expected %d runes, got %d", maxFilenameLength, n)
	}

	got = SanitizeFilename(strings.Repeat("a", 99) + " b")
	if strings.HasSuffix(got, "_") {
		t.Errorf("truncated name should not end with an underscore: %q", got)
	}
}
