package normalize

import "testing"

func testNormalizer() *Normalizer {
	return New(NewDictMorph(map[string]string{
		"cities":  "city",
		"states":  "state",
		"москвы":  "москва",
		"united":  "united",
		"running": "run",
	}))
}

func TestNormalize(t *testing.T) {
	n := testNormalizer()

	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "empty", text: "", want: ""},
		{name: "lowercases", text: "Berlin", want: "berlin"},
		{name: "collapses whitespace", text: "New   York\tCities", want: "new york city"},
		{name: "folds spaced hyphen", text: "Saint - Petersburg", want: "saint-petersburg"},
		{name: "strips punctuation", text: `"United States!"`, want: "united state"},
		{name: "keeps digits", text: "Area 51", want: "area 51"},
		{name: "cyrillic lemma", text: "Москвы", want: "москва"},
		{name: "mixed noise", text: "  The «Running»  man?! ", want: "the run man"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := n.Normalize(tt.text); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	n := testNormalizer()

	inputs := []string{
		"Saint - Petersburg",
		`"United States!"`,
		"New   York  Cities",
		"Москвы",
		"already normal",
	}
	for _, input := range inputs {
		once := n.Normalize(input)
		twice := n.Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: first %q, second %q", input, once, twice)
		}
	}
}
