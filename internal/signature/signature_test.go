package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "lowercases and strips punctuation",
			input: "What ARE your Hours?!",
			want:  "what are your hours",
		},
		{
			name:  "collapses whitespace",
			input: "  bay   is   frozen \n\t again ",
			want:  "bay is frozen again",
		},
		{
			name:  "replaces numbers",
			input: "bay 7 screen is stuck",
			want:  "bay {number} screen is stuck",
		},
		{
			name:  "replaces times",
			input: "can I book for 9:30 PM",
			want:  "can i book for {time}",
		},
		{
			name:  "replaces emails",
			input: "send it to mike.jones@example.com please",
			want:  "send it to {email} please",
		},
		{
			name:  "replaces phone numbers",
			input: "call me at 555-123-4567",
			want:  "call me at {phone}",
		},
		{
			name:  "replaces greeting names",
			input: "hi John, the door won't open",
			want:  "hi {name} the door won t open",
		},
		{
			name:  "keeps greeting stopwords",
			input: "hi there, quick question",
			want:  "hi there quick question",
		},
		{
			name:  "empty input",
			input: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, Signature(tt.want), Normalize(tt.input))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"What ARE your Hours?!",
		"bay 7 screen is stuck at 9:30 pm",
		"hi John, call me at 555-123-4567 or mike@example.com",
		"thanks so much!!!",
		"",
		"   ",
	}

	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(string(once))
		assert.Equal(t, once, twice, "input %q", in)
	}
}

func TestSimilarity(t *testing.T) {
	a := Normalize("what are your hours")
	b := Normalize("what are your hours?")
	c := Normalize("my simulator is frozen")

	assert.InDelta(t, 1.0, Similarity(a, b), 1e-9)
	assert.Less(t, Similarity(a, c), 0.2)
	assert.Equal(t, Similarity(a, c), Similarity(c, a))
	assert.Equal(t, 0.0, Similarity(Normalize(""), a))
	assert.Equal(t, 0.0, Similarity(Signature(""), Signature("")))
}

func TestSimilarityNearDuplicates(t *testing.T) {
	a := Normalize("can I cancel my booking for bay 3")
	b := Normalize("can I cancel my booking for bay 12")

	// Numbers normalize to the same placeholder, so these are identical.
	assert.InDelta(t, 1.0, Similarity(a, b), 1e-9)
}
