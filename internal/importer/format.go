package importer

import (
	"encoding/csv"
	"strings"
)

// Format is the detected shape of bulk import input.
type Format string

const (
	// FormatCSV is structured rows: trigger, response, optional
	// category and confidence columns.
	FormatCSV Format = "csv"

	// FormatQA is "Q:" / "A:" delimited pairs.
	FormatQA Format = "qa"

	// FormatFreeform is natural-language rules that need an extraction
	// model to pull trigger/response tuples out of.
	FormatFreeform Format = "freeform"
)

// DetectFormat classifies rawText by cheap heuristics: a CSV header
// naming trigger and response columns wins, then Q:/A: markers, then
// consistently comma-delimited lines. Anything else is freeform.
func DetectFormat(rawText string) Format {
	lines := nonEmptyLines(rawText)
	if len(lines) == 0 {
		return FormatFreeform
	}

	header := strings.ToLower(lines[0])
	if strings.Contains(header, "trigger") && strings.Contains(header, "response") &&
		strings.Contains(header, ",") {
		return FormatCSV
	}

	var hasQ, hasA bool
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "q:") {
			hasQ = true
		}
		if strings.HasPrefix(lower, "a:") {
			hasA = true
		}
	}
	if hasQ && hasA {
		return FormatQA
	}

	if looksDelimited(lines) {
		return FormatCSV
	}
	return FormatFreeform
}

// looksDelimited reports whether every line splits into at least two
// CSV fields with a consistent field count.
func looksDelimited(lines []string) bool {
	fields := -1
	for _, line := range lines {
		r := csv.NewReader(strings.NewReader(line))
		rec, err := r.Read()
		if err != nil || len(rec) < 2 {
			return false
		}
		if fields == -1 {
			fields = len(rec)
		} else if len(rec) != fields {
			return false
		}
	}
	return fields >= 2
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}
