// Package importer seeds the pattern store from bulk conversation data.
//
// Input shape is auto-detected: structured CSV rows, Q:/A: pairs, or
// free-form rules handed to an extraction model. Every row gets an
// embedding and a near-duplicate check before landing in the store, so
// re-importing the same file merges instead of duplicating. Imports run
// out-of-band; they are cancellable and resumable by row offset.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fairwaylabs/patternd/internal/embeddings"
	"github.com/fairwaylabs/patternd/internal/metrics"
	"github.com/fairwaylabs/patternd/internal/pattern"
	"github.com/fairwaylabs/patternd/internal/signature"
	"github.com/fairwaylabs/patternd/internal/store"
)

// Config holds importer tuning.
type Config struct {
	// DedupThreshold is the trigger-signature similarity above which an
	// imported row merges into an existing pattern.
	DedupThreshold float64 `koanf:"dedup_threshold"`

	// EmbedRPS and EmbedBurst rate-limit embedding calls during batch
	// import to respect external quotas.
	EmbedRPS   float64 `koanf:"embed_rps"`
	EmbedBurst int     `koanf:"embed_burst"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.DedupThreshold == 0 {
		c.DedupThreshold = 0.85
	}
	if c.EmbedRPS == 0 {
		c.EmbedRPS = 5
	}
	if c.EmbedBurst == 0 {
		c.EmbedBurst = 5
	}
}

// Result summarizes one import run.
type Result struct {
	// Created is the number of new patterns inserted.
	Created int `json:"created"`

	// Merged is the number of rows folded into existing patterns.
	Merged int `json:"merged"`

	// Degraded is the number of patterns stored without an embedding
	// because the provider failed. They are inactive and keyword-only
	// until an embedding is backfilled.
	Degraded int `json:"degraded"`

	// Failed is the number of rows that could not be imported at all.
	Failed int `json:"failed"`
}

// Progress tracks how far an import got, so a failed batch resumes
// where it stopped instead of reprocessing rows.
type Progress struct {
	NextRow int `json:"next_row"`
}

// Importer parses bulk input into patterns.
type Importer struct {
	provider  embeddings.Provider
	patterns  store.Patterns
	extractor Extractor
	config    Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates an Importer. extractor may be nil, in which case freeform
// input is rejected. Wrap provider with embeddings.NewRateLimited when
// external quotas apply.
func New(provider embeddings.Provider, patterns store.Patterns, extractor Extractor, config Config, mets *metrics.Metrics, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mets == nil {
		mets = metrics.NewNop()
	}
	config.ApplyDefaults()
	return &Importer{
		provider:  provider,
		patterns:  patterns,
		extractor: extractor,
		config:    config,
		metrics:   mets,
		logger:    logger,
	}
}

// Import runs a full import of rawText.
func (i *Importer) Import(ctx context.Context, rawText string) (*Result, error) {
	return i.Resume(ctx, rawText, &Progress{})
}

// Resume imports rawText starting at progress.NextRow, advancing the
// progress as rows complete. On cancellation or store failure the
// partial result is returned alongside the error and the progress
// points at the first unprocessed row.
func (i *Importer) Resume(ctx context.Context, rawText string, progress *Progress) (*Result, error) {
	format := DetectFormat(rawText)

	tuples, err := i.parse(ctx, rawText, format)
	if err != nil {
		return nil, err
	}

	source := sourceForFormat(format)
	result := &Result{}
	for idx, t := range tuples {
		if idx < progress.NextRow {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := i.importRow(ctx, t, source, result); err != nil {
			return result, err
		}
		progress.NextRow = idx + 1
	}

	i.logger.Info("import finished",
		zap.String("format", string(format)),
		zap.Int("rows", len(tuples)),
		zap.Int("created", result.Created),
		zap.Int("merged", result.Merged),
		zap.Int("degraded", result.Degraded),
		zap.Int("failed", result.Failed))

	return result, nil
}

func (i *Importer) parse(ctx context.Context, rawText string, format Format) ([]Extracted, error) {
	switch format {
	case FormatCSV:
		return parseCSV(rawText)
	case FormatQA:
		return parseQA(rawText), nil
	default:
		if i.extractor == nil {
			return nil, fmt.Errorf("free-form input requires an extraction model")
		}
		return i.extractor.Extract(ctx, rawText)
	}
}

// sourceForFormat maps the detected input shape to a provenance tag.
func sourceForFormat(format Format) pattern.Source {
	switch format {
	case FormatQA:
		return pattern.SourceQAImport
	case FormatFreeform:
		return pattern.SourceRuleExtract
	default:
		return pattern.SourceCSVImport
	}
}

// importRow turns one tuple into a pattern. Row-level problems count as
// failures without aborting the batch; store failures abort.
func (i *Importer) importRow(ctx context.Context, t Extracted, source pattern.Source, result *Result) error {
	trigger := strings.TrimSpace(t.Trigger)
	response := strings.TrimSpace(t.Response)

	p, err := pattern.New(trigger, response, pattern.ParseType(t.Category), source)
	if err != nil {
		result.Failed++
		i.metrics.ImportRows.WithLabelValues("failed").Inc()
		return nil
	}
	if t.Confidence > 0 && t.Confidence <= 1 {
		p.Confidence = t.Confidence
	}
	p.TriggerSignature = string(signature.Normalize(trigger))

	vec, err := i.provider.EmbedQuery(ctx, trigger)
	if err != nil {
		// A pattern without an embedding is keyword-only; it stays
		// inactive until the embedding is backfilled.
		p.Degraded = true
		p.Active = false
		i.logger.Warn("storing pattern without embedding",
			zap.String("trigger", trigger),
			zap.Error(err))
	} else {
		p.Embedding = vec
	}

	res, err := i.patterns.Upsert(ctx, p, i.config.DedupThreshold)
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			return err
		}
		result.Failed++
		i.metrics.ImportRows.WithLabelValues("failed").Inc()
		return nil
	}

	switch {
	case res.Merged:
		result.Merged++
		i.metrics.ImportRows.WithLabelValues("merged").Inc()
	case p.Degraded:
		result.Degraded++
		i.metrics.ImportRows.WithLabelValues("degraded").Inc()
	default:
		result.Created++
		i.metrics.ImportRows.WithLabelValues("created").Inc()
	}
	return nil
}

// parseCSV reads rows of trigger,response with optional category and
// confidence columns. A header row naming the columns controls the
// mapping; without one, columns are positional.
func parseCSV(rawText string) ([]Extracted, error) {
	r := csv.NewReader(strings.NewReader(rawText))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	records, err := readAll(r)
	if err != nil {
		return nil, fmt.Errorf("parsing CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	cols := map[string]int{"trigger": 0, "response": 1, "category": 2, "confidence": 3}
	start := 0
	if isHeader(records[0]) {
		cols = map[string]int{"category": -1, "confidence": -1}
		for idx, name := range records[0] {
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "trigger", "trigger_text", "question":
				cols["trigger"] = idx
			case "response", "response_template", "answer":
				cols["response"] = idx
			case "category", "type", "pattern_type":
				cols["category"] = idx
			case "confidence", "confidence_score":
				cols["confidence"] = idx
			}
		}
		start = 1
	}

	var tuples []Extracted
	for _, rec := range records[start:] {
		t := Extracted{
			Trigger:  field(rec, cols["trigger"]),
			Response: field(rec, cols["response"]),
			Category: field(rec, cols["category"]),
		}
		if raw := field(rec, cols["confidence"]); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				t.Confidence = v
			}
		}
		tuples = append(tuples, t)
	}
	return tuples, nil
}

func readAll(r *csv.Reader) ([][]string, error) {
	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

func isHeader(rec []string) bool {
	for _, f := range rec {
		name := strings.ToLower(strings.TrimSpace(f))
		if name == "trigger" || name == "trigger_text" || name == "response" ||
			name == "response_template" || name == "question" || name == "answer" {
			return true
		}
	}
	return false
}

func field(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[idx])
}

// parseQA reads "Q:" / "A:" delimited pairs. Continuation lines attach
// to the side currently open.
func parseQA(rawText string) []Extracted {
	var tuples []Extracted
	var q, a []string
	inAnswer := false

	flush := func() {
		if len(q) > 0 && len(a) > 0 {
			tuples = append(tuples, Extracted{
				Trigger:  strings.Join(q, " "),
				Response: strings.Join(a, " "),
			})
		}
		q, a = nil, nil
		inAnswer = false
	}

	for _, line := range strings.Split(rawText, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "q:"):
			flush()
			q = append(q, strings.TrimSpace(trimmed[2:]))
		case strings.HasPrefix(lower, "a:"):
			inAnswer = true
			a = append(a, strings.TrimSpace(trimmed[2:]))
		case trimmed == "":
		case inAnswer:
			a = append(a, trimmed)
		case len(q) > 0:
			q = append(q, trimmed)
		}
	}
	flush()
	return tuples
}
