package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-twin/internal/models"
	"github.com/miradorstack/mirador-twin/internal/utils"
)

// ParseResult summarises one parsed input.
type ParseResult struct {
	Records []models.FeatureRecord
	// Rows counts every data row seen, skipped and malformed rows included.
	Rows      int64
	Malformed int
	Columns   []string
	// Rejected is set when the header lacks a hinted field; no records are emitted.
	Rejected bool
}

// CSVParser reads delimited text with a header row against a Schema.
type CSVParser struct {
	schema Schema
	logger *slog.Logger
}

// NewCSVParser constructs a parser for schema.
func NewCSVParser(schema Schema, logger *slog.Logger) *CSVParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVParser{schema: schema, logger: logger}
}

// Schema returns the parser's schema.
func (p *CSVParser) Schema() Schema {
	return p.schema
}

type columnLayout struct {
	features []int
	source   int
	width    int
	rescued  []string
}

// Parse reads r, skipping the first skipRows data rows. Malformed rows are counted and skipped;
// only read failures are returned as errors.
func (p *CSVParser) Parse(origin string, r io.Reader, skipRows int64, fallbackID string, arrivedAt time.Time) (ParseResult, error) {
	var result ParseResult

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("read header of %s: %w", origin, err)
	}
	result.Columns = normaliseHeader(header)

	layout, missing := p.layout(result.Columns)
	if len(missing) > 0 {
		result.Rejected = true
		result.Malformed++
		p.logger.Warn("input rejected: header lacks hinted fields",
			slog.String("origin", origin),
			slog.Any("missing", missing),
			slog.Any("error", utils.ErrMalformedRecord))
		return result, nil
	}
	if len(layout.rescued) > 0 {
		p.logger.Warn("rescued columns outside the schema hint",
			slog.String("origin", origin),
			slog.Any("columns", layout.rescued))
	}

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		index := result.Rows
		result.Rows++
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return result, fmt.Errorf("read %s: %w", origin, err)
			}
			if index >= skipRows {
				result.Malformed++
				p.logger.Warn("skipping unparsable row", slog.String("origin", origin), slog.Int64("row", index), slog.Any("error", err))
			}
			continue
		}
		if index < skipRows {
			continue
		}

		record, err := p.record(layout, row, fallbackID)
		if err != nil {
			result.Malformed++
			p.logger.Warn("skipping malformed row", slog.String("origin", origin), slog.Int64("row", index), slog.Any("error", err))
			continue
		}
		record.Origin = origin
		record.Offset = index
		record.ArrivedAt = arrivedAt
		result.Records = append(result.Records, record)
	}
	return result, nil
}

func (p *CSVParser) layout(header []string) (columnLayout, []string) {
	positions := make(map[string]int, len(header))
	for i, name := range header {
		if _, ok := positions[name]; !ok {
			positions[name] = i
		}
	}

	layout := columnLayout{source: -1, width: len(header)}
	var missing []string
	for _, field := range p.schema.Fields {
		idx, ok := positions[field]
		if !ok {
			missing = append(missing, field)
			continue
		}
		layout.features = append(layout.features, idx)
	}
	if p.schema.SourceColumn != "" {
		if idx, ok := positions[p.schema.SourceColumn]; ok {
			layout.source = idx
		}
	}

	hinted := make(map[string]struct{}, len(p.schema.Fields)+1)
	for _, f := range p.schema.Fields {
		hinted[f] = struct{}{}
	}
	hinted[p.schema.SourceColumn] = struct{}{}
	for _, name := range header {
		if _, ok := hinted[name]; !ok {
			layout.rescued = append(layout.rescued, name)
		}
	}
	return layout, missing
}

func (p *CSVParser) record(layout columnLayout, row []string, fallbackID string) (models.FeatureRecord, error) {
	if len(row) != layout.width {
		return models.FeatureRecord{}, utils.NewAppError("ingest.parse", fmt.Sprintf("expected %d columns, got %d", layout.width, len(row)), utils.ErrMalformedRecord)
	}

	features := make([]models.Feature, len(layout.features))
	for i, idx := range layout.features {
		value, err := parseFeature(row[idx])
		if err != nil {
			return models.FeatureRecord{}, utils.NewAppError("ingest.parse", fmt.Sprintf("field %s", p.schema.Fields[i]), errors.Join(utils.ErrMalformedRecord, err))
		}
		features[i] = models.Feature{Name: p.schema.Fields[i], Value: value}
	}

	sourceID := fallbackID
	if layout.source >= 0 {
		if v := strings.TrimSpace(row[layout.source]); v != "" {
			sourceID = v
		}
	}
	return models.FeatureRecord{SourceID: sourceID, Features: features}, nil
}

// parseFeature treats an empty cell or NaN as a missing value.
func parseFeature(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(raw, 64)
}

func normaliseHeader(header []string) []string {
	out := make([]string, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		out[i] = name
	}
	return out
}
