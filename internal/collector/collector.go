package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pgexporter/pgexporter/internal/catalog"
	"github.com/pgexporter/pgexporter/internal/model"
	"github.com/pgexporter/pgexporter/internal/store"
)

// ErrShape is raised when a result tuple does not fit the declared column
// descriptors (missing columns, histogram array mismatch). The metric is
// dropped from the scrape, others continue.
var ErrShape = errors.New("result shape mismatch")

// collectMetric runs the applicable query variant of the metric against the
// connection and converts tuples into metric families. A nil variant (no
// match for the server's version and role) yields no families and no error.
func collectMetric(ctx context.Context, db *store.DB, m *catalog.Metric, version int, role, server, database string) ([]model.Family, error) {
	variant := m.Select(version, role)
	if variant == nil {
		return nil, nil
	}

	res, err := db.Query(ctx, variant.SQL)
	if err != nil {
		return nil, err
	}

	return convertResult(m, variant, res, server, database)
}

// convertResult translates a query result into families according to the
// variant's column descriptors. The server label is always appended; the
// database label is appended when collecting from all databases.
func convertResult(m *catalog.Metric, v *catalog.QueryVariant, res *model.PGResult, server, database string) ([]model.Family, error) {
	valueColumns := v.ValueColumns()

	// Families keyed by output metric name, in descriptor order.
	var order []string
	families := map[string]*model.Family{}
	family := func(name, help string, typ model.MetricType) *model.Family {
		f, ok := families[name]
		if !ok {
			f = &model.Family{Name: name, Help: help, Type: typ}
			families[name] = f
			order = append(order, name)
		}
		return f
	}

	for _, row := range res.Rows {
		if err := convertRow(m, v, row, valueColumns, server, database, family); err != nil {
			return nil, err
		}
	}

	// Zero rows still announce the family: emit headers for every value
	// column so HELP/TYPE appear without samples.
	if res.Nrows == 0 {
		for _, col := range v.Columns {
			if col.Kind == catalog.KindLabel {
				continue
			}
			family(sampleName(m, col, valueColumns), col.Description, columnType(col.Kind))
		}
	}

	out := make([]model.Family, 0, len(order))
	for _, name := range order {
		f := families[name]
		if m.Sort == catalog.SortName {
			model.SortSamplesByName(f.Samples)
		}
		out = append(out, *f)
	}
	return out, nil
}

// convertRow maps one tuple onto samples. Label columns accumulate the label
// set in declared order; each gauge/counter column emits one sample; a
// histogram column consumes four adjacent result columns (sum, count,
// bucket upper bounds, cumulative bucket counts).
func convertRow(m *catalog.Metric, v *catalog.QueryVariant, row []sql.NullString, valueColumns int, server, database string, family func(string, string, model.MetricType) *model.Family) error {
	var labels []model.Label

	// First pass over label columns keeps the declared order regardless of
	// where value columns sit in between.
	pos := 0
	for _, col := range v.Columns {
		if col.Kind != catalog.KindLabel {
			pos += columnWidth(col.Kind)
			continue
		}
		if pos >= len(row) {
			return fmt.Errorf("%w: column '%s' missing from result", ErrShape, col.Name)
		}
		labels = append(labels, model.Label{Name: col.Name, Value: row[pos].String})
		pos++
	}

	if database != "" {
		labels = append(labels, model.Label{Name: "database", Value: database})
	}
	labels = append(labels, model.Label{Name: "server", Value: server})

	pos = 0
	for _, col := range v.Columns {
		switch col.Kind {
		case catalog.KindLabel:
			pos++

		case catalog.KindGauge, catalog.KindCounter:
			if pos >= len(row) {
				return fmt.Errorf("%w: value column missing from result", ErrShape)
			}
			value, err := model.ParseFloat(row[pos])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrShape, err)
			}

			name := sampleName(m, col, valueColumns)
			f := family(name, col.Description, columnType(col.Kind))
			f.Samples = append(f.Samples, model.Sample{Name: name, Labels: labels, Value: value})
			pos++

		case catalog.KindHistogram:
			if pos+4 > len(row) {
				return fmt.Errorf("%w: histogram group needs four columns, %d left", ErrShape, len(row)-pos)
			}

			h, err := parseHistogram(row[pos : pos+4])
			if err != nil {
				return err
			}

			name := sampleName(m, col, valueColumns)
			h.Name = name
			h.Labels = labels

			f := family(name, col.Description, model.TypeHistogram)
			f.Histograms = append(f.Histograms, h)
			pos += 4
		}
	}

	return nil
}

// parseHistogram extracts one histogram from the four-column group.
func parseHistogram(group []sql.NullString) (model.Histogram, error) {
	var h model.Histogram

	sum, err := model.ParseFloat(group[0])
	if err != nil {
		return h, fmt.Errorf("%w: histogram sum: %s", ErrShape, err)
	}
	h.Sum = sum

	if group[1].Valid {
		count, err := strconv.ParseUint(group[1].String, 10, 64)
		if err != nil {
			return h, fmt.Errorf("%w: histogram count: %s", ErrShape, err)
		}
		h.Count = count
	}

	if group[2].Valid {
		h.Bounds, err = parseFloatArray(group[2].String)
		if err != nil {
			return h, fmt.Errorf("%w: histogram bounds: %s", ErrShape, err)
		}
	}
	if group[3].Valid {
		h.Counts, err = parseUintArray(group[3].String)
		if err != nil {
			return h, fmt.Errorf("%w: histogram counts: %s", ErrShape, err)
		}
	}

	if len(h.Bounds) != len(h.Counts) {
		return h, fmt.Errorf("%w: %d bucket bounds but %d counts", ErrShape, len(h.Bounds), len(h.Counts))
	}
	for i := 1; i < len(h.Bounds); i++ {
		if h.Bounds[i] <= h.Bounds[i-1] {
			return h, fmt.Errorf("%w: bucket bounds not strictly increasing", ErrShape)
		}
		if h.Counts[i] < h.Counts[i-1] {
			return h, fmt.Errorf("%w: cumulative bucket counts decrease", ErrShape)
		}
	}
	if n := len(h.Counts); n > 0 && h.Counts[n-1] > h.Count {
		return h, fmt.Errorf("%w: last bucket count exceeds total count", ErrShape)
	}

	return h, nil
}

// columnWidth reports how many result columns a descriptor consumes.
func columnWidth(kind string) int {
	if kind == catalog.KindHistogram {
		return 4
	}
	return 1
}

func columnType(kind string) model.MetricType {
	switch kind {
	case catalog.KindCounter:
		return model.TypeCounter
	case catalog.KindHistogram:
		return model.TypeHistogram
	default:
		return model.TypeGauge
	}
}

// sampleName composes the output metric name: the bare tag when the metric
// has exactly one value column or the column has no name, tag_column
// otherwise.
func sampleName(m *catalog.Metric, col catalog.Column, valueColumns int) string {
	if valueColumns == 1 || col.Name == "" {
		return m.Tag
	}
	return m.Tag + "_" + col.Name
}

// parseFloatArray parses a PostgreSQL text array of doubles, e.g.
// "{60,300,3600}".
func parseFloatArray(s string) ([]float64, error) {
	items, err := splitArray(s)
	if err != nil {
		return nil, err
	}

	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, err := strconv.ParseFloat(item, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid array element '%s': %w", item, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// parseUintArray parses a PostgreSQL text array of non-negative integers.
func parseUintArray(s string) ([]uint64, error) {
	items, err := splitArray(s)
	if err != nil {
		return nil, err
	}

	out := make([]uint64, 0, len(items))
	for _, item := range items {
		n, err := strconv.ParseUint(item, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid array element '%s': %w", item, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func splitArray(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("'%s' is not an array literal", s)
	}

	s = strings.Trim(s, "{}")
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, ","), nil
}
