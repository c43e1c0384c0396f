package collector

import (
	"database/sql"
	"math"
	"testing"

	"github.com/jackc/pgproto3/v2"
	"github.com/pgexporter/pgexporter/internal/catalog"
	"github.com/pgexporter/pgexporter/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoad(t *testing.T, doc string) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load([]byte(doc))
	require.NoError(t, err)
	return c
}

func result(colnames []string, rows ...[]sql.NullString) *model.PGResult {
	descs := make([]pgproto3.FieldDescription, len(colnames))
	for i, name := range colnames {
		descs[i] = pgproto3.FieldDescription{Name: []byte(name)}
	}
	return &model.PGResult{Nrows: len(rows), Ncols: len(colnames), Colnames: descs, Rows: rows}
}

func ns(s string) sql.NullString { return sql.NullString{String: s, Valid: true} }

func TestConvertResult_SingleValueColumn(t *testing.T) {
	c := mustLoad(t, `
metrics:
  - tag: pg_up
    queries:
      - query: SELECT 1 AS up
        columns:
          - name: up
            type: gauge
            description: server is up
`)
	m := c.Get("pg_up")
	v := m.Select(16, catalog.RolePrimary)

	families, err := convertResult(m, v, result([]string{"up"}, []sql.NullString{ns("1")}), "a", "")
	require.NoError(t, err)
	require.Len(t, families, 1)

	// A single value column keeps the bare tag as metric name.
	f := families[0]
	assert.Equal(t, "pg_up", f.Name)
	assert.Equal(t, model.TypeGauge, f.Type)
	assert.Equal(t, "server is up", f.Help)
	require.Len(t, f.Samples, 1)
	assert.Equal(t, []model.Label{{Name: "server", Value: "a"}}, f.Samples[0].Labels)
	assert.Equal(t, float64(1), f.Samples[0].Value)
}

func TestConvertResult_LabelsAndMultipleValues(t *testing.T) {
	c := mustLoad(t, `
metrics:
  - tag: pg_stat_database
    queries:
      - query: SELECT datname, xact_commit, deadlocks FROM pg_stat_database
        columns:
          - name: datname
            type: label
          - name: xact_commit
            type: counter
          - name: deadlocks
            type: counter
`)
	m := c.Get("pg_stat_database")
	v := m.Select(14, catalog.RolePrimary)

	res := result([]string{"datname", "xact_commit", "deadlocks"},
		[]sql.NullString{ns("postgres"), ns("100"), ns("2")},
		[]sql.NullString{ns("orders"), ns("50"), ns("0")},
	)

	families, err := convertResult(m, v, res, "a", "")
	require.NoError(t, err)
	require.Len(t, families, 2)

	// Multiple value columns expand into tag_column names.
	commits := families[0]
	assert.Equal(t, "pg_stat_database_xact_commit", commits.Name)
	assert.Equal(t, model.TypeCounter, commits.Type)
	require.Len(t, commits.Samples, 2)

	// Sort policy 'name' orders samples by label set.
	assert.Equal(t, "orders", commits.Samples[0].Labels[0].Value)
	assert.Equal(t, "postgres", commits.Samples[1].Labels[0].Value)

	assert.Equal(t, "pg_stat_database_deadlocks", families[1].Name)
}

func TestConvertResult_SortData(t *testing.T) {
	c := mustLoad(t, `
metrics:
  - tag: pg_locks_count
    sort: data
    queries:
      - query: SELECT mode, count FROM locks
        columns:
          - name: mode
            type: label
          - name: count
            type: gauge
`)
	m := c.Get("pg_locks_count")
	v := m.Select(14, catalog.RolePrimary)

	res := result([]string{"mode", "count"},
		[]sql.NullString{ns("rowsharelock"), ns("3")},
		[]sql.NullString{ns("accesssharelock"), ns("5")},
	)

	families, err := convertResult(m, v, res, "a", "")
	require.NoError(t, err)
	require.Len(t, families, 1)

	// Result-set order is preserved.
	assert.Equal(t, "rowsharelock", families[0].Samples[0].Labels[0].Value)
	assert.Equal(t, "accesssharelock", families[0].Samples[1].Labels[0].Value)
}

func TestConvertResult_DatabaseLabel(t *testing.T) {
	c := mustLoad(t, `
metrics:
  - tag: pg_database_size_bytes
    database: all
    queries:
      - query: SELECT pg_database_size(current_database()) AS size
        columns:
          - type: gauge
`)
	m := c.Get("pg_database_size_bytes")
	v := m.Select(14, catalog.RolePrimary)

	families, err := convertResult(m, v, result([]string{"size"}, []sql.NullString{ns("4096")}), "a", "orders")
	require.NoError(t, err)
	require.Len(t, families, 1)

	assert.Equal(t, []model.Label{
		{Name: "database", Value: "orders"},
		{Name: "server", Value: "a"},
	}, families[0].Samples[0].Labels)
}

func TestConvertResult_NullAndBool(t *testing.T) {
	c := mustLoad(t, `
metrics:
  - tag: pg_flags
    queries:
      - query: SELECT nullable, flag FROM flags
        columns:
          - name: nullable
            type: gauge
          - name: flag
            type: gauge
`)
	m := c.Get("pg_flags")
	v := m.Select(14, catalog.RolePrimary)

	res := result([]string{"nullable", "flag"}, []sql.NullString{{}, ns("t")})
	families, err := convertResult(m, v, res, "a", "")
	require.NoError(t, err)

	assert.True(t, math.IsNaN(families[0].Samples[0].Value))
	assert.Equal(t, float64(1), families[1].Samples[0].Value)
}

func TestConvertResult_ZeroRows(t *testing.T) {
	c := mustLoad(t, `
metrics:
  - tag: pg_up
    queries:
      - query: SELECT 1 AS up
        columns:
          - name: up
            type: gauge
            description: server is up
`)
	m := c.Get("pg_up")
	v := m.Select(16, catalog.RolePrimary)

	families, err := convertResult(m, v, result([]string{"up"}), "a", "")
	require.NoError(t, err)

	// Family headers are announced even without samples.
	require.Len(t, families, 1)
	assert.Equal(t, "pg_up", families[0].Name)
	assert.Empty(t, families[0].Samples)
}

func TestConvertResult_Histogram(t *testing.T) {
	c := mustLoad(t, `
metrics:
  - tag: pg_backend_age_seconds
    queries:
      - query: SELECT sum, count, le, cnt FROM ages
        columns:
          - type: histogram
            description: backend ages
`)
	m := c.Get("pg_backend_age_seconds")
	v := m.Select(14, catalog.RolePrimary)

	res := result([]string{"sum", "count", "le", "cnt"},
		[]sql.NullString{ns("7251.5"), ns("6"), ns("{60,300,3600}"), ns("{1,3,5}")})

	families, err := convertResult(m, v, res, "a", "")
	require.NoError(t, err)
	require.Len(t, families, 1)

	f := families[0]
	assert.Equal(t, model.TypeHistogram, f.Type)
	require.Len(t, f.Histograms, 1)

	h := f.Histograms[0]
	assert.Equal(t, "pg_backend_age_seconds", h.Name)
	assert.Equal(t, []float64{60, 300, 3600}, h.Bounds)
	assert.Equal(t, []uint64{1, 3, 5}, h.Counts)
	assert.Equal(t, 7251.5, h.Sum)
	assert.Equal(t, uint64(6), h.Count)
	assert.Equal(t, []model.Label{{Name: "server", Value: "a"}}, h.Labels)
}

func TestConvertResult_HistogramShapeMismatch(t *testing.T) {
	c := mustLoad(t, `
metrics:
  - tag: pg_backend_age_seconds
    queries:
      - query: SELECT sum, count, le, cnt FROM ages
        columns:
          - type: histogram
`)
	m := c.Get("pg_backend_age_seconds")
	v := m.Select(14, catalog.RolePrimary)

	testcases := []struct {
		name string
		row  []sql.NullString
	}{
		{name: "counts shorter than bounds", row: []sql.NullString{ns("10"), ns("3"), ns("{1,2,3}"), ns("{1,2}")}},
		{name: "bounds not increasing", row: []sql.NullString{ns("10"), ns("3"), ns("{1,1}"), ns("{1,2}")}},
		{name: "counts decreasing", row: []sql.NullString{ns("10"), ns("3"), ns("{1,2}"), ns("{2,1}")}},
		{name: "last count above total", row: []sql.NullString{ns("10"), ns("3"), ns("{1,2}"), ns("{2,4}")}},
		{name: "garbage array", row: []sql.NullString{ns("10"), ns("3"), ns("1,2"), ns("{1,2}")}},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := convertResult(m, v, result([]string{"sum", "count", "le", "cnt"}, tc.row), "a", "")
			assert.ErrorIs(t, err, ErrShape)
		})
	}
}

func TestConvertResult_MissingColumns(t *testing.T) {
	c := mustLoad(t, `
metrics:
  - tag: pg_stat_database
    queries:
      - query: SELECT datname, xact_commit FROM pg_stat_database
        columns:
          - name: datname
            type: label
          - name: xact_commit
            type: counter
`)
	m := c.Get("pg_stat_database")
	v := m.Select(14, catalog.RolePrimary)

	_, err := convertResult(m, v, result([]string{"datname"}, []sql.NullString{ns("postgres")}), "a", "")
	assert.ErrorIs(t, err, ErrShape)
}

func TestParseArrays(t *testing.T) {
	bounds, err := parseFloatArray("{0.5,1,2.5}")
	assert.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1, 2.5}, bounds)

	counts, err := parseUintArray("{1,2,3}")
	assert.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, counts)

	empty, err := parseFloatArray("{}")
	assert.NoError(t, err)
	assert.Empty(t, empty)

	_, err = parseFloatArray("not an array")
	assert.Error(t, err)

	_, err = parseUintArray("{1,-2}")
	assert.Error(t, err)
}
