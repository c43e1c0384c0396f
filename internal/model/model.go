package model

import (
	"database/sql"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgproto3/v2"
)

const (
	// ServerRolePrimary marks a server not in recovery.
	ServerRolePrimary = "primary"
	// ServerRoleReplica marks a server in recovery.
	ServerRoleReplica = "replica"

	// VersionUndetermined is the version value before the first successful probe.
	VersionUndetermined = 0
)

// PGResult is the iterable store that contains result of query - data (values) and metadata (number of rows, columns and names).
type PGResult struct {
	Nrows    int
	Ncols    int
	Colnames []pgproto3.FieldDescription
	Rows     [][]sql.NullString
}

// MetricType enumerates Prometheus sample types the exporter emits.
type MetricType int

const (
	TypeGauge MetricType = iota
	TypeCounter
	TypeHistogram
)

// String returns the TYPE keyword used in the exposition format.
func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeHistogram:
		return "histogram"
	default:
		return "gauge"
	}
}

// Label is a single name/value pair attached to a sample.
type Label struct {
	Name  string
	Value string
}

// Sample is one exposition line: a metric name, a label set and a value.
type Sample struct {
	Name   string
	Labels []Label
	Value  float64
}

// Histogram carries the bucketized representation of one histogram row.
// Bounds hold explicit upper bounds (strictly increasing, +Inf implied),
// Counts hold cumulative per-bucket counts aligned with Bounds.
type Histogram struct {
	Name   string
	Labels []Label
	Bounds []float64
	Counts []uint64
	Sum    float64
	Count  uint64
}

// Family unions all samples sharing a metric base name.
type Family struct {
	Name       string
	Help       string
	Type       MetricType
	Samples    []Sample
	Histograms []Histogram
}

// LabelsString renders a label set in exposition order, used for sorting and
// duplicate detection. Values are not escaped here.
func LabelsString(labels []Label) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = l.Name + "=" + l.Value
	}
	return strings.Join(parts, ",")
}

// SortSamplesByName orders samples lexicographically by name and label set.
func SortSamplesByName(samples []Sample) {
	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].Name != samples[j].Name {
			return samples[i].Name < samples[j].Name
		}
		return LabelsString(samples[i].Labels) < LabelsString(samples[j].Labels)
	})
}

// ParseFloat converts raw field bytes into the exporter's numeric domain:
// NULL becomes NaN, booleans become 0/1, everything else must parse as a
// 64-bit float.
func ParseFloat(v sql.NullString) (float64, error) {
	if !v.Valid {
		return math.NaN(), nil
	}

	switch v.String {
	case "t", "true", "on":
		return 1, nil
	case "f", "false", "off":
		return 0, nil
	}

	return strconv.ParseFloat(v.String, 64)
}
