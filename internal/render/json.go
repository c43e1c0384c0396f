package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// JSONFamily is the bridge's JSON view of one metric family.
type JSONFamily struct {
	Name    string       `json:"name"`
	Help    string       `json:"help,omitempty"`
	Type    string       `json:"type"`
	Metrics []JSONMetric `json:"metrics"`
}

// JSONMetric is a single sample, or a whole histogram when Buckets is set.
type JSONMetric struct {
	Labels  map[string]string `json:"labels,omitempty"`
	Value   *float64          `json:"value,omitempty"`
	Buckets map[string]uint64 `json:"buckets,omitempty"`
	Sum     *float64          `json:"sum,omitempty"`
	Count   *uint64           `json:"count,omitempty"`
}

// TextToJSON parses a text exposition payload and re-encodes it as JSON
// (families with their samples). Families are ordered by name.
func TextToJSON(text []byte) ([]byte, error) {
	var parser expfmt.TextParser
	parsed, err := parser.TextToMetricFamilies(bytes.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse exposition failed: %w", err)
	}

	names := make([]string, 0, len(parsed))
	for name := range parsed {
		names = append(names, name)
	}
	sort.Strings(names)

	families := make([]JSONFamily, 0, len(names))
	for _, name := range names {
		families = append(families, convertFamily(parsed[name]))
	}

	return json.Marshal(families)
}

func convertFamily(mf *dto.MetricFamily) JSONFamily {
	f := JSONFamily{
		Name: mf.GetName(),
		Help: mf.GetHelp(),
		Type: strings.ToLower(mf.GetType().String()),
	}

	for _, m := range mf.GetMetric() {
		jm := JSONMetric{}
		if len(m.GetLabel()) > 0 {
			jm.Labels = make(map[string]string, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				jm.Labels[l.GetName()] = l.GetValue()
			}
		}

		switch {
		case m.GetHistogram() != nil:
			h := m.GetHistogram()
			jm.Buckets = make(map[string]uint64, len(h.GetBucket()))
			for _, b := range h.GetBucket() {
				jm.Buckets[formatValue(b.GetUpperBound())] = b.GetCumulativeCount()
			}
			sum := h.GetSampleSum()
			count := h.GetSampleCount()
			jm.Sum = &sum
			jm.Count = &count
		case m.GetCounter() != nil:
			v := m.GetCounter().GetValue()
			jm.Value = &v
		case m.GetUntyped() != nil:
			v := m.GetUntyped().GetValue()
			jm.Value = &v
		default:
			v := m.GetGauge().GetValue()
			jm.Value = &v
		}

		f.Metrics = append(f.Metrics, jm)
	}

	return f
}
