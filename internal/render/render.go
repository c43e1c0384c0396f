package render

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pgexporter/pgexporter/internal/model"
)

// Render produces the Prometheus text exposition of the families. Families
// sharing a name are folded together: HELP/TYPE headers are emitted once,
// before all of that family's samples.
func Render(families []model.Family) []byte {
	var buf bytes.Buffer

	merged := mergeFamilies(families)
	for _, f := range merged {
		writeFamily(&buf, f)
	}

	return buf.Bytes()
}

// mergeFamilies folds same-name families preserving first-seen order.
func mergeFamilies(families []model.Family) []*model.Family {
	var order []*model.Family
	index := map[string]*model.Family{}

	for _, f := range families {
		existing, ok := index[f.Name]
		if !ok {
			merged := f
			order = append(order, &merged)
			index[f.Name] = order[len(order)-1]
			continue
		}

		existing.Samples = append(existing.Samples, f.Samples...)
		existing.Histograms = append(existing.Histograms, f.Histograms...)
		if existing.Help == "" {
			existing.Help = f.Help
		}
	}

	return order
}

func writeFamily(buf *bytes.Buffer, f *model.Family) {
	if f.Help != "" {
		fmt.Fprintf(buf, "# HELP %s %s\n", f.Name, escapeHelp(f.Help))
	}
	fmt.Fprintf(buf, "# TYPE %s %s\n", f.Name, f.Type)

	for _, s := range f.Samples {
		writeSample(buf, s.Name, s.Labels, s.Value)
	}

	for _, h := range f.Histograms {
		writeHistogram(buf, h)
	}
}

func writeSample(buf *bytes.Buffer, name string, labels []model.Label, value float64) {
	buf.WriteString(name)
	writeLabels(buf, labels)
	buf.WriteByte(' ')
	buf.WriteString(formatValue(value))
	buf.WriteByte('\n')
}

func writeHistogram(buf *bytes.Buffer, h model.Histogram) {
	for i, bound := range h.Bounds {
		le := model.Label{Name: "le", Value: formatValue(bound)}
		writeSample(buf, h.Name+"_bucket", append(append([]model.Label{}, h.Labels...), le), float64(h.Counts[i]))
	}
	inf := model.Label{Name: "le", Value: "+Inf"}
	writeSample(buf, h.Name+"_bucket", append(append([]model.Label{}, h.Labels...), inf), float64(h.Count))
	writeSample(buf, h.Name+"_sum", h.Labels, h.Sum)
	writeSample(buf, h.Name+"_count", h.Labels, float64(h.Count))
}

func writeLabels(buf *bytes.Buffer, labels []model.Label) {
	if len(labels) == 0 {
		return
	}

	buf.WriteByte('{')
	for i, l := range labels {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(l.Name)
		buf.WriteString(`="`)
		buf.WriteString(escapeLabelValue(l.Value))
		buf.WriteByte('"')
	}
	buf.WriteByte('}')
}

// formatValue renders a float the way Prometheus expects, with NaN and the
// infinities spelled literally.
func formatValue(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeLabelValue(v string) string {
	return labelEscaper.Replace(v)
}

func escapeHelp(v string) string {
	return helpEscaper.Replace(v)
}
