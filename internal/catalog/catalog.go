package catalog

import (
	"fmt"
	"sort"

	"github.com/pgexporter/pgexporter/internal/model"
	"gopkg.in/yaml.v2"
)

// Sort policies controlling sample ordering within a metric family.
const (
	SortName = "name"
	SortData = "data"
)

// Database scopes. ScopeAll makes the collector re-run the query against
// every allowed database of the server.
const (
	ScopeSingle = "single"
	ScopeAll    = "all"
)

// Roles gate query variants by server recovery state.
const (
	RolePrimary = model.ServerRolePrimary
	RoleReplica = model.ServerRoleReplica
	RoleBoth    = "both"
)

// Column kinds.
const (
	KindLabel     = "label"
	KindGauge     = "gauge"
	KindCounter   = "counter"
	KindHistogram = "histogram"
)

const defaultMinVersion = 10

// Column describes how one result column maps into the exposition. A
// histogram column is positional sugar: it consumes four adjacent result
// columns (sum, count, bucket upper bounds, cumulative bucket counts).
type Column struct {
	Name        string `yaml:"name,omitempty"`
	Kind        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
}

// QueryVariant is one SQL alternative of a metric, gated by minimum server
// version and server role.
type QueryVariant struct {
	SQL        string   `yaml:"query"`
	MinVersion int      `yaml:"version,omitempty"`
	Role       string   `yaml:"-"`
	Columns    []Column `yaml:"columns"`
}

// Metric is a single catalog entry identified by its tag (the Prometheus
// base metric name).
type Metric struct {
	Tag       string
	Collector string
	Sort      string
	Server    string
	Database  string

	// variants ordered by ascending MinVersion, per applicable role.
	primary []*QueryVariant
	replica []*QueryVariant

	Variants []*QueryVariant
}

// Catalog is the read-only indexed set of metric definitions. It is replaced
// atomically on reload, never mutated in place.
type Catalog struct {
	Metrics []*Metric
	byTag   map[string]*Metric
}

// document mirrors the YAML schema of a catalog file.
type document struct {
	Metrics []metricDoc `yaml:"metrics"`
}

type metricDoc struct {
	Tag       string     `yaml:"tag"`
	Collector string     `yaml:"collector"`
	Sort      string     `yaml:"sort,omitempty"`
	Server    string     `yaml:"server,omitempty"`
	Database  string     `yaml:"database,omitempty"`
	Queries   []queryDoc `yaml:"queries"`
}

type queryDoc struct {
	Query   string   `yaml:"query"`
	Version int      `yaml:"version,omitempty"`
	Server  string   `yaml:"server,omitempty"`
	Columns []Column `yaml:"columns"`
}

// Load parses and validates a catalog document.
func Load(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("parse metrics catalog failed: %w", err)
	}

	c := &Catalog{byTag: map[string]*Metric{}}
	for _, md := range doc.Metrics {
		m, err := newMetric(md)
		if err != nil {
			return nil, err
		}
		if _, ok := c.byTag[m.Tag]; ok {
			return nil, fmt.Errorf("metric '%s': duplicate tag", m.Tag)
		}
		c.Metrics = append(c.Metrics, m)
		c.byTag[m.Tag] = m
	}

	return c, nil
}

// Merge returns a catalog with entries of the override catalog replacing
// same-tag entries of the base, and new entries appended in override order.
func Merge(base, override *Catalog) *Catalog {
	merged := &Catalog{byTag: map[string]*Metric{}}

	for _, m := range base.Metrics {
		if _, ok := override.byTag[m.Tag]; ok {
			continue
		}
		merged.Metrics = append(merged.Metrics, m)
		merged.byTag[m.Tag] = m
	}
	for _, m := range override.Metrics {
		merged.Metrics = append(merged.Metrics, m)
		merged.byTag[m.Tag] = m
	}

	return merged
}

// Get returns the metric definition with the given tag, or nil.
func (c *Catalog) Get(tag string) *Metric {
	return c.byTag[tag]
}

// newMetric validates one catalog entry and builds its per-role selection
// indexes.
func newMetric(md metricDoc) (*Metric, error) {
	if md.Tag == "" {
		return nil, fmt.Errorf("metric without tag")
	}
	if len(md.Queries) == 0 {
		return nil, fmt.Errorf("metric '%s': no queries defined", md.Tag)
	}

	m := &Metric{
		Tag:       md.Tag,
		Collector: md.Collector,
		Sort:      md.Sort,
		Server:    md.Server,
		Database:  md.Database,
	}
	if m.Collector == "" {
		m.Collector = "general"
	}
	if m.Sort == "" {
		m.Sort = SortName
	}
	if m.Server == "" {
		m.Server = RoleBoth
	}
	if m.Database == "" {
		m.Database = ScopeSingle
	}

	switch m.Sort {
	case SortName, SortData:
	default:
		return nil, fmt.Errorf("metric '%s': unknown sort policy '%s'", m.Tag, m.Sort)
	}
	switch m.Server {
	case RolePrimary, RoleReplica, RoleBoth:
	default:
		return nil, fmt.Errorf("metric '%s': unknown server role '%s'", m.Tag, m.Server)
	}
	switch m.Database {
	case ScopeSingle, ScopeAll:
	default:
		return nil, fmt.Errorf("metric '%s': unknown database scope '%s'", m.Tag, m.Database)
	}

	for _, qd := range md.Queries {
		v := &QueryVariant{SQL: qd.Query, MinVersion: qd.Version, Role: qd.Server, Columns: qd.Columns}
		if v.Role == "" {
			v.Role = m.Server
		}
		switch v.Role {
		case RolePrimary, RoleReplica, RoleBoth:
		default:
			return nil, fmt.Errorf("metric '%s': unknown server role '%s'", m.Tag, v.Role)
		}
		if v.SQL == "" {
			return nil, fmt.Errorf("metric '%s': empty query text", m.Tag)
		}
		if v.MinVersion == 0 {
			v.MinVersion = defaultMinVersion
		}
		if err := validateColumns(m.Tag, v.Columns); err != nil {
			return nil, err
		}
		m.Variants = append(m.Variants, v)
	}

	// Build per-role ordered indexes used by Select.
	for _, v := range m.Variants {
		if v.Role == RolePrimary || v.Role == RoleBoth {
			m.primary = append(m.primary, v)
		}
		if v.Role == RoleReplica || v.Role == RoleBoth {
			m.replica = append(m.replica, v)
		}
	}
	for _, idx := range [][]*QueryVariant{m.primary, m.replica} {
		sort.SliceStable(idx, func(i, j int) bool { return idx[i].MinVersion < idx[j].MinVersion })
		for i := 1; i < len(idx); i++ {
			if idx[i].MinVersion == idx[i-1].MinVersion {
				return nil, fmt.Errorf("metric '%s': conflicting variants for version %d", m.Tag, idx[i].MinVersion)
			}
		}
	}

	return m, nil
}

func validateColumns(tag string, columns []Column) error {
	if len(columns) == 0 {
		return fmt.Errorf("metric '%s': query without columns", tag)
	}

	for i, col := range columns {
		switch col.Kind {
		case KindLabel:
			if col.Name == "" {
				return fmt.Errorf("metric '%s': label column without name", tag)
			}
			if col.Name == "server" {
				return fmt.Errorf("metric '%s': label name 'server' is reserved", tag)
			}
		case KindGauge, KindCounter:
		case KindHistogram:
			// The histogram group occupies the tail of the tuple; nothing may
			// follow it.
			if i != len(columns)-1 {
				return fmt.Errorf("metric '%s': histogram column must be the last one", tag)
			}
		default:
			return fmt.Errorf("metric '%s': unknown column type '%s'", tag, col.Kind)
		}
	}

	return nil
}

// ValueColumns returns the number of non-label columns of the variant.
func (v *QueryVariant) ValueColumns() int {
	n := 0
	for _, col := range v.Columns {
		if col.Kind != KindLabel {
			n++
		}
	}
	return n
}

// Select returns the single query variant applicable to the given server
// version and role: among variants with MinVersion <= version whose role
// matches, the one with the highest MinVersion. Nil means the metric is
// skipped for that server.
func (m *Metric) Select(version int, role string) *QueryVariant {
	var idx []*QueryVariant
	switch role {
	case RolePrimary:
		idx = m.primary
	case RoleReplica:
		idx = m.replica
	default:
		return nil
	}

	// idx is ordered by MinVersion; find the first variant above the server
	// version, the one before it is the winner.
	i := sort.Search(len(idx), func(i int) bool { return idx[i].MinVersion > version })
	if i == 0 {
		return nil
	}
	return idx[i-1]
}
