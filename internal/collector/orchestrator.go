package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pgexporter/pgexporter/internal/catalog"
	"github.com/pgexporter/pgexporter/internal/filter"
	"github.com/pgexporter/pgexporter/internal/log"
	"github.com/pgexporter/pgexporter/internal/model"
	"github.com/pgexporter/pgexporter/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Orchestrator drives scrapes: it fans out one task per target server over a
// bounded worker pool, joins collected families and appends the exporter's
// own meta-metrics.
type Orchestrator struct {
	targets []*Target
	timeout time.Duration
	workers chan struct{}
	filters map[string]filter.Filter

	registry *prometheus.Registry
	state    *prometheus.GaugeVec
}

// NewOrchestrator creates a scrape orchestrator with a worker pool of the
// given size shared by all scrapes.
func NewOrchestrator(targets []*Target, timeout time.Duration, poolSize int, filters map[string]filter.Filter) *Orchestrator {
	if poolSize < 1 {
		poolSize = 1
	}

	o := &Orchestrator{
		targets:  targets,
		timeout:  timeout,
		workers:  make(chan struct{}, poolSize),
		filters:  filters,
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgexporter_state",
			Help: "Server accessibility: 1 if the last probe succeeded, 0 otherwise.",
		}, []string{"server"}),
	}

	o.registry.MustRegister(o.state)
	o.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "pgexporter_logging_info", Help: "Number of info log events.",
	}, func() float64 { info, _, _, _ := log.Counters(); return float64(info) }))
	o.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "pgexporter_logging_warn", Help: "Number of warning log events.",
	}, func() float64 { _, warn, _, _ := log.Counters(); return float64(warn) }))
	o.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "pgexporter_logging_error", Help: "Number of error log events.",
	}, func() float64 { _, _, errs, _ := log.Counters(); return float64(errs) }))
	o.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "pgexporter_logging_fatal", Help: "Number of fatal log events.",
	}, func() float64 { _, _, _, fatal := log.Counters(); return float64(fatal) }))

	return o
}

// Targets returns the orchestrator's target set.
func (o *Orchestrator) Targets() []*Target {
	return o.targets
}

// Close releases all server connections.
func (o *Orchestrator) Close() {
	for _, t := range o.targets {
		t.Close()
	}
}

// Scrape performs one end-to-end collection over all targets against the
// given catalog snapshot. The whole scrape is bounded by the blocking
// timeout; pairs that did not complete in time are absent from the result.
func (o *Orchestrator) Scrape(ctx context.Context, cat *catalog.Catalog) []model.Family {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	results := make([][]model.Family, len(o.targets))

	var wg sync.WaitGroup
	for i, t := range o.targets {
		wg.Add(1)
		go func(i int, t *Target) {
			defer wg.Done()

			select {
			case o.workers <- struct{}{}:
				defer func() { <-o.workers }()
			case <-ctx.Done():
				t.markDown()
				return
			}

			results[i] = o.scrapeTarget(ctx, t, cat)
		}(i, t)
	}
	wg.Wait()

	var families []model.Family
	for _, r := range results {
		families = append(families, r...)
	}

	return append(families, o.metaFamilies()...)
}

// scrapeTarget collects every applicable metric of the catalog from one
// server, metrics in catalog order on the single owned connection.
func (o *Orchestrator) scrapeTarget(ctx context.Context, t *Target, cat *catalog.Catalog) []model.Family {
	t.acquire()
	defer t.release()
	defer t.closeDatabaseConns()

	if err := t.probe(ctx); err != nil {
		log.Errorf("server %s: probe failed: %s", t.Name, err)
		return nil
	}

	version, role := t.Version(), t.role

	var families []model.Family
	for _, m := range cat.Metrics {
		fams, err := o.collectTargetMetric(ctx, t, m, version, role)
		if err != nil {
			if aborts(err) {
				log.Errorf("server %s: metric %s: %s; abort scrape of this server", t.Name, m.Tag, err)
				t.dropConn()
				break
			}
			continue
		}
		families = append(families, fams...)
	}

	families = append(families, diskUsageFamilies(t)...)
	return families
}

// collectTargetMetric collects one (server, metric) pair, iterating all
// allowed databases when the metric has all-databases scope. Iteration is
// serialized to keep output order deterministic.
func (o *Orchestrator) collectTargetMetric(ctx context.Context, t *Target, m *catalog.Metric, version int, role string) ([]model.Family, error) {
	db, err := t.conn(ctx)
	if err != nil {
		return nil, err
	}

	if m.Database != catalog.ScopeAll {
		fams, err := collectMetric(ctx, db, m, version, role, t.Name, "")
		return fams, o.reportError(t, m, err)
	}

	databases, err := db.Databases(ctx)
	if err != nil {
		return nil, o.reportError(t, m, err)
	}

	dbFilter := o.filters["database"]

	var families []model.Family
	for _, database := range databases {
		if !dbFilter.Pass(database) {
			continue
		}

		conn, err := t.databaseConn(ctx, database)
		if err != nil {
			return families, o.reportError(t, m, err)
		}

		fams, err := collectMetric(ctx, conn, m, version, role, t.Name, database)
		if err != nil {
			return families, o.reportError(t, m, err)
		}
		families = append(families, fams...)
	}

	return families, nil
}

// reportError logs a collection failure according to its kind and passes it
// on. Nil stays nil.
func (o *Orchestrator) reportError(t *Target, m *catalog.Metric, err error) error {
	if err == nil {
		return nil
	}

	var queryErr *store.QueryError
	switch {
	case errors.As(err, &queryErr):
		log.Warnf("server %s: metric %s dropped: %s", t.Name, m.Tag, err)
	case errors.Is(err, ErrShape):
		log.Errorf("server %s: metric %s dropped: %s", t.Name, m.Tag, err)
	default:
		log.Errorf("server %s: metric %s: %s", t.Name, m.Tag, err)
	}

	return err
}

// aborts reports whether the failure invalidates the server's connection for
// the rest of this scrape.
func aborts(err error) bool {
	return errors.Is(err, store.ErrTransport) || errors.Is(err, store.ErrTimeout) || errors.Is(err, store.ErrAuth)
}

// metaFamilies renders the exporter's own telemetry registry into families.
func (o *Orchestrator) metaFamilies() []model.Family {
	for _, t := range o.targets {
		v := float64(0)
		if t.Healthy() {
			v = 1
		}
		o.state.WithLabelValues(t.Name).Set(v)
	}

	mfs, err := o.registry.Gather()
	if err != nil {
		log.Errorf("gather exporter telemetry failed: %s", err)
		return nil
	}

	families := make([]model.Family, 0, len(mfs))
	for _, mf := range mfs {
		families = append(families, dtoToFamily(mf))
	}
	return families
}

// dtoToFamily converts a gathered client_golang family into the renderer's
// model. Only gauges and counters live in the telemetry registry.
func dtoToFamily(mf *dto.MetricFamily) model.Family {
	f := model.Family{Name: mf.GetName(), Help: mf.GetHelp()}
	if mf.GetType() == dto.MetricType_COUNTER {
		f.Type = model.TypeCounter
	}

	for _, m := range mf.GetMetric() {
		s := model.Sample{Name: f.Name}
		for _, l := range m.GetLabel() {
			s.Labels = append(s.Labels, model.Label{Name: l.GetName(), Value: l.GetValue()})
		}
		switch {
		case m.GetCounter() != nil:
			s.Value = m.GetCounter().GetValue()
		default:
			s.Value = m.GetGauge().GetValue()
		}
		f.Samples = append(f.Samples, s)
	}

	return f
}

// String describes the orchestrator for status reporting.
func (o *Orchestrator) String() string {
	return fmt.Sprintf("orchestrator: %d servers, timeout %s", len(o.targets), o.timeout)
}
