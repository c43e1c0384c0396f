package pgexporter

import (
	"context"
	"crypto/tls"
	"fmt"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgexporter/pgexporter/internal/bridge"
	"github.com/pgexporter/pgexporter/internal/cache"
	"github.com/pgexporter/pgexporter/internal/catalog"
	"github.com/pgexporter/pgexporter/internal/collector"
	"github.com/pgexporter/pgexporter/internal/http"
	"github.com/pgexporter/pgexporter/internal/log"
	"github.com/pgexporter/pgexporter/internal/management"
	"github.com/pgexporter/pgexporter/internal/render"
	"github.com/pgexporter/pgexporter/internal/store"
)

// engine bundles the per-configuration scrape machinery. It is replaced
// atomically on reload: readers obtain a snapshot at scrape start and never
// observe a half-updated state.
type engine struct {
	catalog      *catalog.Catalog
	orchestrator *collector.Orchestrator
}

// Exporter is the running application.
type Exporter struct {
	configPath string
	started    time.Time
	cancel     context.CancelFunc

	mu     sync.Mutex // guards config, engine and cache replacement
	config *Config
	eng    *engine
	cache  *cache.Cache
	bridge *bridge.Bridge

	epoch int64 // bumped on reload and explicit clear, part of the fingerprint
}

// Start runs the exporter until the context is cancelled.
func Start(ctx context.Context, configPath string, config *Config) error {
	log.Debug("start application")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e := &Exporter{
		configPath: configPath,
		started:    time.Now(),
		cancel:     cancel,
		config:     config,
	}

	eng, err := buildEngine(config)
	if err != nil {
		return err
	}
	e.eng = eng
	e.cache = cache.New(config.Cache.MaxSize, time.Duration(config.Cache.MaxAge)*time.Second)
	e.bridge = buildBridge(config)

	defer func() { e.engine().orchestrator.Close() }()

	var errCh = make(chan error, 4)

	// Metrics listener.
	metricsServer := http.NewServer(http.ServerConfig{
		Addr:      fmt.Sprintf("%s:%d", config.Host, config.MetricsPort),
		MaxConns:  config.MaxConns,
		TLSConfig: config.TLS,
	}, e.metricsMux())
	go func() { errCh <- metricsServer.Serve() }()

	// Bridge listener, only when endpoints are configured.
	if len(e.bridge.Endpoints()) > 0 {
		bridgeServer := http.NewServer(http.ServerConfig{
			Addr:      fmt.Sprintf("%s:%d", config.Host, config.BridgePort),
			MaxConns:  config.MaxConns,
			TLSConfig: config.BridgeTLS,
		}, e.bridgeMux())
		go func() { errCh <- bridgeServer.Serve() }()

		go e.bridge.Run(ctx, time.Duration(config.Bridge.MaxAge)*time.Second)
	}

	// Management listener: TLS when material is configured, credential
	// verification on every TCP request.
	mgmtTLS, err := managementTLS(config)
	if err != nil {
		return err
	}
	mgmtConfig := management.ServerConfig{Addr: config.ManagementAddr(), TLS: mgmtTLS}
	if config.ManagementSock == "" {
		mgmtConfig.Verify = e.verifyAdmin
	}
	mgmtServer := management.NewServer(mgmtConfig, e.managementActions())
	go func() { errCh <- mgmtServer.Serve(ctx) }()

	// Waiting for errors or context cancelling.
	for {
		select {
		case <-ctx.Done():
			log.Info("exit signaled, stop application")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsServer.Shutdown(shutdownCtx)
			return nil
		case err := <-errCh:
			if err != nil {
				return err
			}
		}
	}
}

// buildEngine constructs catalog and orchestrator for a validated config.
func buildEngine(config *Config) (*engine, error) {
	cat := catalog.Default()
	if config.MetricsPath != "" {
		content, err := os.ReadFile(filepath.Clean(config.MetricsPath))
		if err != nil {
			return nil, fmt.Errorf("read metrics catalog failed: %w", err)
		}
		user, err := catalog.Load(content)
		if err != nil {
			return nil, err
		}
		cat = catalog.Merge(cat, user)
	}

	targets := make([]*collector.Target, 0, len(config.Servers))
	for _, s := range config.Servers {
		tlsConfig, err := store.TLSConfig(s.TLS, s.Host)
		if err != nil {
			return nil, fmt.Errorf("server '%s': %w", s.Name, err)
		}

		spec := store.ConnSpec{
			Host:     s.Host,
			Port:     s.Port,
			User:     s.User,
			Password: config.Password(s.User),
			Database: s.Database,
			TLS:      tlsConfig,
		}
		targets = append(targets, collector.NewTarget(s.Name, spec, s.DataDir, s.WALDir))
	}

	orch := collector.NewOrchestrator(targets, config.BlockingTimeoutDuration(), config.Workers, config.Filters)
	return &engine{catalog: cat, orchestrator: orch}, nil
}

// managementTLS loads the management listener's TLS material, nil when TLS
// is not configured for that surface.
func managementTLS(config *Config) (*tls.Config, error) {
	if !config.ManagementTLS.Enabled() {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(config.ManagementTLS.Certfile, config.ManagementTLS.Keyfile)
	if err != nil {
		return nil, fmt.Errorf("load management TLS material failed: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// verifyAdmin authenticates a management request against the current
// configuration, so a reload updates the admins table without restarting the
// listener.
func (e *Exporter) verifyAdmin(username, password string) bool {
	config, _, _, _ := e.snapshot()
	return config.VerifyAdmin(username, password)
}

func buildBridge(config *Config) *bridge.Bridge {
	endpoints, _ := bridge.NormalizeEndpoints(config.Bridge.Endpoints)
	return bridge.New(bridge.Config{
		Endpoints:   endpoints,
		Timeout:     config.BlockingTimeoutDuration(),
		MaxSize:     config.Bridge.MaxSize,
		JSONMaxSize: config.Bridge.JSONMaxSize,
		MaxAge:      time.Duration(config.Bridge.MaxAge) * time.Second,
	})
}

func (e *Exporter) engine() *engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eng
}

func (e *Exporter) snapshot() (*Config, *engine, *cache.Cache, *bridge.Bridge) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config, e.eng, e.cache, e.bridge
}

// metricsMux serves the main scrape on / and /metrics, plus the bridge views
// for deployments exposing a single port.
func (e *Exporter) metricsMux() nethttp.Handler {
	mux := nethttp.NewServeMux()
	mux.HandleFunc("/", e.handleMetrics)
	mux.HandleFunc("/metrics", e.handleMetrics)
	mux.HandleFunc("/metrics/bridge", e.handleBridge)
	mux.HandleFunc("/metrics/bridge.json", e.handleBridgeJSON)
	return mux
}

func (e *Exporter) bridgeMux() nethttp.Handler {
	mux := nethttp.NewServeMux()
	mux.HandleFunc("/metrics/bridge", e.handleBridge)
	mux.HandleFunc("/metrics/bridge.json", e.handleBridgeJSON)
	return mux
}

// handleMetrics is the scrape entry point: cache lookup by fingerprint,
// single-flight scrape on miss.
func (e *Exporter) handleMetrics(w nethttp.ResponseWriter, r *nethttp.Request) {
	config, eng, artifacts, _ := e.snapshot()

	gzipped := http.GzipAccepted(r) && *config.Compression
	fingerprint := fmt.Sprintf("metrics|gzip=%t|tls=%t|epoch=%d",
		gzipped, config.TLS.Enabled(), atomic.LoadInt64(&e.epoch))

	payload, err := artifacts.GetOrProduce(fingerprint, func() ([]byte, error) {
		families := eng.orchestrator.Scrape(context.Background(), eng.catalog)
		return render.Render(families), nil
	})
	if err != nil {
		log.Errorf("scrape failed: %s", err)
		w.WriteHeader(nethttp.StatusServiceUnavailable)
		return
	}

	http.WriteExposition(w, payload, http.ContentTypeExposition, gzipped)
}

func (e *Exporter) handleBridge(w nethttp.ResponseWriter, r *nethttp.Request) {
	_, _, _, b := e.snapshot()

	payload, err := b.Fetch()
	if err != nil {
		log.Errorf("bridge fetch failed: %s", err)
		w.WriteHeader(nethttp.StatusServiceUnavailable)
		return
	}

	config, _, _, _ := e.snapshot()
	gzipped := http.GzipAccepted(r) && *config.Compression
	http.WriteExposition(w, payload, http.ContentTypeExposition, gzipped)
}

func (e *Exporter) handleBridgeJSON(w nethttp.ResponseWriter, r *nethttp.Request) {
	_, _, _, b := e.snapshot()

	if !b.JSONEnabled() {
		nethttp.NotFound(w, r)
		return
	}

	payload, err := b.FetchJSON()
	if err != nil {
		log.Errorf("bridge fetch failed: %s", err)
		w.WriteHeader(nethttp.StatusServiceUnavailable)
		return
	}

	http.WriteExposition(w, payload, http.ContentTypeJSON, false)
}

// Reload builds and validates a candidate configuration, refusing the swap
// when a restart-required field changed. The engine is replaced atomically;
// in-flight scrapes finish on the previous one.
func (e *Exporter) Reload() error {
	next, err := NewConfig(e.configPath)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	e.mu.Lock()
	if fields := e.config.restartRequired(next); len(fields) > 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", management.ErrRestartRequired, strings.Join(fields, ", "))
	}

	eng, err := buildEngine(next)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("reload: %w", err)
	}

	old := e.eng
	e.config = next
	e.eng = eng
	e.cache = cache.New(next.Cache.MaxSize, time.Duration(next.Cache.MaxAge)*time.Second)
	e.bridge = buildBridge(next)
	atomic.AddInt64(&e.epoch, 1)
	e.mu.Unlock()

	log.SetLevel(next.LogLevel)
	old.orchestrator.Close()

	log.Info("configuration reloaded")
	return nil
}

// managementActions exposes the exporter to the management surface.
func (e *Exporter) managementActions() management.Actions {
	return management.Actions{
		Status:     e.status,
		ConfReload: e.Reload,
		ConfLs: func() []string {
			config, _, _, _ := e.snapshot()
			keys := make([]string, 0)
			for k := range config.settings() {
				keys = append(keys, k)
			}
			return keys
		},
		ConfGet: func(key string) (interface{}, error) {
			config, _, _, _ := e.snapshot()
			if key == "" {
				return config.settings(), nil
			}
			return config.setting(key)
		},
		ConfSet: func(key, value string) error {
			e.mu.Lock()
			defer e.mu.Unlock()

			if err := e.config.applySetting(key, value); err != nil {
				return err
			}

			switch key {
			case "log_level":
				log.SetLevel(value)
			case "cache.max_age":
				e.cache = cache.New(e.config.Cache.MaxSize, time.Duration(e.config.Cache.MaxAge)*time.Second)
			}
			return nil
		},
		ClearPrometheus: func() {
			_, _, artifacts, _ := e.snapshot()
			artifacts.Clear()
			atomic.AddInt64(&e.epoch, 1)
		},
		Shutdown: func() {
			log.Info("shutdown requested via management")
			e.cancel()
		},
	}
}

// serverStatus is the per-server slice of the status details payload.
type serverStatus struct {
	Name     string `json:"name"`
	Version  int    `json:"version"`
	Role     string `json:"role"`
	Healthy  bool   `json:"healthy"`
	LastSeen string `json:"last_seen,omitempty"`
}

func (e *Exporter) status(details bool) (interface{}, error) {
	config, eng, artifacts, b := e.snapshot()

	entries, bytes := artifacts.Stats()
	payload := map[string]interface{}{
		"uptime_seconds": int64(time.Since(e.started) / time.Second),
		"servers":        len(config.Servers),
		"cache_entries":  entries,
		"cache_bytes":    bytes,
	}

	if !details {
		return payload, nil
	}

	servers := make([]serverStatus, 0, len(eng.orchestrator.Targets()))
	for _, t := range eng.orchestrator.Targets() {
		s := serverStatus{
			Name:    t.Name,
			Version: t.Version(),
			Role:    t.Role(),
			Healthy: t.Healthy(),
		}
		if !t.LastSeen().IsZero() && t.LastSeen().Unix() > 0 {
			s.LastSeen = t.LastSeen().UTC().Format(time.RFC3339)
		}
		servers = append(servers, s)
	}
	payload["server_details"] = servers
	payload["bridge_endpoints"] = b.Health()

	return payload, nil
}
