package bridge

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pgexporter/pgexporter/internal/cache"
	"github.com/pgexporter/pgexporter/internal/http"
	"github.com/pgexporter/pgexporter/internal/log"
	"github.com/pgexporter/pgexporter/internal/render"
)

// NormalizeEndpoint canonicalizes a configured endpoint string: surrounding
// whitespace, the http(s) scheme and a trailing /metrics or / are stripped.
// The result is the bare host[:port].
func NormalizeEndpoint(s string) (string, error) {
	e := strings.TrimSpace(s)
	e = strings.TrimPrefix(e, "https://")
	e = strings.TrimPrefix(e, "http://")
	e = strings.TrimSuffix(e, "/")
	e = strings.TrimSuffix(e, "/metrics")
	e = strings.TrimSuffix(e, "/")

	if e == "" || strings.Contains(e, "/") {
		return "", fmt.Errorf("invalid bridge endpoint '%s'", s)
	}
	return e, nil
}

// NormalizeEndpoints canonicalizes all endpoints, rejecting duplicates.
func NormalizeEndpoints(endpoints []string) ([]string, error) {
	seen := map[string]bool{}
	out := make([]string, 0, len(endpoints))

	for _, s := range endpoints {
		e, err := NormalizeEndpoint(s)
		if err != nil {
			return nil, err
		}
		if seen[e] {
			return nil, fmt.Errorf("duplicate bridge endpoint '%s'", e)
		}
		seen[e] = true
		out = append(out, e)
	}

	return out, nil
}

// Bridge fetches external scrape endpoints and re-exposes the merged
// payload, with its own text and JSON caches.
type Bridge struct {
	endpoints []string
	client    *http.Client

	textCache *cache.Cache
	jsonCache *cache.Cache
	json      bool

	mu     sync.Mutex
	health map[string]bool
}

// Config carries the bridge limits from the configuration.
type Config struct {
	Endpoints   []string
	Timeout     time.Duration
	MaxSize     int64
	JSONMaxSize int64
	MaxAge      time.Duration
}

// New creates a bridge over normalized endpoints. The JSON view is enabled
// only when its cache size is non-zero.
func New(cfg Config) *Bridge {
	return &Bridge{
		endpoints: cfg.Endpoints,
		client:    http.NewClient(http.ClientConfig{Timeout: cfg.Timeout}),
		textCache: cache.New(cfg.MaxSize, cfg.MaxAge),
		jsonCache: cache.New(cfg.JSONMaxSize, cfg.MaxAge),
		json:      cfg.JSONMaxSize > 0,
		health:    map[string]bool{},
	}
}

// JSONEnabled reports whether the JSON view is served.
func (b *Bridge) JSONEnabled() bool {
	return b.json
}

// Endpoints returns the normalized endpoint set.
func (b *Bridge) Endpoints() []string {
	return b.endpoints
}

// Health returns per-endpoint success of the most recent fetch.
func (b *Bridge) Health() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]bool, len(b.health))
	for k, v := range b.health {
		out[k] = v
	}
	return out
}

func (b *Bridge) setHealth(endpoint string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health[endpoint] = ok
}

// Fetch returns the merged text exposition of all endpoints, serving from
// the cache when fresh. A failing endpoint contributes nothing; the merged
// response still carries the successful ones.
func (b *Bridge) Fetch() ([]byte, error) {
	return b.textCache.GetOrProduce("bridge", b.produce)
}

// FetchJSON returns the merged exposition converted to JSON.
func (b *Bridge) FetchJSON() ([]byte, error) {
	return b.jsonCache.GetOrProduce("bridge.json", func() ([]byte, error) {
		text, err := b.Fetch()
		if err != nil {
			return nil, err
		}
		return render.TextToJSON(text)
	})
}

// produce fetches every endpoint concurrently and concatenates the bodies in
// endpoint order.
func (b *Bridge) produce() ([]byte, error) {
	bodies := make([][]byte, len(b.endpoints))

	var wg sync.WaitGroup
	for i, endpoint := range b.endpoints {
		wg.Add(1)
		go func(i int, endpoint string) {
			defer wg.Done()

			body, err := b.fetchOne(endpoint)
			if err != nil {
				log.Warnf("bridge: fetch %s failed: %s; skip", endpoint, err)
				b.setHealth(endpoint, false)
				return
			}
			b.setHealth(endpoint, true)
			bodies[i] = body
		}(i, endpoint)
	}
	wg.Wait()

	var merged []byte
	for _, body := range bodies {
		merged = append(merged, body...)
	}
	return merged, nil
}

func (b *Bridge) fetchOne(endpoint string) ([]byte, error) {
	resp, err := b.client.Get("http://" + endpoint + "/metrics")
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned HTTP status %s", resp.Status)
	}

	return io.ReadAll(resp.Body)
}

// Run periodically refreshes the merged payload until the context is
// cancelled, keeping the caches warm between scrapes.
func (b *Bridge) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || len(b.endpoints) == 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.Fetch(); err != nil {
				log.Warnf("bridge: periodic fetch failed: %s", err)
			}
			if b.json {
				if _, err := b.FetchJSON(); err != nil {
					log.Warnf("bridge: periodic fetch failed: %s", err)
				}
			}
		}
	}
}
