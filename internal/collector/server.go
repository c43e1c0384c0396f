package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgexporter/pgexporter/internal/log"
	"github.com/pgexporter/pgexporter/internal/model"
	"github.com/pgexporter/pgexporter/internal/store"
)

// Target is the runtime state of one configured server. The connection is
// exclusively owned by the task currently holding the lease; version, role
// and health are updated by probe logic only.
type Target struct {
	Name    string
	Spec    store.ConnSpec
	DataDir string
	WALDir  string

	mu   sync.Mutex // connection lease
	db   *store.DB
	dbs  map[string]*store.DB // per-database connections for all-databases scope
	role string

	version  int32 // major version, model.VersionUndetermined until probed
	healthy  int32 // 1 after a successful probe, 0 after a failure
	lastSeen int64 // unix seconds of last successful probe
}

// NewTarget creates runtime state for a configured server.
func NewTarget(name string, spec store.ConnSpec, dataDir, walDir string) *Target {
	return &Target{Name: name, Spec: spec, DataDir: dataDir, WALDir: walDir}
}

// Version returns the detected major version.
func (t *Target) Version() int {
	return int(atomic.LoadInt32(&t.version))
}

// Healthy reports whether the last probe succeeded.
func (t *Target) Healthy() bool {
	return atomic.LoadInt32(&t.healthy) == 1
}

// LastSeen returns the time of the last successful probe.
func (t *Target) LastSeen() time.Time {
	return time.Unix(atomic.LoadInt64(&t.lastSeen), 0)
}

// Role returns the last detected server role, guarded by the lease.
func (t *Target) Role() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.role
}

// acquire takes the connection lease for the duration of one server scrape.
func (t *Target) acquire() { t.mu.Lock() }

func (t *Target) release() { t.mu.Unlock() }

// conn returns the owned connection, opening it if necessary. The lease must
// be held.
func (t *Target) conn(ctx context.Context) (*store.DB, error) {
	if t.db != nil {
		return t.db, nil
	}

	db, err := store.New(ctx, t.Spec)
	if err != nil {
		return nil, err
	}
	t.db = db
	return db, nil
}

// databaseConn returns an owned connection to a specific database of this
// server, opening it lazily. The lease must be held.
func (t *Target) databaseConn(ctx context.Context, database string) (*store.DB, error) {
	if db, ok := t.dbs[database]; ok {
		return db, nil
	}

	config, err := store.NewConfig(t.Spec)
	if err != nil {
		return nil, err
	}
	config.Database = database

	db, err := store.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if t.dbs == nil {
		t.dbs = map[string]*store.DB{}
	}
	t.dbs[database] = db
	return db, nil
}

// dropConn discards the owned connections after a transport failure; the
// next scrape reopens them. The lease must be held.
func (t *Target) dropConn() {
	if t.db != nil {
		t.db.Close()
		t.db = nil
	}
	t.closeDatabaseConns()
}

// closeDatabaseConns releases per-database connections opened during
// all-databases iteration. The lease must be held.
func (t *Target) closeDatabaseConns() {
	for name, db := range t.dbs {
		db.Close()
		delete(t.dbs, name)
	}
}

// Close releases all connections of the target.
func (t *Target) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropConn()
}

// probe ensures version and role are known. The version is probed only while
// it is undetermined; the role is re-checked on every scrape, since it changes
// on promotion. The lease must be held.
func (t *Target) probe(ctx context.Context) error {
	db, err := t.conn(ctx)
	if err != nil {
		t.markDown()
		return err
	}

	if t.Version() == model.VersionUndetermined {
		version, err := db.ProbeVersion(ctx)
		if err != nil {
			t.markDown()
			t.dropConn()
			return err
		}
		atomic.StoreInt32(&t.version, int32(version))
		log.Debugf("server %s: version %d detected", t.Name, version)
	}

	role, err := db.ProbeRole(ctx)
	if err != nil {
		t.markDown()
		t.dropConn()
		return err
	}
	if t.role != "" && t.role != role {
		log.Infof("server %s: role changed from %s to %s", t.Name, t.role, role)
	}
	t.role = role

	atomic.StoreInt32(&t.healthy, 1)
	atomic.StoreInt64(&t.lastSeen, time.Now().Unix())
	return nil
}

func (t *Target) markDown() {
	atomic.StoreInt32(&t.healthy, 0)
}
