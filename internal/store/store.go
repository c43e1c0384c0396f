package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blang/semver"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/pgexporter/pgexporter/internal/log"
	"github.com/pgexporter/pgexporter/internal/model"
)

const (
	queryDatabasesList = "SELECT datname FROM pg_database WHERE NOT datistemplate AND datallowconn"
	queryVersionNum    = "SELECT pg_catalog.current_setting('server_version_num')"
	queryVersionStr    = "SELECT pg_catalog.current_setting('server_version')"
	queryInRecovery    = "SELECT pg_is_in_recovery()"
)

// Error kinds raised by the wire client. Callers classify with errors.Is.
var (
	ErrTransport = errors.New("connection failed")
	ErrAuth      = errors.New("authentication failed")
	ErrTimeout   = errors.New("query timed out")
)

// QueryError carries the SQLSTATE and message reported by the server.
type QueryError struct {
	SQLState string
	Message  string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %s (SQLSTATE %s)", e.Message, e.SQLState)
}

// ConnSpec describes a single server connection endpoint.
type ConnSpec struct {
	Host     string
	Port     uint16
	User     string
	Password string
	Database string
	TLS      *tls.Config
}

// DB is the database representation: connection settings plus the open
// connection. A DB is owned by exactly one task at a time.
type DB struct {
	Config *pgx.ConnConfig // config used for connecting this database
	Conn   *pgx.Conn       // database connection object
}

// NewConfig builds a pgx connection config from the connection spec. The
// simple query protocol is forced: the collection path never prepares
// statements and stays compatible with connection poolers.
func NewConfig(spec ConnSpec) (*pgx.ConnConfig, error) {
	config, err := pgx.ParseConfig("")
	if err != nil {
		return nil, err
	}

	config.Host = spec.Host
	config.Port = spec.Port
	config.User = spec.User
	config.Password = spec.Password
	config.Database = spec.Database
	if config.Database == "" {
		config.Database = "postgres"
	}
	config.TLSConfig = spec.TLS
	config.PreferSimpleProtocol = true
	config.RuntimeParams["application_name"] = "pgexporter"
	config.RuntimeParams["client_encoding"] = "UTF8"

	return config, nil
}

// New creates a new connection using passed connection spec.
func New(ctx context.Context, spec ConnSpec) (*DB, error) {
	config, err := NewConfig(spec)
	if err != nil {
		return nil, err
	}

	return NewWithConfig(ctx, config)
}

// NewWithConfig creates a new connection using prepared connection config.
func NewWithConfig(ctx context.Context, config *pgx.ConnConfig) (*DB, error) {
	conn, err := pgx.ConnectConfig(ctx, config)
	if err != nil {
		return nil, classifyConnectError(err)
	}

	return &DB{Config: config, Conn: conn}, nil
}

// Databases returns the list of databases that allowed for connection.
func (db *DB) Databases(ctx context.Context) ([]string, error) {
	rows, err := db.Conn.Query(ctx, queryDatabasesList)
	if err != nil {
		return nil, classifyQueryError(ctx, err)
	}
	defer rows.Close()

	var list = make([]string, 0, 10)
	for rows.Next() {
		var dbname string
		if err := rows.Scan(&dbname); err != nil {
			return nil, err
		}
		list = append(list, dbname)
	}
	return list, rows.Err()
}

// ProbeVersion asks the server for its numeric version and reduces it to the
// major release number (160001 -> 16). Servers answering only the textual
// server_version are parsed tolerantly.
func (db *DB) ProbeVersion(ctx context.Context) (int, error) {
	var setting string
	err := db.Conn.QueryRow(ctx, queryVersionNum).Scan(&setting)
	if err == nil {
		num, err := strconv.Atoi(setting)
		if err != nil {
			return model.VersionUndetermined, fmt.Errorf("unexpected server_version_num '%s': %w", setting, err)
		}
		return num / 10000, nil
	}

	log.Debugf("server_version_num unavailable: %s; fall back to server_version", err)

	if err := db.Conn.QueryRow(ctx, queryVersionStr).Scan(&setting); err != nil {
		return model.VersionUndetermined, classifyQueryError(ctx, err)
	}
	return ParseVersion(setting)
}

// ParseVersion extracts the major release number from a server_version
// string such as "16.1 (Debian 16.1-1.pgdg120+1)".
func ParseVersion(setting string) (int, error) {
	if i := strings.IndexByte(setting, ' '); i > 0 {
		setting = setting[:i]
	}

	v, err := semver.ParseTolerant(setting)
	if err != nil {
		return model.VersionUndetermined, fmt.Errorf("unexpected server_version '%s': %w", setting, err)
	}
	return int(v.Major), nil
}

// ProbeRole reports whether the server acts as a primary or a replica.
func (db *DB) ProbeRole(ctx context.Context) (string, error) {
	var inRecovery bool
	if err := db.Conn.QueryRow(ctx, queryInRecovery).Scan(&inRecovery); err != nil {
		return "", classifyQueryError(ctx, err)
	}

	if inRecovery {
		return model.ServerRoleReplica, nil
	}
	return model.ServerRolePrimary, nil
}

// Query executes the query and wraps the result into a PGResult.
func (db *DB) Query(ctx context.Context, query string) (*model.PGResult, error) {
	rows, err := db.Conn.Query(ctx, query)
	if err != nil {
		return nil, classifyQueryError(ctx, err)
	}

	// Generic variables describe properties of query result.
	var (
		colnames = rows.FieldDescriptions()
		ncols    = len(colnames)
		nrows    int
	)

	// Storage used for data extracted from rows. Scan supports only a slice
	// of interfaces, 'pointers' is the intermediate store all values are
	// written through.
	var rowsStore = make([][]sql.NullString, 0, 10)

	for rows.Next() {
		pointers := make([]interface{}, ncols)
		values := make([]sql.NullString, ncols)

		for i := range pointers {
			pointers[i] = &values[i]
		}

		err = rows.Scan(pointers...)
		if err != nil {
			log.Warnf("skip collecting stats: %s", err)
			continue
		}
		rowsStore = append(rowsStore, values)
		nrows++
	}

	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classifyQueryError(ctx, err)
	}

	return &model.PGResult{
		Nrows:    nrows,
		Ncols:    ncols,
		Colnames: colnames,
		Rows:     rowsStore,
	}, nil
}

// Close database connections gracefully.
func (db *DB) Close() {
	if db.Conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := db.Conn.Close(ctx)
	if err != nil {
		log.Warnf("failed to close database connection: %s; ignore", err)
	}
	db.Conn = nil
}

// classifyConnectError folds pgx connect failures into the transport/auth
// error kinds.
func classifyConnectError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 28 - invalid authorization specification.
		if strings.HasPrefix(pgErr.Code, "28") {
			return fmt.Errorf("%w: %s", ErrAuth, pgErr.Message)
		}
		return fmt.Errorf("%w: %s", ErrTransport, pgErr.Message)
	}

	// Unsupported or failed authentication schemes surface as plain errors
	// from the handshake.
	if strings.Contains(err.Error(), "SASL") || strings.Contains(err.Error(), "authentication") {
		return fmt.Errorf("%w: %s", ErrAuth, err)
	}

	return fmt.Errorf("%w: %s", ErrTransport, err)
}

// classifyQueryError folds query failures into timeout, SQLSTATE or
// transport error kinds.
func classifyQueryError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &QueryError{SQLState: pgErr.Code, Message: pgErr.Message}
	}

	return fmt.Errorf("%w: %s", ErrTransport, err)
}

// TLSSpec describes per-server TLS material from the configuration.
type TLSSpec struct {
	Mode     string `yaml:"mode,omitempty"` // disable, require, verify-ca, verify-full
	CertFile string `yaml:"certfile,omitempty"`
	KeyFile  string `yaml:"keyfile,omitempty"`
	CAFile   string `yaml:"cafile,omitempty"`
}

// TLSConfig builds a client tls.Config for the given server host. Nil result
// means TLS is not requested.
func TLSConfig(spec TLSSpec, host string) (*tls.Config, error) {
	switch spec.Mode {
	case "", "disable":
		return nil, nil
	case "require", "verify-ca", "verify-full":
	default:
		return nil, fmt.Errorf("unknown TLS mode '%s'", spec.Mode)
	}

	config := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}

	if spec.Mode == "require" {
		config.InsecureSkipVerify = true // #nosec G402
	}

	if spec.CAFile != "" {
		pem, err := os.ReadFile(spec.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file failed: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", spec.CAFile)
		}
		config.RootCAs = pool

		if spec.Mode == "verify-ca" {
			// Chain is checked against the CA, hostname checks are skipped in
			// this mode.
			config.InsecureSkipVerify = true // #nosec G402
			config.VerifyPeerCertificate = verifyCAOnly(pool)
		}
	}

	if spec.CertFile != "" && spec.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(spec.CertFile, spec.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate failed: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// verifyCAOnly checks the peer chain against the pool without hostname
// verification.
func verifyCAOnly(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no peer certificate presented")
		}

		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs = append(certs, cert)
		}

		opts := x509.VerifyOptions{Roots: pool, Intermediates: x509.NewCertPool()}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}
