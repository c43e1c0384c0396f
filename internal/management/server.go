package management

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/pgexporter/pgexporter/internal/log"
)

// Reload outcomes surfaced through dedicated codes.
var (
	// ErrRestartRequired is returned by reload/set actions when the change
	// touches a field that only applies on restart.
	ErrRestartRequired = errors.New("restart required")
	// ErrUnknownKey is returned by conf get/set for unknown configuration keys.
	ErrUnknownKey = errors.New("unknown configuration key")
	// ErrInvalidValue is returned by conf set for unparsable values.
	ErrInvalidValue = errors.New("invalid value")
)

// Actions wires management verbs to the running exporter.
type Actions struct {
	Status          func(details bool) (interface{}, error)
	ConfReload      func() error
	ConfLs          func() []string
	ConfGet         func(key string) (interface{}, error)
	ConfSet         func(key, value string) error
	ClearPrometheus func()
	Shutdown        func()
}

// ServerConfig defines the management listener. Verify authenticates the
// credential of every request; nil Verify means the transport itself is
// trusted (Unix socket guarded by filesystem permissions).
type ServerConfig struct {
	Addr   string
	TLS    *tls.Config
	Verify func(username, password string) bool
}

// Server accepts management connections and dispatches verbs. Verbs run on
// short-lived per-connection tasks and never touch the scrape path.
type Server struct {
	config  ServerConfig
	actions Actions
}

// NewServer creates a management server. Addresses starting with '/' or '.'
// are served on a Unix socket.
func NewServer(config ServerConfig, actions Actions) *Server {
	return &Server{config: config, actions: actions}
}

// Serve accepts connections until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	network := "tcp"
	if strings.HasPrefix(s.config.Addr, "/") || strings.HasPrefix(s.config.Addr, ".") {
		network = "unix"
	}

	listener, err := net.Listen(network, s.config.Addr)
	if err != nil {
		return err
	}

	if s.config.TLS != nil {
		listener = tls.NewListener(listener, s.config.TLS)
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	log.Infof("management: listen on %s", s.config.Addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warnf("management: accept failed: %s", err)
			continue
		}

		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	var req Request
	if err := readEnvelope(conn, &req); err != nil {
		log.Warnf("management: read request failed: %s", err)
		_ = writeEnvelope(conn, fail(CodeBadRequest, "malformed request"))
		return
	}

	// Every request on an authenticated listener must present a valid admin
	// credential before any verb runs.
	if s.config.Verify != nil && !s.config.Verify(req.Username, req.Password) {
		log.Warnf("management: authentication failed for '%s'", req.Username)
		_ = writeEnvelope(conn, fail(CodeUnauthorized, "authentication failed"))
		return
	}

	started := time.Now()
	resp := s.dispatch(req)
	if resp.Outcome.Status == "ok" {
		resp.Outcome.ElapsedMs = time.Since(started).Milliseconds()
	}

	if err := writeEnvelope(conn, resp); err != nil {
		log.Warnf("management: write response failed: %s", err)
	}

	// Reply first, the process goes away right after.
	if req.Command == "shutdown" {
		s.actions.Shutdown()
	}
}

func (s *Server) dispatch(req Request) Response {
	log.Debugf("management: %s %s", req.Command, req.Subcommand)

	switch req.Command {
	case "ping":
		return ok(nil)

	case "shutdown":
		// The shutdown action runs in handle once the reply is written.
		return ok(nil)

	case "status":
		details := req.Subcommand == "details"
		if req.Subcommand != "" && !details {
			return fail(CodeBadRequest, "unknown status subcommand")
		}
		payload, err := s.actions.Status(details)
		if err != nil {
			return fail(CodeInternal, err.Error())
		}
		return ok(payload)

	case "conf":
		return s.dispatchConf(req)

	case "clear":
		if len(req.Args) != 1 || req.Args[0] != "prometheus" {
			return fail(CodeClearUnknown, "unknown clear target")
		}
		s.actions.ClearPrometheus()
		return ok(nil)

	default:
		return fail(CodeUnknownCommand, "unknown command "+req.Command)
	}
}

func (s *Server) dispatchConf(req Request) Response {
	switch req.Subcommand {
	case "reload":
		err := s.actions.ConfReload()
		switch {
		case errors.Is(err, ErrRestartRequired):
			return fail(CodeReloadRestart, err.Error())
		case err != nil:
			return fail(CodeReloadFailed, err.Error())
		}
		return ok(nil)

	case "ls":
		return ok(s.actions.ConfLs())

	case "get":
		// Without a key the whole configuration is returned.
		key := ""
		if len(req.Args) > 0 {
			key = req.Args[0]
		}
		payload, err := s.actions.ConfGet(key)
		if err != nil {
			return fail(CodeGetUnknownKey, err.Error())
		}
		return ok(payload)

	case "set":
		if len(req.Args) != 2 {
			return fail(CodeBadRequest, "conf set requires key and value")
		}
		err := s.actions.ConfSet(req.Args[0], req.Args[1])
		switch {
		case errors.Is(err, ErrUnknownKey):
			return fail(CodeSetUnknownKey, err.Error())
		case errors.Is(err, ErrRestartRequired):
			return fail(CodeSetRestart, err.Error())
		case errors.Is(err, ErrInvalidValue):
			return fail(CodeSetInvalidValue, err.Error())
		case err != nil:
			return fail(CodeInternal, err.Error())
		}
		return ok(nil)

	default:
		return fail(CodeBadRequest, "unknown conf subcommand")
	}
}

func ok(payload interface{}) Response {
	return Response{Outcome: Outcome{Status: "ok"}, Response: payload}
}

func fail(code int, message string) Response {
	return Response{Outcome: Outcome{Status: "error", Code: code, Message: message}}
}
