package http

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pgexporter/pgexporter/internal/log"
	"golang.org/x/net/netutil"
)

// TLSConfig defines TLS settings of a listener.
type TLSConfig struct {
	Certfile string `yaml:"certfile,omitempty"` // path to certificate file
	Keyfile  string `yaml:"keyfile,omitempty"`  // path to key file
}

// Enabled reports whether TLS material is configured.
func (cfg TLSConfig) Enabled() bool {
	return cfg.Certfile != "" && cfg.Keyfile != ""
}

// Validate checks TLS options.
func (cfg TLSConfig) Validate() error {
	if (cfg.Keyfile == "" && cfg.Certfile != "") || (cfg.Keyfile != "" && cfg.Certfile == "") {
		return fmt.Errorf("TLS settings invalid")
	}
	return nil
}

// ServerConfig defines HTTP server configuration.
type ServerConfig struct {
	Addr     string
	MaxConns int
	TLSConfig
}

// Server defines HTTP server.
type Server struct {
	config ServerConfig
	server *http.Server
}

// NewServer creates new HTTP server instance serving the passed handler.
func NewServer(cfg ServerConfig, handler http.Handler) *Server {
	return &Server{
		config: cfg,
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			IdleTimeout:  10 * time.Second,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Serve method starts listening and serving requests.
func (s *Server) Serve() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}

	if s.config.MaxConns > 0 {
		listener = netutil.LimitListener(listener, s.config.MaxConns)
	}

	if s.config.Enabled() {
		cert, err := tls.LoadX509KeyPair(s.config.Certfile, s.config.Keyfile)
		if err != nil {
			return fmt.Errorf("load TLS material failed: %w", err)
		}

		listener = tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		log.Infof("listen on https://%s", s.config.Addr)
	} else {
		log.Infof("listen on http://%s", s.config.Addr)
	}

	return s.server.Serve(listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// GzipAccepted reports whether the client accepts a gzip-encoded response.
func GzipAccepted(r *http.Request) bool {
	for _, encoding := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		e := strings.TrimSpace(encoding)
		if e == "gzip" || strings.HasPrefix(e, "gzip;") {
			return true
		}
	}
	return false
}

// WriteExposition writes payload with the exposition content type, gzipping
// when requested.
func WriteExposition(w http.ResponseWriter, payload []byte, contentType string, gzipped bool) {
	w.Header().Set("Content-Type", contentType)

	if !gzipped {
		if _, err := w.Write(payload); err != nil {
			log.Warnln("response write failed: ", err)
		}
		return
	}

	w.Header().Set("Content-Encoding", "gzip")
	gz := gzip.NewWriter(w)
	if _, err := gz.Write(payload); err != nil {
		log.Warnln("response write failed: ", err)
	}
	if err := gz.Close(); err != nil {
		log.Warnln("response write failed: ", err)
	}
}
