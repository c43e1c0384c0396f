package management

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, actions Actions) (string, context.CancelFunc) {
	t.Helper()
	return startServerConfig(t, ServerConfig{}, actions)
}

func startServerConfig(t *testing.T, config ServerConfig, actions Actions) (string, context.CancelFunc) {
	t.Helper()

	// Pick a free port first; the server binds it right after.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	ctx, cancel := context.WithCancel(context.Background())
	config.Addr = addr
	s := NewServer(config, actions)
	go func() { _ = s.Serve(ctx) }()

	// Wait for the listener to come up.
	for i := 0; i < 50; i++ {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return addr, cancel
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("management server did not start")
	return "", cancel
}

func TestServer_Ping(t *testing.T) {
	addr, cancel := startServer(t, Actions{})
	defer cancel()

	resp, err := Do(addr, NewRequest("ping", ""), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Outcome.Status)
}

func TestServer_Status(t *testing.T) {
	addr, cancel := startServer(t, Actions{
		Status: func(details bool) (interface{}, error) {
			if details {
				return map[string]string{"mode": "details"}, nil
			}
			return map[string]string{"mode": "brief"}, nil
		},
	})
	defer cancel()

	resp, err := Do(addr, NewRequest("status", ""), time.Second)
	require.NoError(t, err)
	payload, _ := resp.Response.(map[string]interface{})
	assert.Equal(t, "brief", payload["mode"])

	resp, err = Do(addr, NewRequest("status", "details"), time.Second)
	require.NoError(t, err)
	payload, _ = resp.Response.(map[string]interface{})
	assert.Equal(t, "details", payload["mode"])

	_, err = Do(addr, NewRequest("status", "nonsense"), time.Second)
	require.Error(t, err)
	var mgmtErr *Error
	require.ErrorAs(t, err, &mgmtErr)
	assert.Equal(t, CodeBadRequest, mgmtErr.Code)
}

func TestServer_Conf(t *testing.T) {
	config := map[string]string{"log_level": "info", "metrics_port": "5001"}

	addr, cancel := startServer(t, Actions{
		ConfLs: func() []string { return []string{"log_level", "metrics_port"} },
		ConfGet: func(key string) (interface{}, error) {
			if key == "" {
				return config, nil
			}
			v, ok := config[key]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
			}
			return v, nil
		},
		ConfSet: func(key, value string) error {
			switch key {
			case "log_level":
				config[key] = value
				return nil
			case "metrics_port":
				return fmt.Errorf("%w: %s", ErrRestartRequired, key)
			default:
				return fmt.Errorf("%w: %s", ErrUnknownKey, key)
			}
		},
		ConfReload: func() error { return nil },
	})
	defer cancel()

	resp, err := Do(addr, NewRequest("conf", "ls"), time.Second)
	require.NoError(t, err)
	assert.Len(t, resp.Response, 2)

	// conf get without a key returns the whole configuration.
	resp, err = Do(addr, NewRequest("conf", "get"), time.Second)
	require.NoError(t, err)
	whole, _ := resp.Response.(map[string]interface{})
	assert.Equal(t, "info", whole["log_level"])

	resp, err = Do(addr, NewRequest("conf", "get", "log_level"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "info", resp.Response)

	_, err = Do(addr, NewRequest("conf", "get", "nonsense"), time.Second)
	var mgmtErr *Error
	require.ErrorAs(t, err, &mgmtErr)
	assert.Equal(t, CodeGetUnknownKey, mgmtErr.Code)

	_, err = Do(addr, NewRequest("conf", "set", "log_level", "debug"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "debug", config["log_level"])

	_, err = Do(addr, NewRequest("conf", "set", "metrics_port", "5002"), time.Second)
	require.ErrorAs(t, err, &mgmtErr)
	assert.Equal(t, CodeSetRestart, mgmtErr.Code)

	_, err = Do(addr, NewRequest("conf", "set", "nonsense", "1"), time.Second)
	require.ErrorAs(t, err, &mgmtErr)
	assert.Equal(t, CodeSetUnknownKey, mgmtErr.Code)

	_, err = Do(addr, NewRequest("conf", "reload"), time.Second)
	assert.NoError(t, err)
}

func TestServer_Clear(t *testing.T) {
	cleared := false
	addr, cancel := startServer(t, Actions{
		ClearPrometheus: func() { cleared = true },
	})
	defer cancel()

	_, err := Do(addr, NewRequest("clear", "", "prometheus"), time.Second)
	require.NoError(t, err)
	assert.True(t, cleared)

	_, err = Do(addr, NewRequest("clear", "", "nonsense"), time.Second)
	var mgmtErr *Error
	require.ErrorAs(t, err, &mgmtErr)
	assert.Equal(t, CodeClearUnknown, mgmtErr.Code)
}

func TestServer_UnknownCommand(t *testing.T) {
	addr, cancel := startServer(t, Actions{})
	defer cancel()

	_, err := Do(addr, NewRequest("nonsense", ""), time.Second)
	var mgmtErr *Error
	require.ErrorAs(t, err, &mgmtErr)
	assert.Equal(t, CodeUnknownCommand, mgmtErr.Code)
	assert.True(t, IsProtocolError(err))
}

func TestServer_Auth(t *testing.T) {
	verify := func(username, password string) bool {
		return username == "admin" && password == "secret"
	}

	addr, cancel := startServerConfig(t, ServerConfig{Verify: verify}, Actions{})
	defer cancel()

	// No credential presented.
	_, err := Do(addr, NewRequest("ping", ""), time.Second)
	var mgmtErr *Error
	require.ErrorAs(t, err, &mgmtErr)
	assert.Equal(t, CodeUnauthorized, mgmtErr.Code)

	// Wrong credential.
	_, err = Do(addr, NewRequest("ping", "").WithCredentials("admin", "nonsense"), time.Second)
	require.ErrorAs(t, err, &mgmtErr)
	assert.Equal(t, CodeUnauthorized, mgmtErr.Code)

	// Valid credential.
	resp, err := Do(addr, NewRequest("ping", "").WithCredentials("admin", "secret"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Outcome.Status)
}

// testServerTLS builds an in-memory self-signed certificate for loopback.
func testServerTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pgexporter test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
}

func TestServer_TLS(t *testing.T) {
	addr, cancel := startServerConfig(t, ServerConfig{TLS: testServerTLS(t)}, Actions{})
	defer cancel()

	resp, err := DoTLS(addr, NewRequest("ping", ""), time.Second, &tls.Config{
		InsecureSkipVerify: true, // #nosec G402
		MinVersion:         tls.VersionTLS12,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Outcome.Status)
}

func TestDo_ConnectFailure(t *testing.T) {
	_, err := Do("127.0.0.1:1", NewRequest("ping", ""), 200*time.Millisecond)
	require.Error(t, err)
	assert.False(t, IsProtocolError(err))
}

func TestIsProtocolError(t *testing.T) {
	assert.True(t, IsProtocolError(&Error{Code: 1, Message: "x"}))
	assert.False(t, IsProtocolError(errors.New("dial failed")))
}
