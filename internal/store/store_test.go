package store

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestNewConfig(t *testing.T) {
	config, err := NewConfig(ConnSpec{Host: "1.2.3.4", Port: 5433, User: "pgexporter", Password: "secret"})
	assert.NoError(t, err)

	assert.Equal(t, "1.2.3.4", config.Host)
	assert.Equal(t, uint16(5433), config.Port)
	assert.Equal(t, "pgexporter", config.User)
	// Default database and runtime parameters of the startup packet.
	assert.Equal(t, "postgres", config.Database)
	assert.True(t, config.PreferSimpleProtocol)
	assert.Equal(t, "pgexporter", config.RuntimeParams["application_name"])
	assert.Equal(t, "UTF8", config.RuntimeParams["client_encoding"])

	config, err = NewConfig(ConnSpec{Host: "localhost", Port: 5432, User: "u", Database: "orders"})
	assert.NoError(t, err)
	assert.Equal(t, "orders", config.Database)
}

func TestParseVersion(t *testing.T) {
	testcases := []struct {
		in    string
		want  int
		valid bool
	}{
		{in: "16.1", want: 16, valid: true},
		{in: "16.1 (Debian 16.1-1.pgdg120+1)", want: 16, valid: true},
		{in: "14.10", want: 14, valid: true},
		{in: "10.23", want: 10, valid: true},
		{in: "9.6.24", want: 9, valid: true},
		{in: "garbage", valid: false},
		{in: "", valid: false},
	}

	for _, tc := range testcases {
		got, err := ParseVersion(tc.in)
		if tc.valid {
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		} else {
			assert.Error(t, err)
		}
	}
}

func TestClassifyConnectError(t *testing.T) {
	err := classifyConnectError(&pgconn.PgError{Code: "28P01", Message: "password authentication failed"})
	assert.ErrorIs(t, err, ErrAuth)

	err = classifyConnectError(&pgconn.PgError{Code: "3D000", Message: "database does not exist"})
	assert.ErrorIs(t, err, ErrTransport)

	err = classifyConnectError(errors.New("dial tcp: connection refused"))
	assert.ErrorIs(t, err, ErrTransport)

	// Handshake failures on unsupported schemes come as plain errors.
	err = classifyConnectError(errors.New("unexpected authentication method"))
	assert.ErrorIs(t, err, ErrAuth)
}

func TestClassifyQueryError(t *testing.T) {
	ctx := context.Background()

	err := classifyQueryError(ctx, &pgconn.PgError{Code: "42P01", Message: "relation does not exist"})
	var queryErr *QueryError
	assert.ErrorAs(t, err, &queryErr)
	assert.Equal(t, "42P01", queryErr.SQLState)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = classifyQueryError(cancelled, errors.New("conn closed"))
	assert.ErrorIs(t, err, ErrTimeout)

	err = classifyQueryError(ctx, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)

	err = classifyQueryError(ctx, errors.New("unexpected EOF"))
	assert.ErrorIs(t, err, ErrTransport)
}

func TestTLSConfig(t *testing.T) {
	config, err := TLSConfig(TLSSpec{}, "db1")
	assert.NoError(t, err)
	assert.Nil(t, config)

	config, err = TLSConfig(TLSSpec{Mode: "disable"}, "db1")
	assert.NoError(t, err)
	assert.Nil(t, config)

	config, err = TLSConfig(TLSSpec{Mode: "require"}, "db1")
	assert.NoError(t, err)
	assert.NotNil(t, config)
	assert.True(t, config.InsecureSkipVerify)

	config, err = TLSConfig(TLSSpec{Mode: "verify-full"}, "db1")
	assert.NoError(t, err)
	assert.NotNil(t, config)
	assert.False(t, config.InsecureSkipVerify)
	assert.Equal(t, "db1", config.ServerName)

	_, err = TLSConfig(TLSSpec{Mode: "prefer"}, "db1")
	assert.Error(t, err)

	_, err = TLSConfig(TLSSpec{Mode: "verify-ca", CAFile: "/nonexistent/ca.pem"}, "db1")
	assert.Error(t, err)
}
