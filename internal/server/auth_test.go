package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticatorDisabled(t *testing.T) {
	a := NewAuthenticator(AuthConfig{})
	assert.False(t, a.Enabled())

	claims, err := a.Authenticate(httptest.NewRequest("GET", "/ws", nil))
	require.NoError(t, err)
	assert.Empty(t, claims.Subject)
}

func TestAuthenticatorValidation(t *testing.T) {
	cfg := AuthConfig{Secret: "k", Issuer: "spatialsync", Audience: "clients"}
	a := NewAuthenticator(cfg)

	token, err := a.IssueToken("bob", time.Minute)
	require.NoError(t, err)

	claims, err := a.Authenticate(httptest.NewRequest("GET", "/ws?token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Subject)

	expired, err := a.IssueToken("bob", -time.Minute)
	require.NoError(t, err)
	_, err = a.Authenticate(httptest.NewRequest("GET", "/ws?token="+expired, nil))
	assert.ErrorIs(t, err, ErrUnauthorized)

	other, err := NewAuthenticator(AuthConfig{Secret: "k", Issuer: "someone-else"}).IssueToken("bob", time.Minute)
	require.NoError(t, err)
	_, err = a.Authenticate(httptest.NewRequest("GET", "/ws?token="+other, nil))
	assert.ErrorIs(t, err, ErrUnauthorized)

	wrongKey, err := NewAuthenticator(AuthConfig{Secret: "x", Issuer: "spatialsync", Audience: "clients"}).IssueToken("bob", time.Minute)
	require.NoError(t, err)
	_, err = a.Authenticate(httptest.NewRequest("GET", "/ws?token="+wrongKey, nil))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestNegotiator(t *testing.T) {
	n, err := NewNegotiator("1.2.0", ">= 1.0.0, < 2.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", n.Version())

	assert.NoError(t, n.Accept(""))
	assert.NoError(t, n.Accept("1.0.0"))
	assert.ErrorIs(t, n.Accept("2.0.0"), ErrProtocolVersion)
	assert.ErrorIs(t, n.Accept("banana"), ErrProtocolVersion)

	_, err = NewNegotiator("nope", "")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxClients = 0
	cfg.PongWait = cfg.PingInterval
	cfg.ProtocolConstraint = ">>> 1"
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "max_clients")
	assert.Contains(t, err.Error(), "pong_wait")
	assert.Contains(t, err.Error(), "protocol_constraint")
}
