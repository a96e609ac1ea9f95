package sandbox

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/safety"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// proxyBodyLimit bounds buffered request/response bodies before the leak
// scan. Chunked responses buffer up to this limit; anything larger is
// refused rather than passed unscanned.
const proxyBodyLimit = 4 << 20

// EgressProxy is the only outbound HTTP path for workers. It enforces the
// per-job host allowlist, rejects every private/metadata address class
// before DNS resolution, refuses redirects and CONNECT, and runs the leak
// detector over both directions.
type EgressProxy struct {
	tokens   *TokenManager
	pipeline *safety.Pipeline
	client   *http.Client
}

// NewEgressProxy builds the proxy.
func NewEgressProxy(tokens *TokenManager, pipeline *safety.Pipeline) *EgressProxy {
	return &EgressProxy{
		tokens:   tokens,
		pipeline: pipeline,
		client: &http.Client{
			Timeout: 60 * time.Second,
			// Redirects are blocked: a permitted host must not bounce
			// the worker to a forbidden one.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				DialContext: guardedDial,
			},
		},
	}
}

// guardedDial re-checks the resolved address class at connect time so a
// hostname that resolves to a private range still fails.
func guardedDial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if isForbiddenIP(ip) {
			return nil, fmt.Errorf("destination address class forbidden")
		}
	}
	d := net.Dialer{Timeout: 15 * time.Second}
	return d.DialContext(ctx, network, addr)
}

// isForbiddenIP rejects loopback, RFC 1918, link-local, CGNAT, and the
// cloud metadata endpoint.
func isForbiddenIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	// CGNAT 100.64.0.0/10.
	if ip4 := ip.To4(); ip4 != nil {
		if ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
			return true
		}
		// Cloud metadata.
		if ip4.Equal(net.IPv4(169, 254, 169, 254)) {
			return true
		}
	}
	return false
}

// Forward validates and performs one outbound request on behalf of a
// worker. The caller has already verified the job token.
func (p *EgressProxy) Forward(r *http.Request, jobID string, allowedHosts map[string]bool) (*http.Response, error) {
	if r.Method == http.MethodConnect {
		return nil, fmt.Errorf("%w: CONNECT refused", types.ErrSandbox)
	}

	target := r.URL
	host := target.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", types.ErrSandbox)
	}
	// Raw IP literals never pass, regardless of the allowlist.
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return nil, fmt.Errorf("%w: IP literal refused", types.ErrSandbox)
	}
	if !hostAllowed(host, allowedHosts) {
		logging.Sandbox("proxy refused %s for job %s: host not declared", host, jobID)
		return nil, fmt.Errorf("%w: host %s not in allowlist", types.ErrSandbox, host)
	}

	// Leak-scan the outbound body before any network activity (including
	// DNS: the guarded dialer only runs after this passes).
	var bodyBytes []byte
	if r.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(io.LimitReader(r.Body, proxyBodyLimit+1))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrSandbox, err)
		}
		if len(bodyBytes) > proxyBodyLimit {
			return nil, fmt.Errorf("%w: request body exceeds proxy limit", types.ErrSandbox)
		}
		if err := p.pipeline.ScanOutbound(string(bodyBytes)); err != nil {
			logging.Sandbox("proxy blocked leak in request body for job %s", jobID)
			return nil, fmt.Errorf("%w: leak blocked", types.ErrSandbox)
		}
	}
	for name, vals := range r.Header {
		for _, v := range vals {
			if err := p.pipeline.ScanOutbound(name + ": " + v); err != nil {
				return nil, fmt.Errorf("%w: leak blocked in header", types.ErrSandbox)
			}
		}
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), strings.NewReader(string(bodyBytes)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSandbox, err)
	}
	for name, vals := range r.Header {
		// Hop-by-hop and auth headers do not pass through; credentials
		// reach requests only via declared placeholder injection.
		switch strings.ToLower(name) {
		case "authorization", "proxy-authorization", "cookie", "connection", "host":
			continue
		}
		for _, v := range vals {
			out.Header.Add(name, v)
		}
	}

	resp, err := p.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrExternalService, err)
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: redirect refused", types.ErrSandbox)
	}

	// Scan the response after decompression.
	body := resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err == nil {
			body = gz
		}
	}
	data, err := io.ReadAll(io.LimitReader(body, proxyBodyLimit+1))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrExternalService, err)
	}
	if len(data) > proxyBodyLimit {
		return nil, fmt.Errorf("%w: response exceeds proxy limit", types.ErrSandbox)
	}
	if err := p.pipeline.ScanOutbound(string(data)); err != nil {
		logging.Sandbox("proxy blocked leak in response body for job %s", jobID)
		return nil, fmt.Errorf("%w: leak blocked in response", types.ErrSandbox)
	}

	resp.Body = io.NopCloser(strings.NewReader(string(data)))
	resp.Header.Del("Content-Encoding")
	resp.ContentLength = int64(len(data))
	return resp, nil
}

// hostAllowed matches exact names and single-level wildcards
// ("*.example.com").
func hostAllowed(host string, allowed map[string]bool) bool {
	host = strings.ToLower(host)
	if allowed[host] {
		return true
	}
	if idx := strings.Index(host, "."); idx > 0 {
		if allowed["*"+host[idx:]] {
			return true
		}
	}
	return false
}
