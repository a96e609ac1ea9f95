// Package sandbox implements the orchestrator/worker protocol: per-job
// bearer tokens, the host-served worker API, the egress proxy with SSRF
// and leak guards, and the worker-side client used inside containers.
package sandbox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// tokenBytes is the entropy of a job token (hex-encoded on the wire).
const tokenBytes = 32

// jobCredential is the orchestrator-side record for one job.
type jobCredential struct {
	token     string
	jobID     uuid.UUID
	userID    string
	expiresAt time.Time

	allowedHosts   map[string]bool
	allowedSecrets map[string]bool
}

// TokenManager issues and verifies per-job bearer tokens. Tokens live
// only in process memory, expire after the TTL, and are revoked on a
// job's terminal transition.
type TokenManager struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*jobCredential
	ttl  time.Duration
}

// NewTokenManager creates the manager. ttl defaults to 10 minutes.
func NewTokenManager(ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TokenManager{jobs: make(map[uuid.UUID]*jobCredential), ttl: ttl}
}

// Issue generates a CSPRNG token for the job and records its capability
// declaration. The token string is returned once; it is never logged.
func (m *TokenManager) Issue(jobID uuid.UUID, userID string, allowedHosts, allowedSecrets []string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token generation: %w", err)
	}
	token := hex.EncodeToString(buf)

	hosts := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		hosts[h] = true
	}
	secrets := make(map[string]bool, len(allowedSecrets))
	for _, s := range allowedSecrets {
		secrets[s] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID] = &jobCredential{
		token:          token,
		jobID:          jobID,
		userID:         userID,
		expiresAt:      time.Now().Add(m.ttl),
		allowedHosts:   hosts,
		allowedSecrets: secrets,
	}
	return token, nil
}

// Verify checks the presented token for the job in constant time.
// Expired and revoked tokens fail identically.
func (m *TokenManager) Verify(jobID uuid.UUID, presented string) error {
	m.mu.RLock()
	cred, ok := m.jobs[jobID]
	m.mu.RUnlock()

	// Compare against a dummy of equal length on every path so timing
	// does not reveal whether the job exists.
	expected := make([]byte, tokenBytes*2)
	valid := false
	if ok {
		copy(expected, cred.token)
		valid = time.Now().Before(cred.expiresAt)
	}
	match := subtle.ConstantTimeCompare(expected, padTo([]byte(presented), tokenBytes*2)) == 1
	if !ok || !match {
		return types.ErrNotAuthorized
	}
	if !valid {
		return types.ErrTokenExpired
	}
	return nil
}

// padTo returns b truncated or zero-padded to n bytes so the comparison
// length is fixed.
func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Revoke drops the job's token; called on terminal transitions.
func (m *TokenManager) Revoke(jobID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
}

// Credential returns the capability declaration for a verified job.
func (m *TokenManager) Credential(jobID uuid.UUID) (userID string, hosts, secrets map[string]bool, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.jobs[jobID]
	if !ok {
		return "", nil, nil, false
	}
	return cred.userID, cred.allowedHosts, cred.allowedSecrets, true
}

// Sweep removes expired tokens; the background loop calls it.
func (m *TokenManager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, cred := range m.jobs {
		if now.After(cred.expiresAt) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}
