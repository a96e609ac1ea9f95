package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielsimonjr/ironclaw/internal/llm"
	"github.com/danielsimonjr/ironclaw/internal/safety"
	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *TokenManager, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	pipeline, err := safety.New(safety.Config{MaxContentLength: 1 << 20, InjectionCheckEnabled: true})
	require.NoError(t, err)

	tokens := NewTokenManager(time.Minute)
	// /bin/false as the worker binary: the spawn succeeds, the process
	// exits immediately, and the result channel never fires.
	o := NewOrchestrator(tokens, llm.NewStubProvider("stub"), staticResolver{"github": "gh-value"},
		st, pipeline, "127.0.0.1:0", "/bin/false")
	return o, tokens, st
}

// RunTool must scope the job token and the sandbox job row to the
// tool's declaration and substitute declared credentials before spawn.
func TestRunToolScopesTokenToDeclaration(t *testing.T) {
	o, tokens, st := newTestOrchestrator(t)
	jobID := uuid.New()
	jc := &tools.JobContext{UserID: "alice", JobID: jobID}

	tool := &tools.Tool{
		Name:        "fetcher",
		Description: "declared egress",
		Domain:      tools.DomainContainer,
		Capabilities: &tools.Capabilities{
			AllowedHosts:   []string{"api.example.com"},
			AllowedSecrets: []string{"github"},
		},
		Execute: func(context.Context, map[string]any, *tools.JobContext) (string, error) {
			return "", nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := o.RunTool(ctx, jc, tool, map[string]any{"token": "{{secret:github}}"})
	// The dead worker never reports completion; the context expiry is
	// the expected way out.
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The sandbox job row carries the declaration.
	sj, serr := st.GetSandboxJob(context.Background(), jobID)
	require.NoError(t, serr)
	assert.Equal(t, []string{"api.example.com"}, sj.AllowedHosts)
	assert.Equal(t, []string{"github"}, sj.AllowedSecrets)
	assert.Equal(t, types.JobCancelled, sj.State)

	// Token revoked on the way out.
	_, _, _, ok := tokens.Credential(jobID)
	assert.False(t, ok)
}

func TestRunToolRejectsUndeclaredSecretPlaceholder(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	jc := &tools.JobContext{UserID: "alice", JobID: uuid.New()}

	tool := &tools.Tool{
		Name:        "narrow",
		Description: "no secrets declared",
		Domain:      tools.DomainContainer,
		Execute: func(context.Context, map[string]any, *tools.JobContext) (string, error) {
			return "", nil
		},
	}

	_, err := o.RunTool(context.Background(), jc, tool,
		map[string]any{"token": "{{secret:github}}"})
	assert.ErrorIs(t, err, types.ErrNotAuthorized,
		"an undeclared placeholder must fail before any spawn")
}
