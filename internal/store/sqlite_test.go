package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func seedThread(t *testing.T, s *SQLiteStore, userID string) (*types.Session, *types.Thread) {
	t.Helper()
	ctx := context.Background()
	thread := &types.Thread{ID: uuid.New(), UserID: userID, State: types.ThreadIdle}
	session := &types.Session{
		ID:                uuid.New(),
		UserID:            userID,
		ActiveThreadID:    thread.ID,
		AutoApprovedTools: map[string]bool{},
	}
	thread.SessionID = session.ID
	require.NoError(t, s.CreateSession(ctx, session))
	require.NoError(t, s.CreateThread(ctx, thread))
	return session, thread
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session, _ := seedThread(t, s, "alice")

	loaded, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, loaded.ID)
	assert.Equal(t, "alice", loaded.UserID)
	assert.Equal(t, session.ActiveThreadID, loaded.ActiveThreadID)

	require.NoError(t, s.UpdateSessionAutoApproved(ctx, session.ID, map[string]bool{"shell": true}))
	loaded, err = s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, loaded.AutoApprovedTools["shell"])
}

func TestTurnNumbersAreSequential(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, thread := seedThread(t, s, "alice")

	for i := 0; i < 5; i++ {
		turn := &types.Turn{ID: uuid.New(), ThreadID: thread.ID, UserInput: "hi", State: types.TurnInProgress}
		require.NoError(t, s.CreateTurn(ctx, turn))
		assert.Equal(t, i, turn.TurnNumber)
	}

	loaded, err := s.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	count, err := s.CountTurns(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.TurnCount)
	assert.Equal(t, loaded.TurnCount, count, "turn_count must equal |turns|")

	turns, err := s.ListTurns(ctx, thread.ID, 0)
	require.NoError(t, err)
	for i, turn := range turns {
		assert.Equal(t, i, turn.TurnNumber)
	}
}

func TestJobStateMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &types.Job{ID: uuid.New(), UserID: "alice", Title: "t", State: types.JobPending, Mode: types.JobModeLocal}
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.UpdateJobState(ctx, job.ID, types.JobInProgress))
	require.NoError(t, s.UpdateJobState(ctx, job.ID, types.JobStuck))
	require.NoError(t, s.UpdateJobState(ctx, job.ID, types.JobInProgress))
	require.NoError(t, s.UpdateJobState(ctx, job.ID, types.JobFailed))

	// Terminal states admit no further transitions.
	err := s.UpdateJobState(ctx, job.ID, types.JobInProgress)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	err = s.UpdateJobState(ctx, job.ID, types.JobAccepted)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestJobIllegalTransitionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &types.Job{ID: uuid.New(), UserID: "alice", Title: "t", State: types.JobPending, Mode: types.JobModeLocal}
	require.NoError(t, s.CreateJob(ctx, job))

	// Pending cannot jump straight to Accepted.
	err := s.UpdateJobState(ctx, job.ID, types.JobAccepted)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestJobOwnershipIsNotAnExistenceOracle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &types.Job{ID: uuid.New(), UserID: "alice", Title: "t", State: types.JobPending, Mode: types.JobModeLocal}
	require.NoError(t, s.CreateJob(ctx, job))

	_, err := s.JobOwnedBy(ctx, job.ID, "mallory")
	assert.ErrorIs(t, err, types.ErrNotAuthorized)

	_, err = s.JobOwnedBy(ctx, uuid.New(), "mallory")
	assert.ErrorIs(t, err, types.ErrNotAuthorized, "missing jobs must look identical to foreign jobs")
}

func TestSettingsBulkWriteRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	values := map[string]any{
		"heartbeat.enabled": true,
		"llm.model":         "gemini-2.0-flash",
		"agent.max_parallel_jobs": float64(8),
		"nested": map[string]any{"a": float64(1)},
	}
	require.NoError(t, s.SetSettingsBulk(ctx, "alice", values))

	loaded, err := s.ListSettings(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, values, loaded)
}

func TestConnectionConstraints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docA := &types.MemoryDocument{ID: uuid.New(), UserID: "alice", Path: "/a.md", Content: "a"}
	docB := &types.MemoryDocument{ID: uuid.New(), UserID: "alice", Path: "/b.md", Content: "b"}
	require.NoError(t, s.UpsertDocument(ctx, docA, nil))
	require.NoError(t, s.UpsertDocument(ctx, docB, nil))

	conn := &types.MemoryConnection{SourceID: docA.ID, TargetID: docB.ID, Type: types.ConnectionExtends, Strength: 0.7}
	require.NoError(t, s.UpsertConnection(ctx, conn))

	// Self connections are rejected.
	self := &types.MemoryConnection{SourceID: docA.ID, TargetID: docA.ID, Type: types.ConnectionUpdates}
	assert.ErrorIs(t, s.UpsertConnection(ctx, self), types.ErrConstraint)

	// Upserting the same triple updates rather than duplicating.
	conn.Strength = 0.9
	require.NoError(t, s.UpsertConnection(ctx, conn))
	conns, err := s.ListConnections(ctx, docA.ID)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.InDelta(t, 0.9, conns[0].Strength, 1e-9)
}

func TestTraverseConnectionsTerminatesOnCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docA := &types.MemoryDocument{ID: uuid.New(), UserID: "alice", Path: "/a.md", Content: "a"}
	docB := &types.MemoryDocument{ID: uuid.New(), UserID: "alice", Path: "/b.md", Content: "b"}
	require.NoError(t, s.UpsertDocument(ctx, docA, nil))
	require.NoError(t, s.UpsertDocument(ctx, docB, nil))

	require.NoError(t, s.UpsertConnection(ctx, &types.MemoryConnection{
		SourceID: docA.ID, TargetID: docB.ID, Type: types.ConnectionExtends}))
	require.NoError(t, s.UpsertConnection(ctx, &types.MemoryConnection{
		SourceID: docB.ID, TargetID: docA.ID, Type: types.ConnectionExtends}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		conns, err := s.TraverseConnections(ctx, docA.ID, 10)
		assert.NoError(t, err)
		assert.NotEmpty(t, conns)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("traversal did not terminate on a cyclic graph")
	}
}

func TestChunkReplaceIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := &types.MemoryDocument{ID: uuid.New(), UserID: "alice", Path: "/doc.md", Content: "v1"}
	chunks1 := []*types.MemoryChunk{
		{ID: uuid.New(), ChunkIndex: 0, Content: "v1 chunk 0"},
		{ID: uuid.New(), ChunkIndex: 1, Content: "v1 chunk 1"},
	}
	require.NoError(t, s.UpsertDocument(ctx, doc, chunks1))

	doc.Content = "v2"
	chunks2 := []*types.MemoryChunk{{ID: uuid.New(), ChunkIndex: 0, Content: "v2 only chunk"}}
	require.NoError(t, s.UpsertDocument(ctx, doc, chunks2))

	loaded, err := s.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 1, "no orphan chunks may survive an update")
	assert.Equal(t, "v2 only chunk", loaded[0].Content)
}

func TestSchemaVersionReported(t *testing.T) {
	s := newTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(sqliteMigrations), v)

	// Re-running migrations is idempotent.
	require.NoError(t, s.Migrate(context.Background()))
	v2, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v, v2)
}

func TestVectorEncodingRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75, 0}
	out := decodeVector(encodeVector(in))
	assert.Equal(t, in, out)
	assert.Nil(t, decodeVector(nil))
	assert.Nil(t, encodeVector(nil))
}
