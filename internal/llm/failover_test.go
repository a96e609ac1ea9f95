package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailoverFallsBackToSecondary(t *testing.T) {
	p1 := NewStubProvider("p1").
		EnqueueError(errors.New("boom")).
		EnqueueError(errors.New("boom again"))
	p2 := NewStubProvider("p2").
		Enqueue(&Response{Text: "served by p2", FinishReason: FinishStop})

	f := NewFailover([]Provider{p1, p2}, 100*time.Millisecond, 3, time.Second)

	resp, err := f.Complete(context.Background(), &Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "served by p2", resp.Text)

	stats := f.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats[0].ConsecutiveFailures)
	assert.True(t, stats[0].CooldownUntil.After(time.Now()), "p1 must be in cooldown")
	assert.Equal(t, 0, stats[1].ConsecutiveFailures)
}

func TestFailoverExponentialCooldown(t *testing.T) {
	base := 200 * time.Millisecond
	state := &providerState{}

	state.recordFailure(base)
	first := time.Until(state.cooldownUntil)
	assert.Greater(t, first, 100*time.Millisecond)
	assert.LessOrEqual(t, first, base)

	state.recordFailure(base)
	second := time.Until(state.cooldownUntil)
	assert.Greater(t, second, first, "second failure must cool down at least twice as long")
	assert.LessOrEqual(t, second, 2*base)
}

func TestFailoverCooldownCap(t *testing.T) {
	state := &providerState{}
	for i := 0; i < 20; i++ {
		state.recordFailure(5 * time.Second)
	}
	assert.LessOrEqual(t, time.Until(state.cooldownUntil), maxCooldown)
}

func TestFailoverSuccessResetsCounter(t *testing.T) {
	state := &providerState{}
	state.recordFailure(time.Second)
	state.recordFailure(time.Second)
	require.Equal(t, 2, state.consecutiveFailures)

	state.recordSuccess()
	assert.Equal(t, 0, state.consecutiveFailures)
	assert.True(t, state.available(time.Now()))
}

func TestFailoverExhaustionSurfacesError(t *testing.T) {
	p1 := NewStubProvider("p1").
		EnqueueError(errors.New("down")).
		EnqueueError(errors.New("down")).
		EnqueueError(errors.New("down"))
	f := NewFailover([]Provider{p1}, time.Hour, 3, time.Second)

	_, err := f.Complete(context.Background(), &Request{})
	assert.Error(t, err)
}

func TestFailoverSkipsCooledDownProvider(t *testing.T) {
	p1 := NewStubProvider("p1").EnqueueError(errors.New("down"))
	p2 := NewStubProvider("p2").
		Enqueue(&Response{Text: "first", FinishReason: FinishStop}).
		Enqueue(&Response{Text: "second", FinishReason: FinishStop})
	f := NewFailover([]Provider{p1, p2}, time.Hour, 3, time.Second)

	resp, err := f.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Text)

	// p1 is cooling down for an hour; the next call must go straight to
	// p2 without touching p1.
	resp, err = f.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Text)
	assert.Equal(t, 1, p1.CallCount())
}

func TestPricingCost(t *testing.T) {
	p := Pricing{InputPerToken: 0.000001, OutputPerToken: 0.000002}
	resp := &Response{PromptTokens: 1000, CompletionTokens: 500}
	assert.InDelta(t, 0.002, p.Cost(resp), 1e-9)
}
