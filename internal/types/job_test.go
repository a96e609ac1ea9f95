package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobTransitions(t *testing.T) {
	legal := [][2]JobState{
		{JobPending, JobInProgress},
		{JobInProgress, JobCompleted},
		{JobInProgress, JobStuck},
		{JobStuck, JobInProgress},
		{JobStuck, JobFailed},
		{JobCompleted, JobSubmitted},
		{JobSubmitted, JobAccepted},
		{JobPending, JobCancelled},
	}
	for _, pair := range legal {
		assert.NoError(t, ValidateTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	illegal := [][2]JobState{
		{JobPending, JobCompleted},
		{JobPending, JobAccepted},
		{JobCompleted, JobInProgress},
		{JobFailed, JobInProgress},
		{JobAccepted, JobSubmitted},
		{JobCancelled, JobPending},
	}
	for _, pair := range illegal {
		assert.Error(t, ValidateTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []JobState{JobAccepted, JobFailed, JobCancelled} {
		assert.True(t, s.Terminal())
	}
	for _, s := range []JobState{JobPending, JobInProgress, JobStuck, JobCompleted, JobSubmitted} {
		assert.False(t, s.Terminal())
	}
}

func TestTurnStateTerminal(t *testing.T) {
	assert.True(t, TurnCompleted.Terminal())
	assert.True(t, TurnFailed.Terminal())
	assert.True(t, TurnInterrupted.Terminal())
	assert.False(t, TurnInProgress.Terminal())
}
