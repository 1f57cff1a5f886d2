package offline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/domain/shared"
)

func TestParseActionKind(t *testing.T) {
	k, err := ParseActionKind(" lesson_completion ")
	require.NoError(t, err)
	assert.Equal(t, KindLessonCompletion, k)

	_, err = ParseActionKind("REFUND")
	assert.ErrorIs(t, err, shared.ErrInvalidActionKind)
	assert.True(t, shared.IsValidation(err))
}

func TestActionKindFor(t *testing.T) {
	k, ok := ActionKindFor(progression.ActivityGameComplete)
	assert.True(t, ok)
	assert.Equal(t, KindGameResult, k)

	_, ok = ActionKindFor(progression.ActivityQuizCorrect)
	assert.False(t, ok)
}

func TestNewPendingAction(t *testing.T) {
	a, err := NewPendingAction(KindTaskCompletion, CompletionPayload{
		EntityID: "task-7",
		Result:   CompletionResult{Patch: progression.AvatarPatch{XPDelta: 25}},
	})
	require.NoError(t, err)
	assert.Empty(t, a.ID)

	p, err := a.Completion()
	require.NoError(t, err)
	assert.Equal(t, "task-7", p.EntityID)
	assert.Equal(t, 25, p.Result.Patch.XPDelta)

	_, err = NewPendingAction("BOGUS", map[string]int{"a": 1})
	assert.ErrorIs(t, err, shared.ErrInvalidActionKind)

	_, err = NewPendingAction(KindGenericCall, nil)
	assert.ErrorIs(t, err, shared.ErrEmptyPayload)
}

func TestPendingAction_Decoding(t *testing.T) {
	a := PendingAction{Kind: KindLessonCompletion, Payload: json.RawMessage(`{"result":{}}`)}
	_, err := a.Completion()
	assert.ErrorIs(t, err, shared.ErrEmptyValue, "entity id is required")

	a = PendingAction{Kind: KindLessonCompletion, Payload: json.RawMessage(`[1,2]`)}
	_, err = a.Completion()
	assert.ErrorIs(t, err, shared.ErrInvalidFormat)

	_, err = a.GenericCall()
	assert.ErrorIs(t, err, shared.ErrInvalidActionKind)

	g := PendingAction{Kind: KindGenericCall, Payload: json.RawMessage(`{"method":"post","endpoint":"/api/notes","body":{"t":"x"}}`)}
	call, err := g.GenericCall()
	require.NoError(t, err)
	assert.Equal(t, "/api/notes", call.Endpoint)

	g.Payload = json.RawMessage(`{"method":"POST","endpoint":"https://evil.example/x"}`)
	_, err = g.GenericCall()
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	g.Payload = json.RawMessage(`{"method":"TRACE","endpoint":"/x"}`)
	_, err = g.GenericCall()
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestDrainSummary(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s := NewDrainSummary(start)
	assert.NotNil(t, s.SucceededIDs)
	assert.NotNil(t, s.FailedIDs)
	assert.Zero(t, s.Processed())

	s.SucceededIDs = append(s.SucceededIDs, "a", "b")
	s.FailedIDs = append(s.FailedIDs, "c")
	s.FinishedAt = start.Add(3 * time.Second)
	assert.Equal(t, 3, s.Processed())
	assert.Equal(t, 3*time.Second, s.Duration())

	raw, err := json.Marshal(NewDrainSummary(start))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"succeededIds":[]`)
}

func TestPendingAction_Exhausted(t *testing.T) {
	a := PendingAction{RetryCount: 2}
	assert.False(t, a.Exhausted(DefaultMaxRetries))
	a.RetryCount++
	assert.True(t, a.Exhausted(DefaultMaxRetries))
}
