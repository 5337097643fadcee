package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbagent/internal/foundry"
)

func connected(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, Options{})
	require.NoError(t, f.ctrl.Connect(context.Background()))
	return f
}

func TestSubmitRequiresConnection(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.exec.Submit(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, f.remote.Calls())
}

func TestSubmitRejectsEmptyText(t *testing.T) {
	f := connected(t)
	_, err := f.exec.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Zero(t, f.remote.Count("CreateMessage"))
}

func TestSubmitPollsUntilCompleted(t *testing.T) {
	f := connected(t)
	f.remote.Statuses = []foundry.RunStatus{foundry.RunQueued, foundry.RunInProgress, foundry.RunInProgress, foundry.RunCompleted}

	turn, err := f.exec.Submit(context.Background(), "How do I reset my password?")
	require.NoError(t, err)
	assert.Equal(t, foundry.RunCompleted, turn.Status)
	assert.Equal(t, 4, turn.Polls)
	assert.Equal(t, 4, f.remote.Count("GetRun"))
	assert.Equal(t, "MOCK RESPONSE: How do I reset my password?", turn.Reply)
	assert.False(t, turn.Failed)
	assert.False(t, turn.Empty)
}

func TestSubmitReplyUsesOnlyText(t *testing.T) {
	f := connected(t)
	f.remote.Reply = func(string) []foundry.ContentPart {
		return []foundry.ContentPart{
			foundry.NewTextPart("Restart the router. "),
			{Kind: foundry.ContentImageFile, Type: "image_file", ImageFile: &foundry.ImageFileFragment{FileID: "f"}},
			foundry.NewTextPart("Then call support."),
		}
	}

	turn, err := f.exec.Submit(context.Background(), "wifi down")
	require.NoError(t, err)
	assert.Equal(t, "Restart the router. Then call support.", turn.Reply)
}

func TestSubmitReportsFailedRun(t *testing.T) {
	f := connected(t)
	f.remote.Statuses = []foundry.RunStatus{foundry.RunInProgress, foundry.RunFailed}
	f.remote.RunError = &foundry.RunError{Code: "server_error", Message: "model overloaded on run_42"}

	turn, err := f.exec.Submit(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, turn.Failed)
	assert.Equal(t, foundry.RunFailed, turn.Status)
	assert.Contains(t, turn.Reply, "failed")
	assert.Contains(t, turn.Reply, "model overloaded")
	assert.NotContains(t, turn.Reply, "run_42")
	assert.Zero(t, f.remote.Count("ListMessages"))
}

func TestSubmitTerminalStatuses(t *testing.T) {
	for _, status := range []foundry.RunStatus{foundry.RunCancelled, foundry.RunExpired, foundry.RunRequiresAction, foundry.RunIncomplete} {
		t.Run(string(status), func(t *testing.T) {
			f := connected(t)
			f.remote.Statuses = []foundry.RunStatus{status}

			turn, err := f.exec.Submit(context.Background(), "hello")
			require.NoError(t, err)
			assert.True(t, turn.Failed)
			assert.Contains(t, turn.Reply, string(status))
			assert.Equal(t, 1, f.remote.Count("GetRun"))
		})
	}
}

func TestSubmitEmptyReply(t *testing.T) {
	f := connected(t)
	f.remote.Reply = func(string) []foundry.ContentPart { return nil }

	turn, err := f.exec.Submit(context.Background(), "first")
	require.NoError(t, err)
	assert.True(t, turn.Empty)
	assert.Empty(t, turn.Reply)
}

func TestSubmitIgnoresOlderReplies(t *testing.T) {
	f := connected(t)
	_, err := f.exec.Submit(context.Background(), "first")
	require.NoError(t, err)

	f.remote.Reply = func(string) []foundry.ContentPart { return nil }
	turn, err := f.exec.Submit(context.Background(), "second")
	require.NoError(t, err)
	assert.True(t, turn.Empty)
}

func TestSubmitTimesOutAndCancelsRun(t *testing.T) {
	f := connected(t)
	f.remote.Statuses = []foundry.RunStatus{foundry.RunInProgress}
	exec := NewExecutor(f.ctrl.Session(), time.Millisecond, 20*time.Millisecond, quietLogger())

	turn, err := exec.Submit(context.Background(), "slow question")
	require.ErrorIs(t, err, ErrRunTimeout)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, 1, f.remote.Count("CancelRun"))
	assert.NotEmpty(t, turn.RunID)
}

func TestSubmitHonoursCallerCancel(t *testing.T) {
	f := connected(t)
	f.remote.Statuses = []foundry.RunStatus{foundry.RunInProgress}
	exec := NewExecutor(f.ctrl.Session(), time.Millisecond, 0, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := exec.Submit(ctx, "question")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsTimeout(err))
	assert.Equal(t, 1, f.remote.Count("CancelRun"))
}

func TestSubmitPropagatesServiceErrors(t *testing.T) {
	f := connected(t)
	f.remote.FailOn("CreateRun", &foundry.APIError{Type: foundry.ErrorTypeRateLimit, StatusCode: 429, Operation: "create run"})

	_, err := f.exec.Submit(context.Background(), "hello")
	var ae *foundry.APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, foundry.ErrorTypeRateLimit, ae.Type)

	// the session is usable again afterwards
	f.remote.FailOn("CreateRun", nil)
	_, err = f.exec.Submit(context.Background(), "hello again")
	assert.NoError(t, err)
}

func TestSubmitAfterDisconnect(t *testing.T) {
	f := connected(t)
	require.NoError(t, f.ctrl.Disconnect(context.Background()))
	_, err := f.exec.Submit(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSweepDeletesInTeardownOrder(t *testing.T) {
	f := newFixture(t, Options{})
	ledger := newMemLedger()
	resources := []Resource{
		{Kind: KindThread, ID: "thread_1"},
		{Kind: KindFile, ID: "file_1"},
		{Kind: KindAgent, ID: "asst_1"},
		{Kind: KindVectorStore, ID: "vs_1"},
	}
	for _, r := range resources {
		require.NoError(t, ledger.RecordCreated(context.Background(), r.Kind, r.ID))
	}
	f.remote.FailOn("DeleteFile", &foundry.APIError{Type: foundry.ErrorTypeNotFound, StatusCode: 404})

	removed, err := Sweep(context.Background(), f.remote, resources, ledger, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
	assert.Empty(t, ledger.outstanding())

	var ops []string
	for _, c := range f.remote.Calls() {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []string{"DeleteAgent", "DeleteVectorStore", "DeleteFile", "DeleteThread"}, ops)
}
