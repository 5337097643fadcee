package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbagent/internal/foundry/mockremote"
	"kbagent/internal/logging"
	"kbagent/internal/session"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "kbagent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestLedgerTracksOutstanding(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.RecordCreated(ctx, "vector_store", "vs_1"))
	require.NoError(t, s.RecordCreated(ctx, "agent", "asst_1"))
	require.NoError(t, s.RecordCreated(ctx, "thread", "thread_1"))
	require.NoError(t, s.RecordDeleted(ctx, "agent", "asst_1"))
	require.NoError(t, s.RecordDeleted(ctx, "agent", "asst_unknown"))

	left, err := s.Outstanding(ctx)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "vs_1", left[0].RemoteID)
	assert.Equal(t, "vector_store", left[0].Kind)
	assert.Equal(t, "thread_1", left[1].RemoteID)
	assert.False(t, left[0].CreatedAt.IsZero())
}

func TestRecordCreatedAgainRevives(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.RecordCreated(ctx, "file", "file_1"))
	require.NoError(t, s.RecordDeleted(ctx, "file", "file_1"))
	require.NoError(t, s.RecordCreated(ctx, "file", "file_1"))

	left, err := s.Outstanding(ctx)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestTranscriptLimitKeepsNewest(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	for _, line := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendTranscript(ctx, "sess-a", "user", line))
	}
	require.NoError(t, s.AppendTranscript(ctx, "sess-b", "user", "other"))

	entries, err := s.Transcript(ctx, "sess-a", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Content)
	assert.Equal(t, "three", entries[1].Content)

	all, err := s.Transcript(ctx, "sess-a", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbagent.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordCreated(context.Background(), "agent", "asst_9"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	left, err := s.Outstanding(context.Background())
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "asst_9", left[0].RemoteID)
}

func TestOpenRecreatesGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbagent.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite database, just some bytes padding it out"), 0o644))

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.RecordCreated(context.Background(), "thread", "thread_1"))
}

func openAt(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOutstandingSkipsRunningSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbagent.db")
	ctx := context.Background()
	live := openAt(t, path)
	require.NoError(t, live.BeginSession(ctx, "live"))
	require.NoError(t, live.RecordCreated(ctx, "agent", "asst_live"))

	cleanup := openAt(t, path)
	left, err := cleanup.Outstanding(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)

	mine, err := live.Outstanding(ctx)
	require.NoError(t, err)
	assert.Empty(t, mine)

	require.NoError(t, live.EndSession(ctx))
	left, err = cleanup.Outstanding(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "asst_live", left[0].RemoteID)
	assert.Equal(t, "live", left[0].SessionID)
}

func TestOutstandingIncludesSessionsWithStaleHeartbeat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbagent.db")
	ctx := context.Background()
	crashed := openAt(t, path)
	require.NoError(t, crashed.BeginSession(ctx, "crashed"))
	require.NoError(t, crashed.RecordCreated(ctx, "thread", "thread_1"))

	cleanup := openAt(t, path)
	later := time.Now().Add(LiveWindow - time.Minute)
	cleanup.now = func() time.Time { return later }
	left, err := cleanup.Outstanding(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)

	later = time.Now().Add(LiveWindow + time.Minute)
	left, err = cleanup.Outstanding(ctx)
	require.NoError(t, err)
	assert.Len(t, left, 1)

	crashed.now = func() time.Time { return later }
	require.NoError(t, crashed.Heartbeat(ctx))
	left, err = cleanup.Outstanding(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestKeepAliveStopsWithContext(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.BeginSession(context.Background(), "sess"))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.KeepAlive(ctx, 5*time.Millisecond))
}

func TestOpenMigratesLedgerWithoutSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbagent.db")
	db, err := openDB(path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE resources (
	kind TEXT NOT NULL,
	remote_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	deleted_at INTEGER,
	PRIMARY KEY (kind, remote_id)
)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO resources (kind, remote_id, created_at) VALUES ('agent', 'asst_old', 1)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s := openAt(t, path)
	left, err := s.Outstanding(context.Background())
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "asst_old", left[0].RemoteID)
	assert.Empty(t, left[0].SessionID)
}

func TestSweepLeavesConnectedSessionAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbagent.db")
	ctx := context.Background()
	quiet := logging.NewStructuredLogger(logging.Discard(), "test", false)

	ledger := openAt(t, path)
	require.NoError(t, ledger.BeginSession(ctx, "running"))
	remote := mockremote.New()
	ctrl := session.NewController(session.New(), session.Options{
		Endpoint:         "https://example.services.ai.azure.com/api/projects/demo",
		Model:            "gpt-4o",
		VectorStoreName:  "kb",
		AgentNamePrefix:  "support-agent",
		InstructionsPath: filepath.Join(t.TempDir(), "missing.txt"),
	}, session.StaticDialer(remote), ledger, quiet)
	require.NoError(t, ctrl.Connect(ctx))

	cleanup := openAt(t, path)
	left, err := cleanup.Outstanding(ctx)
	require.NoError(t, err)
	require.Empty(t, left)

	removed, err := session.Sweep(ctx, remote, toResources(left), cleanup, quiet)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, session.Connected, ctrl.Session().State())
	assert.Zero(t, remote.Count("DeleteAgent"))

	require.NoError(t, ledger.EndSession(ctx))
	left, err = cleanup.Outstanding(ctx)
	require.NoError(t, err)
	require.Len(t, left, 3)
	removed, err = session.Sweep(ctx, remote, toResources(left), cleanup, quiet)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	left, err = cleanup.Outstanding(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func toResources(in []Resource) []session.Resource {
	out := make([]session.Resource, 0, len(in))
	for _, r := range in {
		out = append(out, session.Resource{Kind: r.Kind, ID: r.RemoteID})
	}
	return out
}
