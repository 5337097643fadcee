package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kbagent/internal/foundry/mockremote"
	"kbagent/internal/logging"
)

type memLedger struct {
	mu   sync.Mutex
	live map[string]string
}

func newMemLedger() *memLedger {
	return &memLedger{live: make(map[string]string)}
}

func (l *memLedger) RecordCreated(_ context.Context, kind, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.live[id] = kind
	return nil
}

func (l *memLedger) RecordDeleted(_ context.Context, _ string, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.live, id)
	return nil
}

func (l *memLedger) outstanding() []Resource {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Resource
	for id, kind := range l.live {
		out = append(out, Resource{Kind: kind, ID: id})
	}
	return out
}

func quietLogger() *logging.StructuredLogger {
	return logging.NewStructuredLogger(logging.Discard(), "test", false)
}

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("content of "+name), 0o644))
	}
}

type fixture struct {
	remote *mockremote.Remote
	ledger *memLedger
	ctrl   *Controller
	exec   *Executor
	dials  int
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{remote: mockremote.New(), ledger: newMemLedger()}
	if opts.Endpoint == "" && opts.Model == "" {
		opts.Endpoint = "https://example.services.ai.azure.com/api/projects/demo"
		opts.Model = "gpt-4o"
	}
	if opts.VectorStoreName == "" {
		opts.VectorStoreName = "kb"
	}
	if opts.AgentNamePrefix == "" {
		opts.AgentNamePrefix = "support-agent"
	}
	if opts.InstructionsPath == "" {
		opts.InstructionsPath = filepath.Join(t.TempDir(), "missing.txt")
	}
	dial := func(context.Context) (Remote, error) {
		f.dials++
		return f.remote, nil
	}
	sess := New()
	f.ctrl = NewController(sess, opts, dial, f.ledger, quietLogger())
	f.exec = NewExecutor(sess, time.Millisecond, time.Second, quietLogger())
	return f
}
