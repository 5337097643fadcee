package chat

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"

	"kbagent/internal/store"
)

// EntryKind is the role of a transcript line.
type EntryKind string

const (
	EntryUser   EntryKind = "user"
	EntryAgent  EntryKind = "agent"
	EntryError  EntryKind = "error"
	EntrySystem EntryKind = "system"
)

var entryLabels = map[EntryKind]string{
	EntryUser:   "You",
	EntryAgent:  "Agent",
	EntryError:  "Error",
	EntrySystem: "System",
}

// TranscriptStore persists displayed lines. *store.Store implements it.
type TranscriptStore interface {
	AppendTranscript(ctx context.Context, sessionID, role, content string) error
	Transcript(ctx context.Context, sessionID string, limit int) ([]store.Entry, error)
}

// transcript prints entries and keeps them in memory and, optionally, on disk.
type transcript struct {
	mu        sync.Mutex
	out       io.Writer
	render    *glamour.TermRenderer
	styles    map[EntryKind]*color.Color
	store     TranscriptStore
	sessionID string
	logger    *log.Logger
	entries   []store.Entry
}

func newTranscript(out io.Writer, render *glamour.TermRenderer, plain bool, st TranscriptStore, sessionID string, logger *log.Logger) *transcript {
	styles := map[EntryKind]*color.Color{
		EntryUser:   color.New(color.FgCyan, color.Bold),
		EntryAgent:  color.New(color.FgGreen, color.Bold),
		EntryError:  color.New(color.FgRed, color.Bold),
		EntrySystem: color.New(color.FgYellow),
	}
	if plain {
		for _, c := range styles {
			c.DisableColor()
		}
	}
	return &transcript{
		out:       out,
		render:    render,
		styles:    styles,
		store:     st,
		sessionID: sessionID,
		logger:    logger,
	}
}

func (t *transcript) add(kind EntryKind, text string) {
	text = strings.TrimRight(text, "\n")
	t.mu.Lock()
	t.entries = append(t.entries, store.Entry{SessionID: t.sessionID, Role: string(kind), Content: text, CreatedAt: time.Now()})
	t.print(kind, text)
	t.mu.Unlock()

	if t.store == nil {
		return
	}
	if err := t.store.AppendTranscript(context.Background(), t.sessionID, string(kind), text); err != nil {
		t.logger.Printf("transcript write failed: %v", err)
	}
}

func (t *transcript) addf(kind EntryKind, format string, args ...interface{}) {
	t.add(kind, fmt.Sprintf(format, args...))
}

func (t *transcript) print(kind EntryKind, text string) {
	label := t.styles[kind].Sprint(entryLabels[kind] + ":")
	if kind == EntryAgent && t.render != nil && strings.TrimSpace(text) != "" {
		rendered, err := t.render.Render(text)
		if err == nil {
			fmt.Fprintf(t.out, "%s\n%s\n", label, strings.TrimRight(rendered, "\n"))
			return
		}
		t.logger.Printf("markdown render failed: %v", err)
	}
	fmt.Fprintf(t.out, "%s %s\n", label, text)
}

// recent returns the last n entries, from the store when there is one.
func (t *transcript) recent(ctx context.Context, n int) ([]store.Entry, error) {
	if t.store != nil {
		return t.store.Transcript(ctx, t.sessionID, n)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.entries
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return append([]store.Entry(nil), entries...), nil
}
