package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/c-bata/go-prompt"

	"kbagent/internal/session"
)

const defaultHistoryLines = 10

var commandSuggestions = []prompt.Suggest{
	{Text: ":connect", Description: "create the remote agent and upload the knowledge base"},
	{Text: ":disconnect", Description: "delete the remote agent and knowledge base"},
	{Text: ":toggle", Description: "connect or disconnect"},
	{Text: ":status", Description: "show connection details"},
	{Text: ":examples", Description: "list example questions"},
	{Text: ":ex", Description: "send example question N (:ex 2)"},
	{Text: ":history", Description: "show the last N transcript lines"},
	{Text: ":help", Description: "show this text"},
	{Text: ":quit", Description: "exit the program"},
	{Text: ":exit", Description: "exit the program"},
}

// handleCommand runs a ':' command and reports whether the shell should exit.
func (s *Shell) handleCommand(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	switch parts[0] {
	case ":help":
		fmt.Fprintln(s.out, `Commands:
  :connect       create the remote agent and upload the knowledge base
  :disconnect    delete the remote agent, knowledge base and thread
  :toggle        connect when disconnected, disconnect when connected
  :status        show connection details
  :examples      list example questions
  :ex <n>        send example question n
  :history [n]   show the last n transcript lines (default 10)
  :quit          exit the program (disconnects first)`)
	case ":connect":
		_ = s.connect(ctx)
	case ":disconnect":
		s.disconnect(ctx)
	case ":toggle":
		if s.ctrl.Session().State() == session.Connected {
			s.disconnect(ctx)
		} else {
			_ = s.connect(ctx)
		}
	case ":status":
		s.printStatus()
	case ":examples":
		s.printExamples()
	case ":ex":
		if len(parts) < 2 {
			fmt.Fprintln(s.out, ":ex requires an example number (see :examples)")
			return false
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil || n < 1 || n > len(s.examples) {
			fmt.Fprintf(s.out, "example must be between 1 and %d\n", len(s.examples))
			return false
		}
		_ = s.send(ctx, s.examples[n-1])
	case ":history":
		n := defaultHistoryLines
		if len(parts) > 1 {
			v, err := strconv.Atoi(parts[1])
			if err != nil || v < 1 {
				fmt.Fprintln(s.out, ":history expects a positive number")
				return false
			}
			n = v
		}
		s.printHistory(ctx, n)
	case ":quit", ":exit":
		return true
	default:
		fmt.Fprintf(s.out, "unknown command %s (try :help)\n", parts[0])
	}
	return false
}

func (s *Shell) printStatus() {
	snap := s.ctrl.Session().Snapshot()
	fmt.Fprintf(s.out, "State: %s\n", snap.State)
	if snap.State != session.Connected {
		return
	}
	search := "enabled"
	if !snap.KnowledgeSearch {
		search = "disabled"
	}
	fmt.Fprintf(s.out, "Knowledge search: %s\n", search)
	fmt.Fprintf(s.out, "Documents: %d\n", len(snap.Documents))
	for _, doc := range snap.Documents {
		fmt.Fprintf(s.out, "  - %s\n", doc)
	}
	if snap.InstructionsSource != "" {
		fmt.Fprintf(s.out, "Instructions: %s\n", snap.InstructionsSource)
	}
}

func (s *Shell) printExamples() {
	if len(s.examples) == 0 {
		fmt.Fprintln(s.out, "No example questions configured.")
		return
	}
	for i, ex := range s.examples {
		fmt.Fprintf(s.out, "  %d. %s\n", i+1, ex)
	}
}

func (s *Shell) printHistory(ctx context.Context, n int) {
	entries, err := s.log.recent(ctx, n)
	if err != nil {
		fmt.Fprintf(s.out, "history unavailable: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(s.out, "Transcript is empty.")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(s.out, "%s [%s] %s\n", e.CreatedAt.Format("15:04:05"), e.Role, e.Content)
	}
}
