package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"kbagent/internal/logging"
	"kbagent/internal/session"
	"kbagent/internal/worker"
)

// teardownTimeout bounds the disconnect performed when the shell exits.
const teardownTimeout = 2 * time.Minute

// Options wires the shell.
type Options struct {
	Controller  *session.Controller
	Executor    *session.Executor
	Worker      *worker.Worker
	Transcript  TranscriptStore
	SessionID   string
	Examples    []string
	HistoryPath string
	Plain       bool
	AutoConnect bool
	In          io.Reader // nil means stdin
	Out         io.Writer // nil means stdout
	Logger      *log.Logger
}

// Shell is the interactive chat front end. Every remote operation goes
// through the worker; the shell only waits on it.
type Shell struct {
	ctrl        *session.Controller
	exec        *session.Executor
	worker      *worker.Worker
	examples    []string
	history     string
	in          io.Reader
	out         io.Writer
	isTTY       bool
	autoConnect bool
	logger      *log.Logger
	log         *transcript

	inFlightMu     sync.Mutex
	inFlightCancel context.CancelFunc
}

type promptExit struct{}

// New builds a shell.
func New(opts Options) *Shell {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	in := opts.In
	isTTY := false
	if in == nil {
		in = os.Stdin
		isTTY = term.IsTerminal(int(os.Stdin.Fd()))
	}

	var renderer *glamour.TermRenderer
	if !opts.Plain && opts.Out == nil && term.IsTerminal(int(os.Stdout.Fd())) {
		if r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(0),
		); err == nil {
			renderer = r
		} else {
			logger.Printf("markdown renderer unavailable: %v", err)
		}
	}

	return &Shell{
		ctrl:        opts.Controller,
		exec:        opts.Executor,
		worker:      opts.Worker,
		examples:    opts.Examples,
		history:     opts.HistoryPath,
		in:          in,
		out:         out,
		isTTY:       isTTY,
		autoConnect: opts.AutoConnect,
		logger:      logger,
		log:         newTranscript(out, renderer, opts.Plain, opts.Transcript, opts.SessionID, logger),
	}
}

// Run starts the REPL and blocks until the user exits or ctx is done. The
// session is disconnected on the way out.
func (s *Shell) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.shutdown(ctx)

	fmt.Fprintln(s.out, "Knowledge base agent. Type ':connect' to start, ':help' for commands, double Ctrl+C to exit.")
	if missing := s.missingConfig(); missing != "" {
		s.log.addf(EntrySystem, "configuration incomplete (%s); set it in the config file or environment before connecting", missing)
	}
	if s.autoConnect {
		_ = s.connect(ctx)
	}
	tracker := newInterruptTracker(2 * time.Second)
	if s.isTTY {
		return s.runPrompt(ctx, cancel, tracker)
	}
	go s.handleInterrupts(ctx, cancel, tracker)
	return s.runNonInteractive(ctx, cancel)
}

// RunOneShot connects, sends text, prints the reply and disconnects.
func (s *Shell) RunOneShot(ctx context.Context, text string) error {
	defer s.shutdown(ctx)
	if err := s.connect(ctx); err != nil {
		return err
	}
	return s.send(ctx, text)
}

func (s *Shell) missingConfig() string {
	var cfgErr *session.ConfigurationError
	if err := s.ctrl.Check(); errors.As(err, &cfgErr) {
		return strings.Join(cfgErr.Missing, ", ")
	}
	return ""
}

func (s *Shell) runPrompt(ctx context.Context, cancel context.CancelFunc, tracker *interruptTracker) (err error) {
	history := loadInputHistory(s.history)

	var restore func()
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		if state, terr := term.GetState(fd); terr == nil {
			restore = func() { _ = term.Restore(fd, state) }
		}
	}
	if restore != nil {
		defer restore()
	}

	var exitRequested atomic.Bool
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(promptExit); ok {
				err = nil
				return
			}
			panic(r)
		}
	}()

	executor := func(in string) {
		if exitRequested.Load() || ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(in)
		if line == "" {
			return
		}
		history.Add(line)
		if exit := s.handleLine(ctx, line); exit {
			exitRequested.Store(true)
			cancel()
			panic(promptExit{})
		}
	}

	p := prompt.New(
		executor,
		commandCompleter,
		prompt.OptionHistory(history.Entries()),
		prompt.OptionTitle("kbagent"),
		prompt.OptionLivePrefix(func() (string, bool) {
			return fmt.Sprintf("[%s] > ", s.ctrl.Session().State()), true
		}),
		prompt.OptionAddKeyBind(
			prompt.KeyBind{
				Key: prompt.ControlC,
				Fn: func(*prompt.Buffer) {
					if tracker.secondPress() {
						fmt.Fprintln(s.out, "\nReceived second Ctrl+C, exiting.")
						exitRequested.Store(true)
						cancel()
						panic(promptExit{})
					}
					fmt.Fprintln(s.out, "\n(Press Ctrl+C again within 2s to exit)")
				},
			},
			prompt.KeyBind{
				Key: prompt.ControlD,
				Fn: func(buf *prompt.Buffer) {
					if buf.Text() == "" {
						exitRequested.Store(true)
						cancel()
						panic(promptExit{})
					}
				},
			},
		),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool {
			return exitRequested.Load() || ctx.Err() != nil
		}),
	)

	p.Run()
	return nil
}

func commandCompleter(doc prompt.Document) []prompt.Suggest {
	prefix := strings.TrimLeft(doc.TextBeforeCursor(), " \t")
	if !strings.HasPrefix(prefix, ":") {
		return nil
	}
	return prompt.FilterHasPrefix(commandSuggestions, doc.GetWordBeforeCursor(), true)
}

func (s *Shell) runNonInteractive(ctx context.Context, cancel context.CancelFunc) error {
	reader := bufio.NewReader(s.in)
	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprintf(s.out, "[%s] > ", s.ctrl.Session().State())

		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			fmt.Fprintln(s.out)
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if exit := s.handleLine(ctx, strings.TrimSpace(line)); exit {
			cancel()
			return nil
		}
		if err != nil {
			return nil
		}
	}
}

// handleInterrupts cancels the in-flight turn on the first Ctrl+C and exits
// on a second one within the tracker window.
func (s *Shell) handleInterrupts(ctx context.Context, cancel context.CancelFunc, tracker *interruptTracker) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			if s.cancelInFlight() {
				fmt.Fprintln(s.out, "\n(Current request cancelled.)")
				continue
			}
			if tracker.secondPress() {
				fmt.Fprintln(s.out, "\nReceived second Ctrl+C, exiting.")
				cancel()
				return
			}
			fmt.Fprintln(s.out, "\n(Press Ctrl+C again within 2s to exit)")
		}
	}
}

func (s *Shell) handleLine(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, ":") {
		return s.handleCommand(ctx, line)
	}
	if err := s.send(ctx, line); err != nil {
		logging.DevLog("turn error: %v", err)
	}
	return false
}

func (s *Shell) connect(ctx context.Context) error {
	if s.ctrl.Session().State() == session.Connected {
		s.log.add(EntrySystem, "Already connected.")
		return nil
	}
	s.log.add(EntrySystem, "Connecting: creating knowledge store, uploading documents, creating agent...")
	err := s.worker.Do(ctx, s.ctrl.Connect)
	if err != nil {
		s.log.add(EntryError, session.UserMessage(err))
		return err
	}
	snap := s.ctrl.Session().Snapshot()
	search := "on"
	if !snap.KnowledgeSearch {
		search = "off (service rejected file_search)"
	}
	s.log.addf(EntrySystem, "Connected. %d document(s) uploaded, knowledge search %s.", len(snap.Documents), search)
	return nil
}

func (s *Shell) disconnect(ctx context.Context) {
	if s.ctrl.Session().State() == session.Disconnected {
		s.log.add(EntrySystem, "Not connected.")
		return
	}
	s.log.add(EntrySystem, "Disconnecting and deleting remote resources...")
	if err := s.worker.Do(ctx, s.ctrl.Disconnect); err != nil {
		if errors.Is(err, session.ErrBusy) {
			s.log.add(EntryError, "A request is still running; try again when it finishes.")
			return
		}
		// teardown failures are logged; the session is disconnected regardless
		s.logger.Printf("disconnect: %v", err)
		s.log.add(EntrySystem, "Disconnected (some resources could not be deleted; run kbagent -cleanup later).")
		return
	}
	s.log.add(EntrySystem, "Disconnected.")
}

func (s *Shell) send(ctx context.Context, text string) error {
	if s.ctrl.Session().State() != session.Connected {
		s.log.add(EntrySystem, "Not connected. Use :connect first.")
		return session.ErrNotConnected
	}
	s.log.add(EntryUser, text)

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.isTTY {
		// go-prompt restores cooked mode while a line executes, so Ctrl+C arrives as a signal
		var stop context.CancelFunc
		turnCtx, stop = signal.NotifyContext(turnCtx, os.Interrupt)
		defer stop()
	}
	s.setInFlight(cancel)
	defer s.clearInFlight()

	var turn session.Turn
	err := s.worker.Do(turnCtx, func(jobCtx context.Context) error {
		var err error
		turn, err = s.exec.Submit(jobCtx, text)
		return err
	})
	switch {
	case err != nil && ctx.Err() == nil && errors.Is(err, context.Canceled):
		s.log.add(EntrySystem, "Request cancelled.")
		return err
	case session.IsTimeout(err):
		s.log.add(EntryError, "The agent did not answer in time; the run was cancelled.")
		return err
	case err != nil:
		s.log.add(EntryError, session.UserMessage(err))
		return err
	case turn.Failed:
		s.log.add(EntryError, turn.Reply)
	case turn.Empty:
		s.log.add(EntrySystem, "No response from the agent.")
	default:
		s.log.add(EntryAgent, turn.Reply)
	}
	logging.DevLog("turn done: status=%s polls=%d elapsed=%s", turn.Status, turn.Polls, turn.Elapsed)
	return nil
}

// shutdown disconnects with a fresh deadline so an exiting shell still
// cleans up after its context was cancelled.
func (s *Shell) shutdown(ctx context.Context) {
	if s.ctrl.Session().State() == session.Disconnected {
		return
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	var err error
	select {
	case <-s.worker.Stopped():
		err = s.ctrl.Disconnect(tctx)
	default:
		err = s.worker.Do(tctx, s.ctrl.Disconnect)
		if errors.Is(err, worker.ErrStopped) {
			err = s.ctrl.Disconnect(tctx)
		}
	}
	if err != nil {
		s.logger.Printf("disconnect on exit: %v", err)
		fmt.Fprintln(s.out, "Some remote resources could not be deleted; run kbagent -cleanup later.")
	}
}

func (s *Shell) setInFlight(cancel context.CancelFunc) {
	s.inFlightMu.Lock()
	s.inFlightCancel = cancel
	s.inFlightMu.Unlock()
}

func (s *Shell) clearInFlight() {
	s.inFlightMu.Lock()
	s.inFlightCancel = nil
	s.inFlightMu.Unlock()
}

func (s *Shell) cancelInFlight() bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if s.inFlightCancel == nil {
		return false
	}
	s.inFlightCancel()
	s.inFlightCancel = nil
	return true
}

type interruptTracker struct {
	mu     sync.Mutex
	last   time.Time
	window time.Duration
}

func newInterruptTracker(window time.Duration) *interruptTracker {
	return &interruptTracker{window: window}
}

func (t *interruptTracker) secondPress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if !t.last.IsZero() && now.Sub(t.last) < t.window {
		t.last = time.Time{}
		return true
	}
	t.last = now
	return false
}
