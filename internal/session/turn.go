package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"kbagent/internal/foundry"
	"kbagent/internal/logging"
)

const (
	DefaultPollInterval = 500 * time.Millisecond

	cancelTimeout = 10 * time.Second
)

// Turn is the outcome of one user message.
type Turn struct {
	Text    string
	RunID   string
	Status  foundry.RunStatus
	Reply   string
	Failed  bool
	Failure *RunFailure
	Empty   bool
	Polls   int
	Elapsed time.Duration
}

// Executor runs turns against a connected session.
type Executor struct {
	session  *Session
	interval time.Duration
	timeout  time.Duration
	log      *logging.StructuredLogger
}

// NewExecutor returns an executor. interval <= 0 uses the default; timeout
// <= 0 disables the run deadline.
func NewExecutor(sess *Session, interval, timeout time.Duration, logger *logging.StructuredLogger) *Executor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.NewStructuredLogger(nil, "turn", false)
	}
	return &Executor{
		session:  sess,
		interval: interval,
		timeout:  timeout,
		log:      logger.WithComponent("turn"),
	}
}

// Submit posts text to the thread, runs the agent and waits for its reply.
// Runs ending in a status other than completed are reported via Turn.Failed
// with a nil error.
func (e *Executor) Submit(ctx context.Context, text string) (Turn, error) {
	text = strings.TrimSpace(text)
	turn := Turn{Text: text}
	if text == "" {
		return turn, ErrEmptyMessage
	}
	remote, agentID, threadID, err := e.session.beginTurn()
	if err != nil {
		return turn, err
	}
	defer e.session.endTurn()

	start := time.Now()
	turn, err = e.execute(ctx, remote, agentID, threadID, turn)
	turn.Elapsed = time.Since(start)
	return turn, err
}

func (e *Executor) execute(ctx context.Context, remote Remote, agentID, threadID string, turn Turn) (Turn, error) {
	posted, err := remote.CreateMessage(ctx, threadID, foundry.RoleUser, turn.Text)
	if err != nil {
		return turn, err
	}

	run, err := remote.CreateRun(ctx, threadID, agentID)
	if err != nil {
		return turn, err
	}
	if run.ThreadID == "" {
		run.ThreadID = threadID
	}
	turn.RunID = run.ID
	turn.Status = run.Status
	e.log.Debug("run started", logging.Fields{"status": string(run.Status)})

	run, err = e.wait(ctx, remote, run, &turn)
	if err != nil {
		return turn, err
	}
	turn.Status = run.Status

	if run.Status != foundry.RunCompleted {
		failure := &RunFailure{Status: run.Status}
		if run.LastError != nil {
			failure.Code = run.LastError.Code
			failure.Message = run.LastError.Message
		}
		turn.Failed = true
		turn.Failure = failure
		turn.Reply = failure.Error()
		e.log.Warn("run did not complete", logging.Fields{"status": string(run.Status), "polls": turn.Polls})
		return turn, nil
	}

	reply, err := e.firstReply(ctx, remote, threadID, posted.ID)
	if err != nil {
		return turn, err
	}
	if strings.TrimSpace(reply) == "" {
		turn.Empty = true
	} else {
		turn.Reply = reply
	}
	e.log.Info("turn finished", logging.Fields{"polls": turn.Polls, "empty": turn.Empty})
	return turn, nil
}

// wait polls the run until it leaves the pending statuses, the deadline
// passes or ctx is cancelled. On deadline or cancel it asks the service to
// cancel the run.
func (e *Executor) wait(ctx context.Context, remote Remote, run foundry.Run, turn *Turn) (foundry.Run, error) {
	pollCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	timer := time.NewTimer(e.interval)
	defer timer.Stop()
	for run.Status.Pending() {
		select {
		case <-pollCtx.Done():
			return run, e.abandon(ctx, remote, run)
		case <-timer.C:
		}

		next, err := remote.GetRun(pollCtx, run.ThreadID, run.ID)
		if err != nil {
			if pollCtx.Err() != nil {
				return run, e.abandon(ctx, remote, run)
			}
			return run, err
		}
		turn.Polls++
		if next.ThreadID == "" {
			next.ThreadID = run.ThreadID
		}
		run = next
		turn.Status = run.Status
		timer.Reset(e.interval)
	}
	return run, nil
}

func (e *Executor) abandon(ctx context.Context, remote Remote, run foundry.Run) error {
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if _, err := remote.CancelRun(cancelCtx, run.ThreadID, run.ID); err != nil {
		e.log.Warn("cancel run failed", logging.Fields{"error": foundry.Redact(err.Error())})
	}
	if err := ctx.Err(); err != nil {
		e.log.Info("run cancelled by caller")
		return err
	}
	e.log.Warn("run deadline exceeded", logging.Fields{"timeout": e.timeout.String()})
	return ErrRunTimeout
}

// firstReply walks the thread newest first and returns the text of the first
// assistant message. It stops at the message this turn posted, so an older
// reply is never mistaken for this one.
func (e *Executor) firstReply(ctx context.Context, remote Remote, threadID, postedID string) (string, error) {
	pager := foundry.NewMessagePager(remote, threadID, foundry.ListOptions{Order: "desc"})
	for pager.More() {
		msgs, err := pager.NextPage(ctx)
		if err != nil {
			return "", err
		}
		for _, msg := range msgs {
			if postedID != "" && msg.ID == postedID {
				return "", nil
			}
			if msg.Role == foundry.RoleAssistant {
				return msg.Text(), nil
			}
		}
	}
	return "", nil
}

// IsTimeout reports whether err ended a turn because of the run deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRunTimeout)
}
