package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kbagent/internal/foundry"
	"kbagent/internal/instructions"
	"kbagent/internal/logging"
)

// Options configures provisioning.
type Options struct {
	Endpoint         string
	Model            string
	VectorStoreName  string
	AgentNamePrefix  string
	KnowledgeDir     string
	InstructionsPath string
}

// Controller creates and tears down the remote resources of a session.
type Controller struct {
	session *Session
	opts    Options
	dial    Dialer
	ledger  Ledger
	log     *logging.StructuredLogger
	now     func() time.Time
}

// NewController wires a controller. ledger and logger may be nil.
func NewController(sess *Session, opts Options, dial Dialer, ledger Ledger, logger *logging.StructuredLogger) *Controller {
	if ledger == nil {
		ledger = nopLedger{}
	}
	if logger == nil {
		logger = logging.NewStructuredLogger(nil, "lifecycle", false)
	}
	return &Controller{
		session: sess,
		opts:    opts,
		dial:    dial,
		ledger:  ledger,
		log:     logger.WithComponent("lifecycle"),
		now:     time.Now,
	}
}

// Session returns the session the controller manages.
func (c *Controller) Session() *Session {
	return c.session
}

// Check reports a ConfigurationError when endpoint or model is unset.
func (c *Controller) Check() error {
	if missing := c.missing(); len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

func (c *Controller) missing() []string {
	var missing []string
	if strings.TrimSpace(c.opts.Endpoint) == "" {
		missing = append(missing, "project endpoint")
	}
	if strings.TrimSpace(c.opts.Model) == "" {
		missing = append(missing, "model deployment")
	}
	return missing
}

// Connect provisions knowledge store, documents, agent and thread in that
// order. On failure the session returns to Disconnected; resources created so
// far stay in the ledger for a later cleanup.
func (c *Controller) Connect(ctx context.Context) error {
	if err := c.Check(); err != nil {
		return err
	}
	if err := c.session.transition(Disconnected, Connecting); err != nil {
		return err
	}
	start := c.now()
	c.log.Info("connecting", logging.Fields{"model": c.opts.Model})

	remote, err := c.dial(ctx)
	if err != nil {
		c.session.reset()
		c.log.Error("connection failed", logging.Fields{"error": err.Error()})
		return &ProvisioningError{Step: StepConnection, Err: err}
	}

	fail := func(err error) error {
		if cerr := remote.Close(); cerr != nil {
			c.log.Warn("close connection", logging.Fields{"error": cerr.Error()})
		}
		c.session.reset()
		var perr *ProvisioningError
		if errors.As(err, &perr) {
			c.log.Error("connect failed", logging.Fields{"step": perr.Step, "error": foundry.Redact(perr.Err.Error())})
		}
		return err
	}

	instr := instructions.Load(c.opts.InstructionsPath)

	store, err := c.provisionKnowledge(ctx, remote)
	if err != nil {
		return fail(err)
	}

	agent, err := c.createAgent(ctx, remote, instr.Text, store)
	if err != nil {
		return fail(err)
	}

	thread, err := remote.CreateThread(ctx)
	if err != nil {
		return fail(&ProvisioningError{Step: StepThread, Err: err})
	}
	c.record(ctx, KindThread, thread.ID)

	c.session.mu.Lock()
	c.session.remote = remote
	c.session.store = store
	c.session.agent = agent
	c.session.threadID = thread.ID
	c.session.instructions = instr.Source
	c.session.state = Connected
	c.session.mu.Unlock()

	c.log.Info("connected", logging.Fields{
		"documents":        len(store.Documents),
		"knowledge_search": agent.KnowledgeSearch,
		"elapsed_ms":       c.now().Sub(start).Milliseconds(),
	})
	return nil
}

// createAgent asks for an agent with file_search over the store and retries
// once without tools when the service rejects that request.
func (c *Controller) createAgent(ctx context.Context, remote Remote, text string, store *KnowledgeStore) (*Agent, error) {
	req := foundry.AgentRequest{
		Model:        c.opts.Model,
		Name:         fmt.Sprintf("%s-%d", c.opts.AgentNamePrefix, c.now().Unix()),
		Instructions: text,
		Tools:        []foundry.Tool{{Type: foundry.ToolFileSearch}},
		ToolResources: &foundry.ToolResources{
			FileSearch: &foundry.FileSearchResource{VectorStoreIDs: []string{store.ID}},
		},
	}
	created, err := remote.CreateAgent(ctx, req)
	if err != nil && foundry.IsRejected(err) {
		c.log.Warn("file_search rejected, creating agent without tools", logging.Fields{"error": foundry.Redact(err.Error())})
		req.Tools = nil
		req.ToolResources = nil
		created, err = remote.CreateAgent(ctx, req)
	}
	if err != nil {
		return nil, &ProvisioningError{Step: StepAgent, Err: err}
	}
	c.record(ctx, KindAgent, created.ID)

	agent := &Agent{
		ID:              created.ID,
		Model:           req.Model,
		Instructions:    text,
		KnowledgeSearch: created.HasTool(foundry.ToolFileSearch),
	}
	if agent.KnowledgeSearch {
		agent.StoreID = store.ID
	}
	return agent, nil
}

// Disconnect deletes agent, knowledge store, uploaded files and thread, then
// closes the connection. Every step runs even if an earlier one failed; the
// session always ends Disconnected. The joined TeardownErrors are returned.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.session.mu.Lock()
	switch {
	case c.session.state == Disconnected:
		c.session.mu.Unlock()
		return nil
	case c.session.state != Connected || c.session.turning:
		c.session.mu.Unlock()
		return ErrBusy
	}
	c.session.state = Disconnecting
	remote := c.session.remote
	store := c.session.store
	agent := c.session.agent
	threadID := c.session.threadID
	c.session.mu.Unlock()
	defer c.session.reset()

	c.log.Info("disconnecting")
	var errs []error
	step := func(name, kind, id string, del func(context.Context, string) error) {
		if id == "" {
			return
		}
		err := del(ctx, id)
		if err != nil && !foundry.IsNotFound(err) {
			c.log.Warn("teardown step failed", logging.Fields{"step": name, "error": foundry.Redact(err.Error())})
			errs = append(errs, &TeardownError{Step: name, Err: err})
			return
		}
		c.forget(ctx, kind, id)
	}

	if agent != nil {
		step(StepAgent, KindAgent, agent.ID, remote.DeleteAgent)
	}
	if store != nil {
		step(StepKnowledgeStore, KindVectorStore, store.ID, remote.DeleteVectorStore)
		for _, fileID := range store.FileIDs {
			step(StepDocuments, KindFile, fileID, remote.DeleteFile)
		}
	}
	step(StepThread, KindThread, threadID, remote.DeleteThread)

	if err := remote.Close(); err != nil {
		errs = append(errs, &TeardownError{Step: StepConnection, Err: err})
	}
	if len(errs) > 0 {
		c.log.Warn("disconnected with errors", logging.Fields{"failed_steps": len(errs)})
		return errors.Join(errs...)
	}
	c.log.Info("disconnected")
	return nil
}

func (c *Controller) record(ctx context.Context, kind, id string) {
	if err := c.ledger.RecordCreated(ctx, kind, id); err != nil {
		c.log.Warn("ledger write failed", logging.Fields{"kind": kind, "error": err.Error()})
	}
}

func (c *Controller) forget(ctx context.Context, kind, id string) {
	if err := c.ledger.RecordDeleted(ctx, kind, id); err != nil {
		c.log.Warn("ledger write failed", logging.Fields{"kind": kind, "error": err.Error()})
	}
}
