package session

import (
	"errors"
	"fmt"
	"strings"

	"kbagent/internal/foundry"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrBusy             = errors.New("session is busy")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrRunTimeout       = errors.New("run did not finish before the deadline")
)

// Provisioning and teardown steps.
const (
	StepConnection     = "connection"
	StepKnowledgeStore = "knowledge store"
	StepDocuments      = "documents"
	StepAgent          = "agent"
	StepThread         = "thread"
)

// ConfigurationError means connect was refused before any remote call.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return "configuration incomplete: missing " + strings.Join(e.Missing, ", ")
}

// ProvisioningError wraps the first failure of a connect attempt.
type ProvisioningError struct {
	Step string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("connect failed creating %s: %s", e.Step, foundry.Redact(e.Err.Error()))
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// TeardownError records one failed disconnect step. Disconnect joins them.
type TeardownError struct {
	Step string
	Err  error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("delete %s: %s", e.Step, foundry.Redact(e.Err.Error()))
}

func (e *TeardownError) Unwrap() error { return e.Err }

// RunFailure describes a run that ended in a non-completed terminal status.
// It is reported through Turn, never returned as an error.
type RunFailure struct {
	Status  foundry.RunStatus
	Code    string
	Message string
}

func (f *RunFailure) Error() string {
	msg := fmt.Sprintf("run finished with status %s", f.Status)
	if f.Message != "" {
		msg += ": " + foundry.Redact(f.Message)
	}
	return msg
}

// UserMessage renders err for the transcript without remote identifiers.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return foundry.Redact(err.Error())
}
