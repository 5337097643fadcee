package session

import (
	"context"
	"errors"

	"kbagent/internal/foundry"
	"kbagent/internal/logging"
)

// Resource is a remote resource known to the ledger.
type Resource struct {
	Kind string
	ID   string
}

// sweepOrder matches the disconnect order.
var sweepOrder = []string{KindAgent, KindVectorStore, KindFile, KindThread}

// Sweep deletes resources left behind by earlier sessions, in teardown order.
// Resources already gone count as deleted. It returns how many were removed.
func Sweep(ctx context.Context, remote Remote, resources []Resource, ledger Ledger, logger *logging.StructuredLogger) (int, error) {
	if ledger == nil {
		ledger = nopLedger{}
	}
	if logger == nil {
		logger = logging.NewStructuredLogger(nil, "cleanup", false)
	}
	byKind := make(map[string][]string)
	for _, r := range resources {
		byKind[r.Kind] = append(byKind[r.Kind], r.ID)
	}

	var errs []error
	removed := 0
	for _, kind := range sweepOrder {
		for _, id := range byKind[kind] {
			if err := ctx.Err(); err != nil {
				return removed, errors.Join(append(errs, err)...)
			}
			err := deleterFor(remote, kind)(ctx, id)
			if err != nil && !foundry.IsNotFound(err) {
				logger.Warn("cleanup failed", logging.Fields{"kind": kind, "error": foundry.Redact(err.Error())})
				errs = append(errs, &TeardownError{Step: kind, Err: err})
				continue
			}
			if err := ledger.RecordDeleted(ctx, kind, id); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
		delete(byKind, kind)
	}
	for kind := range byKind {
		logger.Warn("unknown resource kind in ledger", logging.Fields{"kind": kind})
	}
	logger.Info("cleanup finished", logging.Fields{"removed": removed, "failed": len(errs)})
	return removed, errors.Join(errs...)
}

func deleterFor(remote Remote, kind string) func(context.Context, string) error {
	switch kind {
	case KindAgent:
		return remote.DeleteAgent
	case KindVectorStore:
		return remote.DeleteVectorStore
	case KindFile:
		return remote.DeleteFile
	default:
		return remote.DeleteThread
	}
}
