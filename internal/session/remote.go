package session

import (
	"context"
	"io"
	"log"
	"time"

	"kbagent/internal/credentials"
	"kbagent/internal/foundry"
)

// Remote is the agents service as seen by the controller and executor.
// *foundry.Client is the production implementation.
type Remote interface {
	CreateVectorStore(ctx context.Context, name string) (foundry.VectorStore, error)
	DeleteVectorStore(ctx context.Context, id string) error
	UploadFile(ctx context.Context, filename string, content io.Reader) (foundry.File, error)
	DeleteFile(ctx context.Context, id string) error
	AttachFile(ctx context.Context, vectorStoreID, fileID string) error
	CreateAgent(ctx context.Context, req foundry.AgentRequest) (foundry.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	CreateThread(ctx context.Context) (foundry.Thread, error)
	DeleteThread(ctx context.Context, id string) error
	CreateMessage(ctx context.Context, threadID, role, content string) (foundry.Message, error)
	CreateRun(ctx context.Context, threadID, agentID string) (foundry.Run, error)
	GetRun(ctx context.Context, threadID, runID string) (foundry.Run, error)
	CancelRun(ctx context.Context, threadID, runID string) (foundry.Run, error)
	ListMessages(ctx context.Context, threadID string, opts foundry.ListOptions) (foundry.MessagePage, error)
	Close() error
}

var _ Remote = (*foundry.Client)(nil)

// Dialer opens a connection: credential plus client.
type Dialer func(ctx context.Context) (Remote, error)

// FoundryDialer returns a Dialer that builds an authorizer from creds and a
// REST client for endpoint.
func FoundryDialer(endpoint, apiVersion string, creds *credentials.Credentials, timeout time.Duration, logger *log.Logger) Dialer {
	return func(_ context.Context) (Remote, error) {
		auth, err := credentials.NewAuthorizer(creds)
		if err != nil {
			return nil, err
		}
		client, err := foundry.NewClient(endpoint, apiVersion, auth, timeout, logger)
		if err != nil {
			_ = auth.Close()
			return nil, err
		}
		return client, nil
	}
}

// StaticDialer always hands out the same remote.
func StaticDialer(remote Remote) Dialer {
	return func(context.Context) (Remote, error) {
		return remote, nil
	}
}

// Resource kinds reported to the ledger.
const (
	KindAgent       = "agent"
	KindVectorStore = "vector_store"
	KindFile        = "file"
	KindThread      = "thread"
)

// Ledger records remote resources as they are created and deleted.
type Ledger interface {
	RecordCreated(ctx context.Context, kind, remoteID string) error
	RecordDeleted(ctx context.Context, kind, remoteID string) error
}

type nopLedger struct{}

func (nopLedger) RecordCreated(context.Context, string, string) error { return nil }
func (nopLedger) RecordDeleted(context.Context, string, string) error { return nil }
