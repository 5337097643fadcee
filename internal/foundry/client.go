package foundry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"

	"kbagent/internal/credentials"
	"kbagent/internal/logging"
)

// FilePurpose is the purpose tag for documents used by agents.
const FilePurpose = "assistants"

const (
	moduleName    = "kbagent"
	moduleVersion = "v1.0.0"
	maxGetRetries = 2
)

var retryStatusCodes = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Client is a minimal wrapper around the agents REST API of a project endpoint.
// Requests go through an azcore pipeline that carries the authorizer's policy
// and retries reads.
type Client struct {
	pipeline   runtime.Pipeline
	httpClient *http.Client
	endpoint   string
	apiVersion string
	auth       credentials.Authorizer
	logger     *log.Logger
	retry      policy.RetryOptions
}

// NewClient wires together the dependencies for API access.
func NewClient(endpoint, apiVersion string, auth credentials.Authorizer, timeout time.Duration, logger *log.Logger) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("endpoint must be provided")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if auth == nil {
		return nil, fmt.Errorf("authorizer must be provided")
	}
	if logger == nil {
		logger = log.Default()
	}
	if apiVersion == "" {
		apiVersion = "v1"
	}
	httpClient := &http.Client{Timeout: timeout}
	pl := runtime.NewPipeline(moduleName, moduleVersion,
		runtime.PipelineOptions{PerRetry: []policy.Policy{auth.Policy()}},
		&policy.ClientOptions{
			Transport: httpClient,
			Telemetry: policy.TelemetryOptions{ApplicationID: moduleName},
		})
	return &Client{
		pipeline:   pl,
		httpClient: httpClient,
		endpoint:   trimmed,
		apiVersion: apiVersion,
		auth:       auth,
		logger:     logger,
		retry: policy.RetryOptions{
			MaxRetries:    maxGetRetries,
			RetryDelay:    500 * time.Millisecond,
			MaxRetryDelay: 30 * time.Second,
			StatusCodes:   retryStatusCodes,
		},
	}, nil
}

// Close releases the credential held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return c.auth.Close()
}

// CreateVectorStore creates an empty knowledge store.
func (c *Client) CreateVectorStore(ctx context.Context, name string) (VectorStore, error) {
	var out VectorStore
	err := c.doJSON(ctx, "create vector store", http.MethodPost, "vector_stores", nil, map[string]any{"name": name}, &out)
	return out, err
}

// DeleteVectorStore removes a knowledge store. Uploaded files survive it.
func (c *Client) DeleteVectorStore(ctx context.Context, id string) error {
	return c.doDelete(ctx, "delete vector store", "vector_stores", id)
}

// UploadFile sends one document as multipart form data under filename.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader) (File, error) {
	var out File
	data, err := io.ReadAll(content)
	if err != nil {
		return out, fmt.Errorf("read file data: %w", err)
	}
	req, err := c.newRequest(ctx, "upload file", http.MethodPost, "files", nil)
	if err != nil {
		return out, err
	}
	err = runtime.SetMultipartFormData(req, map[string]any{
		"purpose": FilePurpose,
		"file": streaming.MultipartContent{
			Body:     streaming.NopCloser(bytes.NewReader(data)),
			Filename: filename,
		},
	})
	if err != nil {
		return out, fmt.Errorf("upload file: encode form: %w", err)
	}
	logging.DevLog("foundry: uploading %s (%d bytes)", filename, len(data))
	err = c.send("upload file", req, &out)
	return out, err
}

// DeleteFile removes an uploaded document.
func (c *Client) DeleteFile(ctx context.Context, id string) error {
	return c.doDelete(ctx, "delete file", "files", id)
}

// AttachFile adds an uploaded file to a vector store.
func (c *Client) AttachFile(ctx context.Context, vectorStoreID, fileID string) error {
	var out VectorStoreFile
	return c.doJSON(ctx, "attach file", http.MethodPost,
		"vector_stores/"+url.PathEscape(vectorStoreID)+"/files", nil,
		map[string]any{"file_id": fileID}, &out)
}

// CreateAgent creates an agent bound to a model deployment.
func (c *Client) CreateAgent(ctx context.Context, req AgentRequest) (Agent, error) {
	var out Agent
	err := c.doJSON(ctx, "create agent", http.MethodPost, "assistants", nil, req, &out)
	return out, err
}

// DeleteAgent removes an agent.
func (c *Client) DeleteAgent(ctx context.Context, id string) error {
	return c.doDelete(ctx, "delete agent", "assistants", id)
}

// CreateThread opens an empty conversation thread.
func (c *Client) CreateThread(ctx context.Context) (Thread, error) {
	var out Thread
	err := c.doJSON(ctx, "create thread", http.MethodPost, "threads", nil, map[string]any{}, &out)
	return out, err
}

// DeleteThread removes a thread and its messages.
func (c *Client) DeleteThread(ctx context.Context, id string) error {
	return c.doDelete(ctx, "delete thread", "threads", id)
}

// CreateMessage appends a message to a thread.
func (c *Client) CreateMessage(ctx context.Context, threadID, role, content string) (Message, error) {
	var out Message
	err := c.doJSON(ctx, "create message", http.MethodPost,
		"threads/"+url.PathEscape(threadID)+"/messages", nil,
		map[string]any{"role": role, "content": content}, &out)
	return out, err
}

// CreateRun starts the agent on the thread's current messages.
func (c *Client) CreateRun(ctx context.Context, threadID, agentID string) (Run, error) {
	var out Run
	err := c.doJSON(ctx, "create run", http.MethodPost,
		"threads/"+url.PathEscape(threadID)+"/runs", nil,
		map[string]any{"assistant_id": agentID}, &out)
	return out, err
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	var out Run
	err := c.doJSON(ctx, "get run", http.MethodGet,
		"threads/"+url.PathEscape(threadID)+"/runs/"+url.PathEscape(runID), nil, nil, &out)
	return out, err
}

// CancelRun asks the service to stop a run.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) (Run, error) {
	var out Run
	err := c.doJSON(ctx, "cancel run", http.MethodPost,
		"threads/"+url.PathEscape(threadID)+"/runs/"+url.PathEscape(runID)+"/cancel", nil, map[string]any{}, &out)
	return out, err
}

// ListMessages returns one page of a thread's messages.
func (c *Client) ListMessages(ctx context.Context, threadID string, opts ListOptions) (MessagePage, error) {
	var out MessagePage
	query := url.Values{}
	if opts.Order != "" {
		query.Set("order", opts.Order)
	}
	if opts.After != "" {
		query.Set("after", opts.After)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.RunID != "" {
		query.Set("run_id", opts.RunID)
	}
	err := c.doJSON(ctx, "list messages", http.MethodGet,
		"threads/"+url.PathEscape(threadID)+"/messages", query, nil, &out)
	return out, err
}

func (c *Client) url(p string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", c.apiVersion)
	return c.endpoint + "/" + strings.TrimLeft(p, "/") + "?" + query.Encode()
}

func (c *Client) doDelete(ctx context.Context, op, collection, id string) error {
	var out deletionStatus
	if err := c.doJSON(ctx, op, http.MethodDelete, collection+"/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return err
	}
	if out.ID != "" && !out.Deleted {
		return fmt.Errorf("%s: service reported the resource was not deleted", op)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, op, method, p string, query url.Values, payload, out any) error {
	req, err := c.newRequest(ctx, op, method, p, query)
	if err != nil {
		return err
	}
	if payload != nil {
		if err := runtime.MarshalAsJSON(req, payload); err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
	}
	return c.send(op, req, out)
}

// newRequest builds a pipeline request. Only GETs are retried so that a
// create is never sent twice.
func (c *Client) newRequest(ctx context.Context, op, method, p string, query url.Values) (*policy.Request, error) {
	retry := policy.RetryOptions{MaxRetries: -1}
	if method == http.MethodGet {
		retry = c.retry
	}
	req, err := runtime.NewRequest(policy.WithRetryOptions(ctx, retry), method, c.url(p, query))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Raw().Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) send(op string, req *policy.Request, out any) error {
	resp, err := c.pipeline.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", op, err)
	}
	body, err := runtime.Payload(resp)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	c.logger.Printf("[foundry] %s %s -> %d (%d bytes)", req.Raw().Method, req.Raw().URL.Path, resp.StatusCode, len(body))

	if resp.StatusCode >= 300 {
		ae := newAPIError(op, resp, body)
		logging.ErrorLog("foundry %s failed: %v", op, ae)
		return ae
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: parse response: %w", op, err)
	}
	return nil
}
