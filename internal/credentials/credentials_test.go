package credentials

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileDefaultsToAzure(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	m := NewManagerAt(filepath.Join(t.TempDir(), "credentials.yaml"))

	creds, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, ModeAzure, creds.AuthMode)
	assert.False(t, creds.UsesKey())
	assert.False(t, m.Exists())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	m := NewManagerAt(filepath.Join(t.TempDir(), "nested", "credentials.yaml"))

	creds := &Credentials{}
	creds.SetAPIKey("  secret-key ")
	require.NoError(t, m.Save(creds))

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.True(t, loaded.UsesKey())
	assert.Equal(t, "secret-key", loaded.APIKey)
}

func TestEnvKeyOverridesFile(t *testing.T) {
	m := NewManagerAt(filepath.Join(t.TempDir(), "credentials.yaml"))
	require.NoError(t, m.Save(&Credentials{AuthMode: ModeAzure, TenantID: "t1"}))
	t.Setenv(EnvAPIKey, "from-env")

	creds, err := m.Load()
	require.NoError(t, err)
	assert.True(t, creds.UsesKey())
	assert.Equal(t, "from-env", creds.APIKey)
}

type recordingTransport struct {
	headers []http.Header
}

func (rt *recordingTransport) Do(req *http.Request) (*http.Response, error) {
	rt.headers = append(rt.headers, req.Header.Clone())
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("{}")),
		Request:    req,
	}, nil
}

func sendThrough(t *testing.T, auth Authorizer, rt *recordingTransport, url string) error {
	t.Helper()
	pl := runtime.NewPipeline("kbagent", "test",
		runtime.PipelineOptions{PerRetry: []policy.Policy{auth.Policy()}},
		&policy.ClientOptions{Transport: rt, Retry: policy.RetryOptions{MaxRetries: -1}})
	req, err := runtime.NewRequest(context.Background(), http.MethodGet, url)
	require.NoError(t, err)
	resp, err := pl.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	return err
}

func TestKeyAuthorizerSetsHeader(t *testing.T) {
	auth, err := NewAuthorizer(&Credentials{AuthMode: ModeKey, APIKey: "abc"})
	require.NoError(t, err)

	rt := &recordingTransport{}
	require.NoError(t, sendThrough(t, auth, rt, "http://localhost/threads"))
	require.Len(t, rt.headers, 1)
	assert.Equal(t, "abc", rt.headers[0].Get("api-key"))
	assert.Empty(t, rt.headers[0].Get("Authorization"))
}

func TestKeyAuthorizerRejectsEmptyKey(t *testing.T) {
	rt := &recordingTransport{}
	err := sendThrough(t, KeyAuthorizer{}, rt, "https://example.test/threads")
	require.ErrorIs(t, err, errEmptyKey)
	assert.Empty(t, rt.headers)
}

type countingCredential struct {
	calls   int
	expires time.Time
	err     error
}

func (c *countingCredential) GetToken(_ context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	c.calls++
	if c.err != nil {
		return azcore.AccessToken{}, c.err
	}
	if len(opts.Scopes) != 1 || opts.Scopes[0] != AgentsScope {
		return azcore.AccessToken{}, errors.New("unexpected scope")
	}
	return azcore.AccessToken{Token: "tok", ExpiresOn: c.expires}, nil
}

func TestTokenAuthorizerCachesToken(t *testing.T) {
	cred := &countingCredential{expires: time.Now().Add(time.Hour)}
	auth := NewTokenAuthorizer(cred, AgentsScope)
	rt := &recordingTransport{}

	for i := 0; i < 3; i++ {
		require.NoError(t, sendThrough(t, auth, rt, "https://example.test/threads"))
	}
	require.Len(t, rt.headers, 3)
	for _, h := range rt.headers {
		assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	}
	assert.Equal(t, 1, cred.calls)
	require.NoError(t, auth.Close())
}

func TestTokenAuthorizerRefreshesExpiredToken(t *testing.T) {
	cred := &countingCredential{expires: time.Now().Add(-time.Minute)}
	auth := NewTokenAuthorizer(cred, AgentsScope)
	rt := &recordingTransport{}

	require.NoError(t, sendThrough(t, auth, rt, "https://example.test/threads"))
	require.NoError(t, sendThrough(t, auth, rt, "https://example.test/threads"))
	assert.Equal(t, 2, cred.calls)
}

func TestTokenAuthorizerPropagatesErrors(t *testing.T) {
	auth := NewTokenAuthorizer(&countingCredential{err: errors.New("no login")}, AgentsScope)
	rt := &recordingTransport{}
	err := sendThrough(t, auth, rt, "https://example.test/threads")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no login")
	assert.Empty(t, rt.headers)
}

func TestTokenAuthorizerRefusesPlainHTTP(t *testing.T) {
	cred := &countingCredential{expires: time.Now().Add(time.Hour)}
	rt := &recordingTransport{}
	err := sendThrough(t, NewTokenAuthorizer(cred, AgentsScope), rt, "http://example.test/threads")
	require.Error(t, err)
	assert.Zero(t, cred.calls)
	assert.Empty(t, rt.headers)
}

func TestSetupMenuStoresKey(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	m := NewManagerAt(filepath.Join(t.TempDir(), "credentials.yaml"))
	in := bufio.NewReader(strings.NewReader("2\nmy-key-1234\n3\n"))

	require.NoError(t, setupMenu(m, in, io.Discard))

	creds, err := m.Load()
	require.NoError(t, err)
	assert.True(t, creds.UsesKey())
	assert.Equal(t, "my-key-1234", creds.APIKey)
	assert.Equal(t, "API key (****1234)", describe(creds))
}
