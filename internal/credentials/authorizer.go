package credentials

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// AgentsScope is the token audience of the agents data plane.
const AgentsScope = "https://ai.azure.com/.default"

// Authorizer supplies the pipeline policy that puts credentials on outgoing
// requests. It is the credential half of a connection and is closed when the
// connection closes.
type Authorizer interface {
	Policy() policy.Policy
	Close() error
}

// NewAuthorizer picks key auth when the credentials carry a key and Azure AD
// tokens (DefaultAzureCredential chain) otherwise.
func NewAuthorizer(creds *Credentials) (Authorizer, error) {
	if creds != nil && creds.UsesKey() {
		return KeyAuthorizer{Key: creds.APIKey}, nil
	}
	opts := &azidentity.DefaultAzureCredentialOptions{}
	if creds != nil {
		opts.TenantID = creds.TenantID
	}
	cred, err := azidentity.NewDefaultAzureCredential(opts)
	if err != nil {
		return nil, fmt.Errorf("init azure credential: %w", err)
	}
	return NewTokenAuthorizer(cred, AgentsScope), nil
}

var errEmptyKey = errors.New("api key is empty")

// KeyAuthorizer sends a static api-key header.
type KeyAuthorizer struct {
	Key string
}

func (k KeyAuthorizer) Policy() policy.Policy { return keyPolicy{key: k.Key} }

func (KeyAuthorizer) Close() error { return nil }

type keyPolicy struct {
	key string
}

func (p keyPolicy) Do(req *policy.Request) (*http.Response, error) {
	if p.key == "" {
		return nil, errEmptyKey
	}
	req.Raw().Header.Set("api-key", p.key)
	return req.Next()
}

// TokenAuthorizer sends bearer tokens from an azcore credential. Caching and
// early refresh are handled by the azcore bearer token policy.
type TokenAuthorizer struct {
	policy *runtime.BearerTokenPolicy
}

// NewTokenAuthorizer wraps any azcore.TokenCredential.
func NewTokenAuthorizer(cred azcore.TokenCredential, scope string) *TokenAuthorizer {
	return &TokenAuthorizer{policy: runtime.NewBearerTokenPolicy(cred, []string{scope}, nil)}
}

func (t *TokenAuthorizer) Policy() policy.Policy { return t.policy }

func (*TokenAuthorizer) Close() error { return nil }
