package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Auth modes understood by NewAuthorizer.
const (
	ModeAzure = "azure"
	ModeKey   = "key"
)

// EnvAPIKey lets CI or one-off runs supply a key without touching the file.
const EnvAPIKey = "KBAGENT_API_KEY"

// Credentials stores how the client authenticates against the agents service.
type Credentials struct {
	AuthMode string `yaml:"auth_mode"`
	APIKey   string `yaml:"api_key,omitempty"`
	TenantID string `yaml:"tenant_id,omitempty"`
}

// Manager handles credential storage and retrieval
type Manager struct {
	path string
}

// NewManager creates a new credential manager
// Checks KBAGENT_CREDENTIALS_PATH environment variable first.
// If not set, defaults to ~/.kbagent/credentials.yaml
func NewManager() (*Manager, error) {
	credPath := os.Getenv("KBAGENT_CREDENTIALS_PATH")
	if credPath == "" {
		credPath = filepath.Join(getConfigDir(), "credentials.yaml")
	}
	return &Manager{path: credPath}, nil
}

// NewManagerAt is NewManager with an explicit file path.
func NewManagerAt(path string) *Manager {
	return &Manager{path: path}
}

func getConfigDir() string {
	if configDir := os.Getenv("KBAGENT_CONFIG_DIR"); configDir != "" {
		return configDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kbagent"
	}
	return filepath.Join(home, ".kbagent")
}

// Load reads credentials from disk. A missing file yields Azure AD defaults.
// KBAGENT_API_KEY, when set, switches the result to key auth.
func (m *Manager) Load() (*Credentials, error) {
	creds := &Credentials{}
	data, err := os.ReadFile(m.path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, creds); err != nil {
			return nil, fmt.Errorf("parse credentials: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	if key := strings.TrimSpace(os.Getenv(EnvAPIKey)); key != "" {
		creds.APIKey = key
		creds.AuthMode = ModeKey
	}
	creds.normalize()
	return creds, nil
}

// Save writes credentials to disk
func (m *Manager) Save(creds *Credentials) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}

	data, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	// user-only read/write
	if err := os.WriteFile(m.path, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Exists checks if credentials file exists
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the credentials file path
func (m *Manager) Path() string {
	return m.path
}

// UsesKey reports whether requests authenticate with a static API key.
func (c *Credentials) UsesKey() bool {
	return c.AuthMode == ModeKey && c.APIKey != ""
}

// SetAPIKey switches to key auth with the given key.
func (c *Credentials) SetAPIKey(key string) {
	c.APIKey = strings.TrimSpace(key)
	c.AuthMode = ModeKey
}

// UseAzure switches back to Azure AD token auth, keeping any stored key.
func (c *Credentials) UseAzure(tenantID string) {
	c.AuthMode = ModeAzure
	c.TenantID = strings.TrimSpace(tenantID)
}

func (c *Credentials) normalize() {
	c.AuthMode = strings.ToLower(strings.TrimSpace(c.AuthMode))
	if c.AuthMode == "" {
		if c.APIKey != "" {
			c.AuthMode = ModeKey
		} else {
			c.AuthMode = ModeAzure
		}
	}
}
