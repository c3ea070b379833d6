package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/botforge/platform/pkg/crypto"
)

const (
	seedBytes    = 32
	seedFileName = "seed.enc"
)

// Manager owns tenant-specific durable directories under a common root.
// Layout per tenant: <root>/<tenantID>/{config,logs} plus the sealed
// wallet seed at the tenant root.
type Manager struct {
	root    string
	sealKey string
}

// New ensures the workspace root exists and is accessible.
func New(root, sealKey string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if sealKey == "" {
		return nil, fmt.Errorf("seed seal key cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root, sealKey: sealKey}, nil
}

// Create builds the tenant's isolated directory tree.
func (m *Manager) Create(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant identifier cannot be empty")
	}
	dir := filepath.Join(m.root, tenantID)
	for _, sub := range []string{"config", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return fmt.Errorf("create tenant workspace: %w", err)
		}
	}
	return nil
}

// GenerateSeed creates the tenant's root secret: a fresh 32-byte
// hex-encoded seed, sealed at rest and written with owner-only
// permissions into the existing workspace. The plaintext seed is
// returned to the caller and must never be logged in full.
func (m *Manager) GenerateSeed(tenantID string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenant identifier cannot be empty")
	}
	raw := make([]byte, seedBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate seed: %w", err)
	}
	seed := hex.EncodeToString(raw)

	sealed, err := crypto.Seal(m.sealKey, []byte(seed))
	if err != nil {
		return "", fmt.Errorf("seal seed: %w", err)
	}
	path := filepath.Join(m.root, tenantID, seedFileName)
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return "", fmt.Errorf("write seed: %w", err)
	}
	return seed, nil
}

// ReadSeed unseals and returns the tenant's stored seed.
func (m *Manager) ReadSeed(tenantID string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenant identifier cannot be empty")
	}
	sealed, err := os.ReadFile(filepath.Join(m.root, tenantID, seedFileName))
	if err != nil {
		return "", fmt.Errorf("read seed: %w", err)
	}
	seed, err := crypto.Open(m.sealKey, sealed)
	if err != nil {
		return "", fmt.Errorf("unseal seed: %w", err)
	}
	return string(seed), nil
}

// WriteConfig persists a named JSON document into the tenant config dir.
func (m *Manager) WriteConfig(tenantID, name string, payload any) error {
	if tenantID == "" {
		return fmt.Errorf("tenant identifier cannot be empty")
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	path := filepath.Join(m.root, tenantID, "config", name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// ConfigDir returns the tenant's config directory path.
func (m *Manager) ConfigDir(tenantID string) string {
	return filepath.Join(m.root, tenantID, "config")
}

// Dir returns the tenant's workspace root path.
func (m *Manager) Dir(tenantID string) string {
	return filepath.Join(m.root, tenantID)
}

// Destroy recursively removes all tenant data.
func (m *Manager) Destroy(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant identifier cannot be empty")
	}
	dir := filepath.Join(m.root, tenantID)
	// Ensure we only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, dir)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove path outside workspace root")
	}
	return os.RemoveAll(dir)
}

// Exists reports whether the tenant workspace directory is present.
func (m *Manager) Exists(tenantID string) bool {
	info, err := os.Stat(filepath.Join(m.root, tenantID))
	return err == nil && info.IsDir()
}
