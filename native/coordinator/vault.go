package coordinator

import "sync"

// Vault keeps generated secrets until the destination claim publishes them.
type Vault interface {
	PutSecret(sessionID string, secret []byte) error
	// GetSecret returns ErrSecretNotFound when nothing is stored.
	GetSecret(sessionID string) ([]byte, error)
}

// MemoryVault is a Vault for tests and single-process development.
type MemoryVault struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

func NewMemoryVault() *MemoryVault { return &MemoryVault{secrets: make(map[string][]byte)} }

func (v *MemoryVault) PutSecret(sessionID string, secret []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[sessionID] = append([]byte(nil), secret...)
	return nil
}

func (v *MemoryVault) GetSecret(sessionID string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	secret, ok := v.secrets[sessionID]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return append([]byte(nil), secret...), nil
}
