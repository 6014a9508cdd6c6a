// Package vault keeps coordinator-generated secrets in a BoltDB file.
package vault

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"htlcswap/native/coordinator"
)

var bucketSecrets = []byte("secrets")

// Vault implements coordinator.Vault.
type Vault struct {
	db *bolt.DB
}

var _ coordinator.Vault = (*Vault)(nil)

type secretRecord struct {
	Secret   []byte    `json:"secret"`
	StoredAt time.Time `json:"storedAt"`
}

// Open opens (and migrates) the vault at path.
func Open(path string, options *bolt.Options) (*Vault, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("vault path required")
	}
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSecrets)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Vault{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (v *Vault) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

// PutSecret stores secret for the session, replacing any previous value.
func (v *Vault) PutSecret(sessionID string, secret []byte) error {
	raw, err := json.Marshal(secretRecord{Secret: secret, StoredAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Put([]byte(sessionID), raw)
	})
}

// GetSecret returns coordinator.ErrSecretNotFound when nothing is stored.
func (v *Vault) GetSecret(sessionID string) ([]byte, error) {
	var rec secretRecord
	err := v.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSecrets).Get([]byte(sessionID))
		if raw == nil {
			return coordinator.ErrSecretNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec.Secret, nil
}
