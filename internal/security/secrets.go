package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/paths"

	. "github.com/clawdis/clawdis/internal/logging"
)

// secretsService namespaces this install's entries in the OS keychain.
const secretsService = "clawdis"

// SecretStore persists provider API keys, bot tokens, and bridge secrets.
// It prefers the OS keychain and falls back to an owner-only JSON file when
// no keychain is available (headless Linux boxes without a secret-service
// daemon, containers, CI).
type SecretStore struct {
	fallbackPath string
	useKeychain  bool
}

// NewSecretStore probes keychain availability once and builds a SecretStore.
func NewSecretStore() (*SecretStore, error) {
	fallback, err := paths.DataPath("secrets.json")
	if err != nil {
		return nil, err
	}

	s := &SecretStore{fallbackPath: fallback, useKeychain: true}
	if err := keyring.Set(secretsService, "__probe__", "ok"); err != nil {
		L_debug("security: OS keychain unavailable, using file-backed secret store", "error", err)
		s.useKeychain = false
	} else {
		_ = keyring.Delete(secretsService, "__probe__")
	}
	return s, nil
}

// Set stores a secret under key (e.g. "llm.anthropic.apiKey", "telegram.botToken").
func (s *SecretStore) Set(key, value string) error {
	if s.useKeychain {
		if err := keyring.Set(secretsService, key, value); err == nil {
			return nil
		} else {
			L_warn("security: keychain write failed, falling back to file store", "key", key, "error", err)
			s.useKeychain = false
		}
	}
	return s.setFile(key, value)
}

// Get retrieves a secret, returning ("", false) if unset.
func (s *SecretStore) Get(key string) (string, bool) {
	if s.useKeychain {
		v, err := keyring.Get(secretsService, key)
		if err == nil {
			return v, true
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			L_warn("security: keychain read failed, falling back to file store", "key", key, "error", err)
			s.useKeychain = false
		}
	}
	return s.getFile(key)
}

// Delete removes a secret from whichever backend holds it.
func (s *SecretStore) Delete(key string) error {
	if s.useKeychain {
		if err := keyring.Delete(secretsService, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return err
		}
	}
	return s.deleteFile(key)
}

func (s *SecretStore) loadFile() (map[string]string, error) {
	data, err := os.ReadFile(s.fallbackPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read secret store: %w", err)
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse secret store: %w", err)
	}
	return m, nil
}

func (s *SecretStore) setFile(key, value string) error {
	m, err := s.loadFile()
	if err != nil {
		return err
	}
	m[key] = value
	return config.AtomicWriteJSON(s.fallbackPath, m, 0600)
}

func (s *SecretStore) getFile(key string) (string, bool) {
	m, err := s.loadFile()
	if err != nil {
		L_warn("security: failed to load file-backed secret store", "error", err)
		return "", false
	}
	v, ok := m[key]
	return v, ok
}

func (s *SecretStore) deleteFile(key string) error {
	m, err := s.loadFile()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return config.AtomicWriteJSON(s.fallbackPath, m, 0600)
}
