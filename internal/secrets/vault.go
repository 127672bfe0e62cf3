package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const credExt = ".cred"

// FileVault stores one sealed credential blob per agent under a directory.
type FileVault struct {
	dir        string
	passphrase string
}

// NewFileVault creates the vault directory if needed.
func NewFileVault(dir, passphrase string) (*FileVault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	return &FileVault{dir: dir, passphrase: passphrase}, nil
}

// SealAgent writes the sealed credentials for one agent id.
func (v *FileVault) SealAgent(id string, creds Credentials) error {
	blob, err := Seal(creds, v.passphrase)
	if err != nil {
		return fmt.Errorf("seal agent %s: %w", id, err)
	}
	path := filepath.Join(v.dir, id+credExt)
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("write agent %s: %w", id, err)
	}
	return nil
}

// LoadAgents opens every sealed blob in the vault, keyed by agent id.
func (v *FileVault) LoadAgents() (map[string]Credentials, error) {
	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return nil, fmt.Errorf("read vault dir: %w", err)
	}

	out := make(map[string]Credentials)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), credExt) {
			continue
		}
		blob, err := os.ReadFile(filepath.Join(v.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		creds, err := Open(blob, v.passphrase)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", e.Name(), err)
		}
		out[strings.TrimSuffix(e.Name(), credExt)] = creds
	}
	return out, nil
}

// RemoveAgent deletes an agent's sealed blob. Missing files are fine.
func (v *FileVault) RemoveAgent(id string) error {
	err := os.Remove(filepath.Join(v.dir, id+credExt))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove agent %s: %w", id, err)
	}
	return nil
}
