// Package credentials stores WebDAV Basic-auth credentials for a notebook
// or library. The file on disk is the source of truth and is always
// written with owner-only permissions; the OS keyring is a best-effort
// mirror so the desktop app can show credentials in a native vault, but a
// keyring failure never blocks configure_* or sync_*.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Scope distinguishes the two credential namespaces under .credentials/
// (§6.3): per-notebook and per-library.
type Scope string

const (
	ScopeNotebook Scope = "nous-sync"
	ScopeLibrary  Scope = "nous-library-sync"
)

// Credentials is a Basic-auth username/password pair.
type Credentials struct {
	Username string
	Password string
}

// Keyring is the best-effort OS-keyring mirror. Implementations must not
// block long or panic; Store ignores a Keyring failure and continues.
type Keyring interface {
	Set(scope Scope, id string, c Credentials) error
	Get(scope Scope, id string) (Credentials, bool, error)
	Delete(scope Scope, id string) error
}

// NopKeyring is used on platforms or test environments with no keyring
// integration wired in.
type NopKeyring struct{}

func (NopKeyring) Set(Scope, string, Credentials) error         { return nil }
func (NopKeyring) Get(Scope, string) (Credentials, bool, error)  { return Credentials{}, false, nil }
func (NopKeyring) Delete(Scope, string) error                    { return nil }

// Store reads and writes credential files under <data_dir>/.credentials/,
// mirroring to a Keyring on a best-effort basis.
type Store struct {
	dir     string
	keyring Keyring
}

// NewStore creates a Store rooted at <data_dir>/.credentials. A nil keyring
// defaults to NopKeyring.
func NewStore(dataDir string, keyring Keyring) *Store {
	if keyring == nil {
		keyring = NopKeyring{}
	}
	return &Store{dir: filepath.Join(dataDir, ".credentials"), keyring: keyring}
}

func (s *Store) path(scope Scope, id string) string {
	return filepath.Join(s.dir, string(scope), id)
}

// Save writes credentials as "user:pass" to a mode-0600 file, then mirrors
// to the keyring on a best-effort basis.
func (s *Store) Save(scope Scope, id string, c Credentials) error {
	dir := filepath.Join(s.dir, string(scope))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}
	path := s.path(scope, id)
	data := []byte(c.Username + ":" + c.Password)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials file %s: %w", path, err)
	}
	if err := enforceOwnerOnly(path); err != nil {
		return fmt.Errorf("chmod credentials file %s: %w", path, err)
	}

	_ = s.keyring.Set(scope, id, c) // best-effort; file is the source of truth

	return nil
}

// Load reads credentials, trying the file first and falling back to the
// keyring, per §6.3 ("reads try file first").
func (s *Store) Load(scope Scope, id string) (Credentials, bool, error) {
	data, err := os.ReadFile(s.path(scope, id))
	if err == nil {
		user, pass, ok := strings.Cut(string(data), ":")
		if !ok {
			return Credentials{}, false, fmt.Errorf("malformed credentials file for %s/%s", scope, id)
		}
		return Credentials{Username: user, Password: pass}, true, nil
	}
	if !os.IsNotExist(err) {
		return Credentials{}, false, fmt.Errorf("read credentials file: %w", err)
	}

	c, ok, kerr := s.keyring.Get(scope, id)
	if kerr != nil {
		return Credentials{}, false, nil
	}
	return c, ok, nil
}

// Delete removes both the file and the keyring entry. Neither side failing
// blocks the other.
func (s *Store) Delete(scope Scope, id string) error {
	fileErr := os.Remove(s.path(scope, id))
	if fileErr != nil && !os.IsNotExist(fileErr) {
		fileErr = fmt.Errorf("remove credentials file: %w", fileErr)
	} else {
		fileErr = nil
	}
	_ = s.keyring.Delete(scope, id)
	return fileErr
}

// enforceOwnerOnly re-applies 0600 via a direct chmod syscall, since
// os.WriteFile's mode argument is masked by umask on most systems and the
// credential file must never be group- or world-readable.
func enforceOwnerOnly(path string) error {
	return unix.Chmod(path, 0o600)
}
