// Package secrets implements the orchestrator's SecretStore: fetching
// provider API keys by key_id without ever persisting them in the
// TodoList, APIKey record, or any log line.
//
// Two backends are fully implemented:
//
//   - env:  looks up the exact environment variable API_KEY_<key_id>.
//   - file: reads a scrypt+AES-256-GCM encrypted secrets file, unlocked
//     by a password supplied once via Unlock.
//
// vault, aws, and azure are recognized backend names that return
// ErrBackendNotConfigured; wiring them to real cloud secret managers is
// out of scope here.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/taskforge/orchestrator/pkg/logx"
)

// ErrNotFound indicates the requested key_id has no secret in the active backend.
var ErrNotFound = errors.New("secret not found")

// ErrBackendNotConfigured indicates a recognized but unimplemented backend.
var ErrBackendNotConfigured = errors.New("secret backend not configured in this build")

const (
	secretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	scryptN         = 32768
	scryptR         = 8
	scryptP         = 1
	keySize         = 32 // AES-256
)

// Backend is a secret-fetching strategy.
type Backend interface {
	// Fetch returns the secret value for keyID, or ErrNotFound.
	Fetch(keyID string) (string, error)
}

// Store dispatches secret lookups to a configured Backend.
type Store struct {
	backend Backend
}

// New constructs a Store for the named backend ("env", "file", "vault",
// "aws", "azure"). dir is the project directory the "file" backend reads
// its encrypted secrets file from; it is ignored by other backends.
func New(backendName, dir string) (*Store, error) {
	var b Backend
	switch backendName {
	case "", "env":
		b = EnvBackend{}
	case "file":
		b = &FileBackend{dir: dir}
	case "vault", "aws", "azure":
		b = unconfiguredBackend{name: backendName}
	default:
		return nil, fmt.Errorf("unknown secret backend: %s", backendName)
	}
	return &Store{backend: b}, nil
}

// Fetch returns the secret for keyID using the store's configured backend.
func (s *Store) Fetch(keyID string) (string, error) {
	return s.backend.Fetch(keyID)
}

// Unlock decrypts the file backend's secrets using password. Backends
// other than "file" don't require unlocking and ignore the call.
func (s *Store) Unlock(password string) error {
	fb, ok := s.backend.(*FileBackend)
	if !ok {
		return nil
	}
	return fb.Unlock(password)
}

// NeedsUnlock reports whether the store's backend requires Unlock
// before Fetch will succeed.
func (s *Store) NeedsUnlock() bool {
	_, ok := s.backend.(*FileBackend)
	return ok
}

// EnvBackend looks up API_KEY_<key_id> in the process environment.
type EnvBackend struct{}

// Fetch implements Backend.
func (EnvBackend) Fetch(keyID string) (string, error) {
	envVar := "API_KEY_" + keyID
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("%w: env var %s not set", ErrNotFound, envVar)
	}
	return value, nil
}

type unconfiguredBackend struct{ name string }

func (u unconfiguredBackend) Fetch(string) (string, error) {
	return "", fmt.Errorf("%w: backend %q", ErrBackendNotConfigured, u.name)
}

// FileBackend reads key_id -> secret pairs from an encrypted file,
// decrypted once and cached in memory by Unlock.
type FileBackend struct {
	dir string

	mu      sync.RWMutex
	secrets map[string]string
}

// Fetch implements Backend. The backend must be unlocked first.
func (f *FileBackend) Fetch(keyID string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.secrets == nil {
		return "", fmt.Errorf("%w: secrets file not unlocked", ErrNotFound)
	}
	value, ok := f.secrets[keyID]
	if !ok || value == "" {
		return "", fmt.Errorf("%w: key_id %s", ErrNotFound, keyID)
	}
	return value, nil
}

// Unlock decrypts the project's secrets file with password and caches the
// result in memory for subsequent Fetch calls.
func (f *FileBackend) Unlock(password string) error {
	secrets, err := DecryptFile(f.dir, password)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.secrets = secrets
	f.mu.Unlock()
	return nil
}

// Set stores name=value in the in-memory cache (does not persist until
// SaveFile is called).
func (f *FileBackend) Set(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.secrets == nil {
		f.secrets = make(map[string]string)
	}
	f.secrets[name] = value
}

// SaveFile persists the in-memory secrets to the encrypted file, deriving
// the encryption key from password.
func (f *FileBackend) SaveFile(password string) error {
	f.mu.RLock()
	snapshot := make(map[string]string, len(f.secrets))
	for k, v := range f.secrets {
		snapshot[k] = v
	}
	f.mu.RUnlock()

	return EncryptFile(f.dir, password, snapshot)
}

// FileExists reports whether an encrypted secrets file exists in dir.
func FileExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, secretsFileName))
	return err == nil
}

// EncryptFile encrypts secrets with a key derived from password via
// scrypt, and writes [salt][nonce][ciphertext+tag] to
// <dir>/secrets.json.enc with 0600 permissions.
func EncryptFile(dir, password string, secrets map[string]string) error {
	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return logx.Wrap(err, "generate salt")
	}

	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return logx.Wrap(err, "derive encryption key")
	}
	defer zero(key)

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return logx.Wrap(err, "marshal secrets")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return logx.Wrap(err, "create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return logx.Wrap(err, "create GCM")
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return logx.Wrap(err, "generate nonce")
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	fileData := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = append(fileData, ciphertext...)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return logx.Wrap(err, "create secrets directory")
	}

	path := filepath.Join(dir, secretsFileName)
	if err := os.WriteFile(path, fileData, 0o600); err != nil {
		return logx.Wrap(err, "write secrets file")
	}
	return nil
}

// DecryptFile decrypts <dir>/secrets.json.enc with password.
func DecryptFile(dir, password string) (map[string]string, error) {
	path := filepath.Join(dir, secretsFileName)

	info, err := os.Stat(path)
	if err != nil {
		return nil, logx.Wrap(err, "stat secrets file")
	}

	if info.Mode().Perm() != 0o600 {
		logx.Warnf("secrets file %s has permissions %04o, expected 0600; correcting", path, info.Mode().Perm())
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, logx.Wrap(err, "fix secrets file permissions")
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, logx.Wrap(err, "read secrets file")
	}

	minSize := saltSize + nonceSize + 16 // GCM tag size
	if len(fileData) < minSize {
		return nil, errors.New("secrets file is corrupted or truncated")
	}

	salt := fileData[:saltSize]
	nonce := fileData[saltSize : saltSize+nonceSize]
	ciphertext := fileData[saltSize+nonceSize:]

	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, logx.Wrap(err, "derive decryption key")
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, logx.Wrap(err, "create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, logx.Wrap(err, "create GCM")
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("decryption failed: wrong password or corrupted file")
	}

	var result map[string]string
	if err := json.Unmarshal(plaintext, &result); err != nil {
		return nil, logx.Wrap(err, "parse decrypted secrets")
	}
	return result, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
