package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/99designs/keyring"
)

const (
	serviceName        = "mailvista"
	keyringPasswordEnv = "MAILVISTA_KEYRING_PASSWORD" //nolint:gosec // env var name, not a credential

	BackendAuto     = "auto"
	BackendKeychain = "keychain"
	BackendFile     = "file"
	BackendSecret   = "secret-service"
	BackendWinCred  = "wincred"
)

var (
	ErrSecretNotFound  = errors.New("secret not found")
	errMissingAccount  = errors.New("missing account")
	errMissingPassword = errors.New("missing password")
	errInvalidBackend  = errors.New("invalid keyring backend")
	keyringOpen        = keyring.Open
)

// KeyringStore keeps IMAP passwords in the OS keyring, keyed by account email.
type KeyringStore struct {
	ring keyring.Keyring
}

// NewKeyringStore wraps an already opened keyring. Tests pass keyring.NewArrayKeyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

// Open opens the keyring for the given backend name. The file backend keeps its
// encrypted entries under dataDir/keyring.
func Open(backend, dataDir string) (*KeyringStore, error) {
	backends, err := allowedBackends(backend)
	if err != nil {
		return nil, err
	}
	// Headless Linux without a D-Bus session cannot reach SecretService.
	if backends == nil && runtime.GOOS == "linux" && os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" {
		backends = []keyring.BackendType{keyring.FileBackend}
	}

	ring, err := keyringOpen(keyring.Config{
		ServiceName:              serviceName,
		AllowedBackends:          backends,
		FileDir:                  filepath.Join(dataDir, "keyring"),
		FilePasswordFunc:         filePasswordFunc(),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return NewKeyringStore(ring), nil
}

func allowedBackends(backend string) ([]keyring.BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendAuto:
		return nil, nil
	case BackendKeychain:
		return []keyring.BackendType{keyring.KeychainBackend}, nil
	case BackendFile:
		return []keyring.BackendType{keyring.FileBackend}, nil
	case BackendSecret:
		return []keyring.BackendType{keyring.SecretServiceBackend}, nil
	case BackendWinCred:
		return []keyring.BackendType{keyring.WinCredBackend}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errInvalidBackend, backend)
	}
}

func filePasswordFunc() keyring.PromptFunc {
	if password, ok := os.LookupEnv(keyringPasswordEnv); ok {
		return keyring.FixedStringPrompt(password)
	}
	return keyring.TerminalPrompt
}

// Password returns the stored IMAP password of account.
func (s *KeyringStore) Password(account string) (string, error) {
	key, err := passwordKey(account)
	if err != nil {
		return "", err
	}

	item, err := s.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(item.Data), nil
}

// SetPassword stores the IMAP password of account, replacing any previous one.
func (s *KeyringStore) SetPassword(account, password string) error {
	key, err := passwordKey(account)
	if err != nil {
		return err
	}
	if password == "" {
		return errMissingPassword
	}

	err = s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(password),
		Label: serviceName + " " + normalize(account),
	})
	if err != nil {
		return fmt.Errorf("failed to store password: %w", err)
	}
	return nil
}

// DeletePassword removes the stored password. A missing entry is not an error.
func (s *KeyringStore) DeletePassword(account string) error {
	key, err := passwordKey(account)
	if err != nil {
		return err
	}
	if err := s.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete password: %w", err)
	}
	return nil
}

func passwordKey(account string) (string, error) {
	account = normalize(account)
	if account == "" {
		return "", errMissingAccount
	}
	return "imap:password:" + account, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
