package invoice

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultMaxBlobSize caps uploads at 50MB, large enough for
// high-resolution phone photos of paper invoices.
const DefaultMaxBlobSize = 50 << 20

// Storage defines the interface for durable blob storage. Paths are
// opaque to callers and stable once returned.
type Storage interface {
	// Save persists a blob under the account's namespace and returns
	// its path.
	Save(accountID, filename string, data []byte) (string, error)

	// Get retrieves a blob by path.
	Get(path string) ([]byte, error)
}

// LocalStorage implements the Storage interface on the local filesystem,
// one directory per account so paths never collide across accounts.
type LocalStorage struct {
	basePath    string
	maxBlobSize int
}

// NewLocalStorage creates a LocalStorage rooted at basePath.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, &StorageError{Op: "init", Transient: true, Err: err}
	}
	return &LocalStorage{basePath: basePath, maxBlobSize: DefaultMaxBlobSize}, nil
}

// Save persists a blob under the account's directory. Size violations
// are permanent errors; filesystem failures are transient.
func (l *LocalStorage) Save(accountID, filename string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", &StorageError{Op: "save", Err: errors.New("empty blob")}
	}
	if len(data) > l.maxBlobSize {
		return "", &StorageError{Op: "save", Err: fmt.Errorf("blob size %d exceeds limit %d", len(data), l.maxBlobSize)}
	}

	dir := filepath.Join(l.basePath, accountID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &StorageError{Op: "save", Transient: true, Err: err}
	}
	path := filepath.Join(accountID, filename)
	if err := os.WriteFile(filepath.Join(l.basePath, path), data, 0644); err != nil {
		return "", &StorageError{Op: "save", Transient: true, Err: err}
	}
	return path, nil
}

// Get retrieves a blob by the path Save returned.
func (l *LocalStorage) Get(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, path))
	if err != nil {
		return nil, &StorageError{Op: "get", Transient: !os.IsNotExist(err), Err: err}
	}
	return data, nil
}
