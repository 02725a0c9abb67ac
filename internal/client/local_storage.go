package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/legalsim/render-orchestrator/internal/config"
)

// checksumSuffix names the file beside an artifact that holds its SHA-256.
const checksumSuffix = ".sha256"

// LocalStorage implements StorageClient on a local directory. Used for
// single-node deployments and development.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates the root directory if needed.
func NewLocalStorage(root string) (*LocalStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &LocalStorage{root: abs}, nil
}

func (s *LocalStorage) path(key string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(p, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return p, nil
}

// Upload writes to a temp file and renames it so readers never see a
// partial artifact.
func (s *LocalStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", fmt.Errorf("failed to store artifact: %w", err)
	}
	if cs, ok := body.(checksummed); ok && cs.Checksum() != "" {
		if err := os.WriteFile(p+checksumSuffix, []byte(cs.Checksum()+"\n"), 0o644); err != nil {
			return "", fmt.Errorf("failed to record artifact checksum: %w", err)
		}
	}
	return s.GetPublicURL(key), nil
}

// Stat reports the artifact's size and the checksum recorded beside it.
func (s *LocalStorage) Stat(_ context.Context, key string) (ObjectInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return ObjectInfo{}, ErrObjectNotFound
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to stat artifact: %w", err)
	}

	info := ObjectInfo{
		Key:         key,
		Size:        fi.Size(),
		ContentType: ContentType(strings.TrimPrefix(filepath.Ext(p), ".")),
	}
	if sum, err := os.ReadFile(p + checksumSuffix); err == nil {
		info.Checksum = strings.TrimSpace(string(sum))
	}
	return info, nil
}

func (s *LocalStorage) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	_ = os.Remove(p + checksumSuffix)
	return nil
}

// GetSignedURL returns a file URL; local files have no expiry.
func (s *LocalStorage) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrObjectNotFound
		}
		return "", fmt.Errorf("failed to stat artifact: %w", err)
	}
	return "file://" + filepath.ToSlash(p), nil
}

func (s *LocalStorage) GetPublicURL(key string) string {
	return "file://" + filepath.ToSlash(filepath.Join(s.root, filepath.FromSlash(key)))
}

// NewStorage builds the StorageClient selected by cfg.Storage.Backend.
func NewStorage(cfg *config.Config) (StorageClient, error) {
	switch cfg.Storage.Backend {
	case "r2":
		r2, err := NewR2Client(&cfg.R2)
		if err != nil {
			return nil, err
		}
		return r2, nil
	case "local", "":
		local, err := NewLocalStorage(cfg.Storage.LocalDir)
		if err != nil {
			return nil, err
		}
		return local, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
