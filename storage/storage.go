// Package storage persists the tracker's named state blobs as JSON documents.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// ErrNotFound is returned by Load when a blob has never been saved.
var ErrNotFound = errors.New("storage: object doesn't exist")

var keyRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Blob describes one stored document.
type Blob struct {
	Updated time.Time `json:"updated"`
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
}

// Store handles blob persistence on a local directory, a Cloud Storage bucket
// or a SQLite database. Exactly one backend is configured.
type Store struct {
	client    *storage.Client
	db        *sql.DB
	logger    *slog.Logger
	localPath string
	bucket    string
	prefix    string // Object name prefix inside the bucket
}

// NewLocal creates a store writing one file per blob under path.
func NewLocal(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return &Store{localPath: path, logger: logger}, nil
}

// NewCloud creates a store writing objects to a Cloud Storage bucket.
func NewCloud(client *storage.Client, bucket, prefix string, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

// Backend names the configured backend for status output.
func (s *Store) Backend() string {
	switch {
	case s.db != nil:
		return "sqlite"
	case s.localPath != "":
		return "local"
	default:
		return "gcs"
	}
}

// Close releases backend resources.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// IsNotFound checks if an error indicates a blob was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func validKey(key string) error {
	if !keyRegex.MatchString(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}

func (s *Store) objectName(key string) string {
	return s.prefix + key + ".json"
}

// Save marshals v and stores it under key, replacing any previous value.
func (s *Store) Save(ctx context.Context, key string, v any) error {
	if err := validKey(key); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	switch {
	case s.db != nil:
		return s.saveSQLite(ctx, key, data)
	case s.localPath != "":
		return s.saveLocal(key, data)
	default:
		return s.saveCloud(ctx, key, data)
	}
}

func (s *Store) saveLocal(key string, data []byte) error {
	filePath := filepath.Join(s.localPath, key+".json")
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}
	// Rename keeps the previous version intact if we crash mid-write.
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("replace local file: %w", err)
	}
	s.logger.Debug("Blob saved to local storage", "path", filePath, "bytes", len(data))
	return nil
}

func (s *Store) saveCloud(ctx context.Context, key string, data []byte) error {
	name := s.objectName(key)
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "object", name, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	s.logger.Debug("Blob saved", "object", name, "bytes", len(data))
	return nil
}

// Load reads the blob stored under key into v. It returns ErrNotFound when
// the blob does not exist.
func (s *Store) Load(ctx context.Context, key string, v any) error {
	if err := validKey(key); err != nil {
		return err
	}

	var data []byte
	var err error
	switch {
	case s.db != nil:
		data, err = s.loadSQLite(ctx, key)
	case s.localPath != "":
		data, err = s.loadLocal(key)
	default:
		data, err = s.loadCloud(ctx, key)
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) loadLocal(key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.localPath, key+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read from local storage: %w", err)
	}
	return data, nil
}

func (s *Store) loadCloud(ctx context.Context, key string) ([]byte, error) {
	name := s.objectName(key)
	var data []byte
	var missing bool
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "object", name, "error", retryErr)
		}),
	)
	if missing {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// Delete removes the blob stored under key. Deleting a missing blob is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}

	switch {
	case s.db != nil:
		return s.deleteSQLite(ctx, key)
	case s.localPath != "":
		if err := os.Remove(filepath.Join(s.localPath, key+".json")); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	name := s.objectName(key)
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(name).Delete(ctx); deleteErr != nil {
				// Deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// List describes every stored blob, sorted by key.
func (s *Store) List(ctx context.Context) ([]Blob, error) {
	var blobs []Blob

	switch {
	case s.db != nil:
		return s.listSQLite(ctx)
	case s.localPath != "":
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				s.logger.Warn("Failed to stat blob", "file", entry.Name(), "error", err)
				continue
			}
			blobs = append(blobs, Blob{
				Key:     strings.TrimSuffix(entry.Name(), ".json"),
				Size:    info.Size(),
				Updated: info.ModTime(),
			})
		}
	default:
		it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("iterate storage: %w", err)
			}
			if !strings.HasSuffix(attrs.Name, ".json") {
				continue
			}
			blobs = append(blobs, Blob{
				Key:     strings.TrimSuffix(strings.TrimPrefix(attrs.Name, s.prefix), ".json"),
				Size:    attrs.Size,
				Updated: attrs.Updated,
			})
		}
	}

	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Key < blobs[j].Key })
	return blobs, nil
}
