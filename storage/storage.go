// Package storage handles persistence of schedule snapshots, watchers and users
// in Cloud Storage or on the local filesystem.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"movie-notifier/pkg/notifier"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
	"google.golang.org/api/iterator"
)

const (
	snapshotPrefix = "snapshot-"
	watcherPrefix  = "watcher-"
	userPrefix     = "user-"

	// Key-value caches (Badger, Redis) store snapshots under "snapshot:<movieID>".
	cacheSnapshotPrefix = "snapshot:"
)

var errNotExist = errors.New("storage: object doesn't exist")

// Store persists JSON objects in a GCS bucket, or under localPath when set.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// SnapshotKey returns the object name holding a movie's snapshot.
func SnapshotKey(movieID int) string {
	return fmt.Sprintf("%s%d.json", snapshotPrefix, movieID)
}

// WatcherKey returns the object name of a watcher, or "" for an unsafe id.
func WatcherKey(id string) string {
	if !validID(id) {
		return ""
	}
	return watcherPrefix + id + ".json"
}

// UserKey returns the object name of a user, or "" for an unsafe id.
func UserKey(id string) string {
	if !validID(id) {
		return ""
	}
	return userPrefix + id + ".json"
}

// validID rejects ids that could escape the storage namespace.
func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, c := range id {
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_'
		if !ok {
			return false
		}
	}
	return true
}

// Get loads the snapshot of a movie. Returns notifier.ErrSnapshotNotFound when absent.
func (s *Store) Get(ctx context.Context, movieID int) (*notifier.ScheduleSnapshot, error) {
	data, err := s.read(ctx, SnapshotKey(movieID))
	if err != nil {
		if errors.Is(err, errNotExist) {
			return nil, notifier.ErrSnapshotNotFound
		}
		return nil, err
	}

	var snap notifier.ScheduleSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Put replaces the snapshot of a movie in a single object write.
func (s *Store) Put(ctx context.Context, snap *notifier.ScheduleSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	key := SnapshotKey(snap.MovieID)
	if err := s.write(ctx, key, data); err != nil {
		return err
	}
	s.logger.Debug("Snapshot saved", "key", key, "showings", len(snap.ShowingIDs))
	return nil
}

// SaveWatcher stores a watcher.
func (s *Store) SaveWatcher(ctx context.Context, w *notifier.Watcher) error {
	key := WatcherKey(w.ID)
	if key == "" {
		return errors.New("invalid watcher id")
	}
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watcher: %w", err)
	}
	if err := s.write(ctx, key, data); err != nil {
		return err
	}
	s.logger.Info("Watcher saved", "key", key, "movie_id", w.MovieID, "user_id", w.UserID)
	return nil
}

// SaveUser stores a user.
func (s *Store) SaveUser(ctx context.Context, u *notifier.User) error {
	key := UserKey(u.ID)
	if key == "" {
		return errors.New("invalid user id")
	}
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := s.write(ctx, key, data); err != nil {
		return err
	}
	s.logger.Info("User saved", "key", key)
	return nil
}

// User loads a user by id. Returns notifier.ErrUserNotFound when absent.
func (s *Store) User(ctx context.Context, id string) (*notifier.User, error) {
	key := UserKey(id)
	if key == "" {
		return nil, notifier.ErrUserNotFound
	}
	data, err := s.read(ctx, key)
	if err != nil {
		if errors.Is(err, errNotExist) {
			return nil, notifier.ErrUserNotFound
		}
		return nil, err
	}

	var u notifier.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &u, nil
}

// ActiveWatchers lists all watchers that are not disabled.
// Unreadable watcher objects are logged and skipped.
func (s *Store) ActiveWatchers(ctx context.Context) ([]*notifier.Watcher, error) {
	keys, err := s.list(ctx, watcherPrefix)
	if err != nil {
		return nil, err
	}

	var watchers []*notifier.Watcher
	for _, key := range keys {
		data, err := s.read(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load watcher", "key", key, "error", err)
			continue
		}
		var w notifier.Watcher
		if err := json.Unmarshal(data, &w); err != nil {
			s.logger.Warn("Failed to decode watcher", "key", key, "error", err)
			continue
		}
		if w.Disabled {
			continue
		}
		watchers = append(watchers, &w)
	}
	return watchers, nil
}

func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if strings.HasSuffix(attrs.Name, ".json") {
			keys = append(keys, attrs.Name)
		}
	}
	return keys, nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errNotExist
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	notFound := false
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(errNotExist)
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
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if notFound {
		return nil, errNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, key string, data []byte) error {
	// Local filesystem storage: write a temp file and rename it over the target.
	if s.localPath != "" {
		if err := os.MkdirAll(s.localPath, 0o700); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		tmp, err := os.CreateTemp(s.localPath, ".tmp-"+key+"-*")
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("close temp file: %w", err)
		}
		if err := os.Rename(tmpName, filepath.Join(s.localPath, key)); err != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("rename temp file: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
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
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}
