// Package mongostore reads watchers and users from MongoDB and keeps schedule snapshots there.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"movie-notifier/pkg/notifier"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names.
const (
	WatchersCollection  = "watchers"
	UsersCollection     = "users"
	SnapshotsCollection = "snapshots"
)

// Store is a MongoDB-backed watcher source, user directory and snapshot cache.
type Store struct {
	db     *mongo.Database
	logger *slog.Logger
}

// Connect opens a client and pings the primary.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// New creates a store on the given database.
func New(db *mongo.Database, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// CreateIndexes creates the indexes used by ActiveWatchers.
func (s *Store) CreateIndexes(ctx context.Context) error {
	idx := mongo.IndexModel{
		Keys: bson.D{{Key: "disabled", Value: 1}, {Key: "movieid", Value: 1}},
	}
	if _, err := s.db.Collection(WatchersCollection).Indexes().CreateOne(ctx, idx); err != nil {
		return fmt.Errorf("create watcher index: %w", err)
	}
	return nil
}

// ActiveWatchers lists watchers that are not disabled. Undecodable documents are logged and skipped.
func (s *Store) ActiveWatchers(ctx context.Context) ([]*notifier.Watcher, error) {
	cursor, err := s.db.Collection(WatchersCollection).Find(ctx, bson.M{"disabled": bson.M{"$ne": true}})
	if err != nil {
		return nil, fmt.Errorf("find watchers: %w", err)
	}
	defer func() {
		if err := cursor.Close(context.Background()); err != nil {
			s.logger.Warn("Failed to close watcher cursor", "error", err)
		}
	}()

	var watchers []*notifier.Watcher
	for cursor.Next(ctx) {
		var w notifier.Watcher
		if err := cursor.Decode(&w); err != nil {
			s.logger.Warn("Failed to decode watcher", "id", cursor.Current.Lookup("_id").String(), "error", err)
			continue
		}
		watchers = append(watchers, &w)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate watchers: %w", err)
	}
	return watchers, nil
}

// User loads a user by id. Returns notifier.ErrUserNotFound when absent.
func (s *Store) User(ctx context.Context, id string) (*notifier.User, error) {
	var u notifier.User
	err := s.db.Collection(UsersCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notifier.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}

// Get loads the snapshot of a movie. Returns notifier.ErrSnapshotNotFound when absent.
func (s *Store) Get(ctx context.Context, movieID int) (*notifier.ScheduleSnapshot, error) {
	var snap notifier.ScheduleSnapshot
	err := s.db.Collection(SnapshotsCollection).FindOne(ctx, bson.M{"_id": movieID}).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notifier.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find snapshot: %w", err)
	}
	return &snap, nil
}

// Put replaces the snapshot document of a movie, inserting it when absent.
func (s *Store) Put(ctx context.Context, snap *notifier.ScheduleSnapshot) error {
	_, err := s.db.Collection(SnapshotsCollection).ReplaceOne(ctx,
		bson.M{"_id": snap.MovieID}, snap, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// SaveWatcher upserts a watcher.
func (s *Store) SaveWatcher(ctx context.Context, w *notifier.Watcher) error {
	_, err := s.db.Collection(WatchersCollection).ReplaceOne(ctx,
		bson.M{"_id": w.ID}, w, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace watcher: %w", err)
	}
	return nil
}

// SaveUser upserts a user.
func (s *Store) SaveUser(ctx context.Context, u *notifier.User) error {
	_, err := s.db.Collection(UsersCollection).ReplaceOne(ctx,
		bson.M{"_id": u.ID}, u, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace user: %w", err)
	}
	return nil
}
