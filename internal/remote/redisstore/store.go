// Package redisstore implements remote.Store on Redis, for clinics that run
// a local server instead of a hosted realtime database. Each collection is a
// hash of JSON values; changes are announced on a pub/sub channel per
// collection.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/remote"
)

// Config holds the Redis store settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key and channel.
	Prefix string
	// PingInterval is how often connectivity is probed.
	PingInterval time.Duration
	// MaxTxRetries bounds optimistic-lock retries.
	MaxTxRetries int

	Logger *zap.Logger
}

// DefaultConfig returns defaults for a local Redis.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Prefix:       "vetsync",
		PingInterval: 2 * time.Second,
		MaxTxRetries: 25,
		Logger:       zap.NewNop(),
	}
}

// change is the pub/sub message describing one child change.
type change struct {
	Kind  string          `json:"kind"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

const (
	changeAdded   = "added"
	changeChanged = "changed"
	changeRemoved = "removed"
)

// Store is a remote.Store backed by Redis.
type Store struct {
	cfg Config
	rdb *redis.Client
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	connected bool
	probed    bool
	connSubs  map[int]remote.Handler
	nextSub   int
}

// New connects to Redis and starts the connectivity probe.
func New(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.MaxTxRetries <= 0 {
		cfg.MaxTxRetries = def.MaxTxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		cfg:      cfg,
		rdb:      redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		log:      cfg.Logger.Named("redis"),
		ctx:      ctx,
		cancel:   cancel,
		connSubs: make(map[int]remote.Handler),
	}
	s.probe()
	s.wg.Add(1)
	go s.pingLoop()
	return s
}

// Close stops the probe and closes the connection pool.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.rdb.Close()
}

func (s *Store) hashKey(collection string) string {
	return s.cfg.Prefix + ":" + collection
}

func (s *Store) channel(collection string) string {
	return s.cfg.Prefix + ":events:" + collection
}

// wrap maps connection failures onto remote.ErrDisconnected.
func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s %s: %w: %v", op, path, remote.ErrDisconnected, err)
}

// Get implements remote.Store.
func (s *Store) Get(ctx context.Context, path string) (json.RawMessage, error) {
	collection, key := remote.SplitPath(path)
	if key == "" {
		all, err := s.rdb.HGetAll(ctx, s.hashKey(collection)).Result()
		if err != nil {
			return nil, wrap("get", path, err)
		}
		if len(all) == 0 {
			return nil, remote.ErrNotFound
		}
		children := make(map[string]json.RawMessage, len(all))
		for k, v := range all {
			children[k] = json.RawMessage(v)
		}
		return json.Marshal(children)
	}
	v, err := s.rdb.HGet(ctx, s.hashKey(collection), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, remote.ErrNotFound
	}
	if err != nil {
		return nil, wrap("get", path, err)
	}
	return json.RawMessage(v), nil
}

// Push implements remote.Store.
func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	raw, err := remote.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode push to %s: %w", path, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	key := id.String()
	_, err = s.write(ctx, remote.JoinPath(path, key), func(json.RawMessage) (json.RawMessage, error) {
		return raw, nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Update implements remote.Store.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	_, err := s.write(ctx, path, func(cur json.RawMessage) (json.RawMessage, error) {
		return remote.MergeFields(cur, fields)
	})
	return err
}

// Set implements remote.Store.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	raw, err := remote.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode set of %s: %w", path, err)
	}
	_, err = s.write(ctx, path, func(json.RawMessage) (json.RawMessage, error) {
		return raw, nil
	})
	return err
}

// Remove implements remote.Store.
func (s *Store) Remove(ctx context.Context, path string) error {
	collection, key := remote.SplitPath(path)
	if key != "" {
		_, err := s.write(ctx, path, func(json.RawMessage) (json.RawMessage, error) {
			return remote.Null, nil
		})
		return err
	}
	keys, err := s.rdb.HKeys(ctx, s.hashKey(collection)).Result()
	if err != nil {
		return wrap("remove", path, err)
	}
	for _, k := range keys {
		if err := s.Remove(ctx, remote.JoinPath(collection, k)); err != nil {
			return err
		}
	}
	return nil
}

// Transaction implements remote.Store with WATCH/MULTI.
func (s *Store) Transaction(ctx context.Context, path string, fn remote.TransactionFunc) (bool, error) {
	committed, err := s.write(ctx, path, fn)
	if errors.Is(err, remote.ErrTransactionAborted) {
		return false, nil
	}
	return committed, err
}

// write applies fn to the current value of a record under an optimistic
// lock and publishes the resulting change.
func (s *Store) write(ctx context.Context, path string, fn remote.TransactionFunc) (bool, error) {
	collection, key := remote.SplitPath(path)
	if key == "" {
		return false, fmt.Errorf("write %s: record path required", path)
	}
	hash := s.hashKey(collection)

	for attempt := 0; attempt <= s.cfg.MaxTxRetries; attempt++ {
		var fnErr error
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			current := remote.Null
			v, err := tx.HGet(ctx, hash, key).Result()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				current = json.RawMessage(v)
			}

			next, err := fn(current)
			if err != nil {
				fnErr = err
				return nil
			}
			msg, ok := describe(key, current, next)
			if !ok {
				return nil
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if remote.IsNull(next) {
					pipe.HDel(ctx, hash, key)
				} else {
					pipe.HSet(ctx, hash, key, string(next))
				}
				pipe.Publish(ctx, s.channel(collection), payload)
				return nil
			})
			return err
		}, hash)

		switch {
		case fnErr != nil:
			return false, fnErr
		case errors.Is(err, redis.TxFailedErr):
			s.log.Debug("optimistic lock failed, retrying", zap.String("path", path), zap.Int("attempt", attempt+1))
			continue
		case err != nil:
			return false, wrap("write", path, err)
		}
		return true, nil
	}
	return false, remote.ErrTransactionConflict
}

// describe returns the change message for a write, or false if nothing
// changed.
func describe(key string, old, next json.RawMessage) (change, bool) {
	switch {
	case remote.IsNull(old) && remote.IsNull(next):
		return change{}, false
	case remote.IsNull(next):
		return change{Kind: changeRemoved, Key: key, Value: old}, true
	case remote.IsNull(old):
		return change{Kind: changeAdded, Key: key, Value: next}, true
	case string(old) == string(next):
		return change{}, false
	default:
		return change{Kind: changeChanged, Key: key, Value: next}, true
	}
}

var _ remote.Store = (*Store)(nil)
