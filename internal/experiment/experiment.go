// Package experiment implements experiment directory creation and the
// process-wide current-experiment pointer described in spec.md section 6,
// "Persisted state layout".
package experiment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKey   = "dropbot:experiment"
	redisField = "experiment_directory"
)

// Store is the process-wide current-experiment key/value pointer. spec.md
// names Redis as the example backend ("e.g., a Redis hash"); a pure
// in-memory implementation is offered for single-process deployments with
// no Redis configured.
type Store interface {
	SetCurrent(ctx context.Context, dir string) error
	Current(ctx context.Context) (string, error)
}

// NewStore returns a Redis-backed Store when redisURL is non-empty, or an
// in-process Store otherwise.
func NewStore(redisURL string) (Store, error) {
	if redisURL == "" {
		return &memoryStore{}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("experiment: invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("experiment: redis ping failed: %w", err)
	}

	return &redisStore{client: client}, nil
}

type redisStore struct {
	client *redis.Client
}

func (s *redisStore) SetCurrent(ctx context.Context, dir string) error {
	return s.client.HSet(ctx, redisKey, redisField, dir).Err()
}

func (s *redisStore) Current(ctx context.Context) (string, error) {
	v, err := s.client.HGet(ctx, redisKey, redisField).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

type memoryStore struct {
	mu  sync.Mutex
	dir string
}

func (s *memoryStore) SetCurrent(_ context.Context, dir string) error {
	s.mu.Lock()
	s.dir = dir
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Current(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir, nil
}

// CreateDirectory makes a fresh experiment directory under
// <userDataDir>/Experiments/Exp_<YYYY_MM_DD_HH_MM_SS>/ and returns its path.
// The caller supplies now so repeated calls within a test are deterministic.
func CreateDirectory(userDataDir string, now time.Time) (string, error) {
	name := "Exp_" + now.Format("2006_01_02_15_04_05")
	dir := filepath.Join(userDataDir, "Experiments", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("experiment: mkdir %s: %w", dir, err)
	}
	return dir, nil
}
