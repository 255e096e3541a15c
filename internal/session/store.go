// Package session persists small host-session preferences (last-used
// association, theme) behind a key-value interface. The save-flow core never
// touches it; only the embedding surface does.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/officebridge-backend/internal/domain"
	"github.com/yungbote/officebridge-backend/internal/platform/envutil"
	"github.com/yungbote/officebridge-backend/internal/platform/logger"
)

const (
	KeyLastAssociation = "last_association"
	KeyTheme           = "theme"
)

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}

// ---------------- Redis ----------------

type redisStore struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis builds a redis-backed store from the environment (OB_REDIS_ADDR,
// optional OB_SESSION_TTL). Keys are namespaced per user.
func NewRedis(log *logger.Logger, userID string) (Store, error) {
	if log == nil {
		return nil, errors.New("session: logger required")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("session: userID required")
	}

	addr := envutil.String("OB_REDIS_ADDR", "")
	if addr == "" {
		return nil, errors.New("session: missing OB_REDIS_ADDR")
	}
	ttl := envutil.Duration("OB_SESSION_TTL", 30*24*time.Hour)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("session: redis ping: %w", err)
	}

	return &redisStore{
		log:    log.With("component", "SessionStore"),
		rdb:    rdb,
		prefix: "officebridge:session:" + userID + ":",
		ttl:    ttl,
	}, nil
}

// NewRedisWithClient is intended for tests.
func NewRedisWithClient(log *logger.Logger, rdb *goredis.Client, userID string, ttl time.Duration) Store {
	return &redisStore{
		log:    log.With("component", "SessionStore"),
		rdb:    rdb,
		prefix: "officebridge:session:" + strings.TrimSpace(userID) + ":",
		ttl:    ttl,
	}
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("session: get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value string) error {
	if err := s.rdb.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: set %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", key, err)
	}
	return nil
}

// ---------------- Memory ----------------

type memoryStore struct {
	mu   sync.RWMutex
	vals map[string]string
}

// NewMemory is the fallback when no redis is configured; state lives only as
// long as the process.
func NewMemory() Store {
	return &memoryStore{vals: make(map[string]string)}
}

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vals[key]
	return v, ok, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = value
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vals, key)
	return nil
}

// ---------------- Typed helpers ----------------

func SaveLastAssociation(ctx context.Context, s Store, a *domain.AssociationRef) error {
	if a == nil {
		return s.Delete(ctx, KeyLastAssociation)
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.Set(ctx, KeyLastAssociation, string(raw))
}

func LastAssociation(ctx context.Context, s Store) (*domain.AssociationRef, bool, error) {
	raw, ok, err := s.Get(ctx, KeyLastAssociation)
	if err != nil || !ok {
		return nil, false, err
	}
	var a domain.AssociationRef
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, false, fmt.Errorf("session: decode last association: %w", err)
	}
	return &a, true, nil
}
