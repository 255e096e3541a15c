package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/officebridge-backend/internal/domain"
	"github.com/yungbote/officebridge-backend/internal/platform/logger"
)

func newRedisStore(t *testing.T, userID string) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisWithClient(logger.NewNop(), rdb, userID, time.Hour)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t, "u1")

	if _, ok, err := s.Get(ctx, KeyTheme); err != nil || ok {
		t.Fatalf("get on empty store: ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, KeyTheme, "dark"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := s.Get(ctx, KeyTheme)
	if err != nil || !ok || got != "dark" {
		t.Fatalf("get: %q ok=%v err=%v", got, ok, err)
	}
	if err := s.Delete(ctx, KeyTheme); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, KeyTheme); ok {
		t.Fatalf("value survived delete")
	}
}

func TestRedisStoreIsolatesUsers(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	a := NewRedisWithClient(logger.NewNop(), rdb, "alice", time.Hour)
	b := NewRedisWithClient(logger.NewNop(), rdb, "bob", time.Hour)

	if err := a.Set(ctx, KeyTheme, "dark"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := b.Get(ctx, KeyTheme); ok {
		t.Fatalf("user keys not namespaced")
	}
}

func TestLastAssociationHelpers(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name  string
		store Store
	}{
		{"memory", NewMemory()},
		{"redis", newRedisStore(t, "u1")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok, err := LastAssociation(ctx, tc.store); err != nil || ok {
				t.Fatalf("empty store: ok=%v err=%v", ok, err)
			}

			want := &domain.AssociationRef{EntityType: "account", EntityID: "a-1", DisplayName: "Acme"}
			if err := SaveLastAssociation(ctx, tc.store, want); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, ok, err := LastAssociation(ctx, tc.store)
			if err != nil || !ok {
				t.Fatalf("load: ok=%v err=%v", ok, err)
			}
			if *got != *want {
				t.Fatalf("got %+v, want %+v", got, want)
			}

			// Saving nil clears the remembered association.
			if err := SaveLastAssociation(ctx, tc.store, nil); err != nil {
				t.Fatalf("clear: %v", err)
			}
			if _, ok, _ := LastAssociation(ctx, tc.store); ok {
				t.Fatalf("association survived clear")
			}
		})
	}
}

func TestLastAssociationRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.Set(ctx, KeyLastAssociation, "{not json"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, _, err := LastAssociation(ctx, s); err == nil {
		t.Fatalf("expected decode error")
	}
}
