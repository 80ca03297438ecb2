package registration

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*RedisCodeStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCodeStore(client), mr
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		if len(code) != codeLength {
			t.Fatalf("expected %d characters, got %q", codeLength, code)
		}
		for _, c := range code {
			if !strings.ContainsRune(codeAlphabet, c) {
				t.Fatalf("code %q contains %q outside the alphabet", code, c)
			}
		}
		seen[code] = true
	}
	if len(seen) < 190 {
		t.Fatalf("expected mostly unique codes, got %d distinct of 200", len(seen))
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode("ab3d-ef 7h"); got != "AB3DEF7H" {
		t.Fatalf("unexpected normalized code %q", got)
	}
}

func TestRedisCodeStoreLifecycle(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	p := Pairing{Code: "ABCD2345", ConnectionID: "conn-1", CreatedAt: time.Now().UTC()}

	if err := s.Put(ctx, p, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, p, time.Minute); !errors.Is(err, ErrCodeTaken) {
		t.Fatalf("expected ErrCodeTaken, got %v", err)
	}
	if ttl := mr.TTL(redisKeyPrefix + p.Code); ttl != time.Minute {
		t.Fatalf("expected a one minute TTL, got %v", ttl)
	}

	got, err := s.Get(ctx, p.Code)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ConnectionID != "conn-1" {
		t.Fatalf("unexpected connection id %q", got.ConnectionID)
	}

	if _, err := s.Take(ctx, p.Code); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if _, err := s.Take(ctx, p.Code); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected a taken code to be gone, got %v", err)
	}
}

func TestRedisCodeStoreExpiry(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, Pairing{Code: "EXPIRE22"}, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := s.Get(ctx, "EXPIRE22"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected expired code to be gone, got %v", err)
	}
}

func TestRedisCodeStoreDelete(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	_ = s.Put(ctx, Pairing{Code: "DELETE22"}, time.Minute)
	if err := s.Delete(ctx, "DELETE22"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "DELETE22"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected deleted code to be gone, got %v", err)
	}
}

func TestMemoryCodeStoreExpiry(t *testing.T) {
	s := NewMemoryCodeStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if err := s.Put(ctx, Pairing{Code: "MEMORY22"}, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, Pairing{Code: "MEMORY22"}, time.Minute); !errors.Is(err, ErrCodeTaken) {
		t.Fatalf("expected ErrCodeTaken, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "MEMORY22"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected expired code to be gone, got %v", err)
	}
	if err := s.Put(ctx, Pairing{Code: "MEMORY22"}, time.Minute); err != nil {
		t.Fatalf("expected an expired code to be reusable, got %v", err)
	}
}
