package registration

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var (
	ErrCodeNotFound = errors.New("pairing code not found or expired")
	ErrCodeTaken    = errors.New("pairing code already in use")
)

// codeAlphabet leaves out 0/O, 1/I/L and U.
const (
	codeAlphabet = "23456789ABCDEFGHJKMNPQRSTVWXYZ"
	codeLength   = 8
)

// Pairing binds a pairing code to the registration connection that asked for it.
type Pairing struct {
	Code         string    `json:"code"`
	ConnectionID string    `json:"connectionId"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// CodeStore keeps pending pairings until they expire.
type CodeStore interface {
	// Put stores p unless its code is already taken.
	Put(ctx context.Context, p Pairing, ttl time.Duration) error
	Get(ctx context.Context, code string) (Pairing, error)
	// Take returns and removes p atomically, so a code completes at most once.
	Take(ctx context.Context, code string) (Pairing, error)
	Delete(ctx context.Context, code string) error
}

// GenerateCode returns a random pairing code.
func GenerateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

// NormalizeCode upper-cases a code typed by a human and drops separators.
func NormalizeCode(code string) string {
	out := make([]byte, 0, len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c == '-' || c == ' ':
			continue
		case c >= 'a' && c <= 'z':
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

const redisKeyPrefix = "pairing:code:"

type RedisCodeStore struct {
	client goredis.UniversalClient
}

func NewRedisCodeStore(client goredis.UniversalClient) *RedisCodeStore {
	return &RedisCodeStore{client: client}
}

func (s *RedisCodeStore) Put(ctx context.Context, p Pairing, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+p.Code, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("store pairing code: %w", err)
	}
	if !ok {
		return ErrCodeTaken
	}
	return nil
}

func (s *RedisCodeStore) Get(ctx context.Context, code string) (Pairing, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+code).Bytes()
	return decodePairing(data, err)
}

func (s *RedisCodeStore) Take(ctx context.Context, code string) (Pairing, error) {
	data, err := s.client.GetDel(ctx, redisKeyPrefix+code).Bytes()
	return decodePairing(data, err)
}

func (s *RedisCodeStore) Delete(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+code).Err(); err != nil {
		return fmt.Errorf("delete pairing code: %w", err)
	}
	return nil
}

func decodePairing(data []byte, err error) (Pairing, error) {
	if errors.Is(err, goredis.Nil) {
		return Pairing{}, ErrCodeNotFound
	}
	if err != nil {
		return Pairing{}, fmt.Errorf("load pairing code: %w", err)
	}
	var p Pairing
	if err := json.Unmarshal(data, &p); err != nil {
		return Pairing{}, fmt.Errorf("decode pairing code: %w", err)
	}
	return p, nil
}

// MemoryCodeStore is used when no Redis is configured.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]Pairing
	now   func() time.Time
}

func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[string]Pairing), now: time.Now}
}

func (s *MemoryCodeStore) Put(_ context.Context, p Pairing, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.codes[p.Code]; ok && s.now().Before(existing.ExpiresAt) {
		return ErrCodeTaken
	}
	p.ExpiresAt = s.now().Add(ttl)
	s.codes[p.Code] = p
	return nil
}

func (s *MemoryCodeStore) Get(_ context.Context, code string) (Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(code)
}

func (s *MemoryCodeStore) Take(_ context.Context, code string) (Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.liveLocked(code)
	if err == nil {
		delete(s.codes, code)
	}
	return p, err
}

func (s *MemoryCodeStore) Delete(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}

func (s *MemoryCodeStore) liveLocked(code string) (Pairing, error) {
	p, ok := s.codes[code]
	if !ok {
		return Pairing{}, ErrCodeNotFound
	}
	if !s.now().Before(p.ExpiresAt) {
		delete(s.codes, code)
		return Pairing{}, ErrCodeNotFound
	}
	return p, nil
}
