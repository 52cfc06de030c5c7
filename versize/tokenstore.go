package versize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/rueidis"
	"golang.org/x/oauth2"
)

var ErrTokenNotFound = errors.New("token not found")

const redisTokenKeySegment = "oauth:token:"

// TokenStore keeps the OAuth2 tokens of panel users, keyed by Discord
// user ID
type TokenStore interface {
	// Put stores token for userID. A non-positive ttl stores it without
	// expiry.
	Put(ctx context.Context, userID string, token *oauth2.Token, ttl time.Duration) error

	// Get returns the token for userID, or ErrTokenNotFound
	Get(ctx context.Context, userID string) (*oauth2.Token, error)

	Delete(ctx context.Context, userID string) error

	Close() error
}

// newTokenStore returns a RedisTokenStore when an address is
// configured, and a MemoryTokenStore otherwise
func newTokenStore(cfg *RedisConfig) (TokenStore, error) {
	if cfg == nil || cfg.Address == "" {
		return NewMemoryTokenStore(), nil
	}
	client, err := rueidis.NewClient(
		rueidis.ClientOption{
			InitAddress:  []string{cfg.Address},
			Username:     cfg.Username,
			Password:     cfg.Password,
			SelectDB:     cfg.DB,
			DisableCache: true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	return NewRedisTokenStore(client, cfg.KeyPrefix), nil
}

type memoryToken struct {
	token     *oauth2.Token
	expiresAt time.Time
}

// MemoryTokenStore is a TokenStore for single-instance deployments
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]memoryToken
	now    func() time.Time
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: map[string]memoryToken{}, now: time.Now}
}

func (m *MemoryTokenStore) Put(_ context.Context, userID string, token *oauth2.Token, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryToken{token: token}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.tokens[userID] = entry
	return nil
}

func (m *MemoryTokenStore) Get(_ context.Context, userID string) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tokens[userID]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.tokens, userID)
		return nil, ErrTokenNotFound
	}
	return entry.token, nil
}

func (m *MemoryTokenStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, userID)
	return nil
}

func (*MemoryTokenStore) Close() error {
	return nil
}

// RedisTokenStore keeps tokens as JSON strings, expiring with the token
type RedisTokenStore struct {
	client rueidis.Client
	prefix string
}

func NewRedisTokenStore(client rueidis.Client, keyPrefix string) *RedisTokenStore {
	return &RedisTokenStore{client: client, prefix: keyPrefix + redisTokenKeySegment}
}

func (r *RedisTokenStore) key(userID string) string {
	return r.prefix + userID
}

func (r *RedisTokenStore) Put(ctx context.Context, userID string, token *oauth2.Token, ttl time.Duration) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("error marshaling token: %w", err)
	}
	cmd := r.client.B().Set().Key(r.key(userID)).Value(rueidis.BinaryString(data))
	if ttl > 0 {
		return r.client.Do(ctx, cmd.Ex(ttl).Build()).Error()
	}
	return r.client.Do(ctx, cmd.Build()).Error()
}

func (r *RedisTokenStore) Get(ctx context.Context, userID string) (*oauth2.Token, error) {
	data, err := r.client.Do(ctx, r.client.B().Get().Key(r.key(userID)).Build()).AsBytes()
	if rueidis.IsRedisNil(err) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting token: %w", err)
	}
	var token oauth2.Token
	if err = json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("error unmarshaling token: %w", err)
	}
	return &token, nil
}

func (r *RedisTokenStore) Delete(ctx context.Context, userID string) error {
	return r.client.Do(ctx, r.client.B().Del().Key(r.key(userID)).Build()).Error()
}

func (r *RedisTokenStore) Close() error {
	r.client.Close()
	return nil
}
