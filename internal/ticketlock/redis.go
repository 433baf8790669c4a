package ticketlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed holder can keep a ticket locked.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "deskmate:ticket-lock:"

// release deletes the key only if it still holds our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renew pushes the expiry out only if the key still holds our token.
var renew = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ErrLockLost is returned by Renew when the lock expired or was taken over.
var ErrLockLost = errors.New("ticket lock lost")

// Redis serializes tickets across processes with SET NX PX. Held locks are
// kept alive with Renew.
type Redis struct {
	client *redis.Client
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]string // ticket ID -> token of the lock we hold
}

// NewRedis creates a locker on an existing client. ttl <= 0 uses DefaultTTL.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, tokens: make(map[string]string)}
}

// TryLock sets the ticket key if absent. The returned unlock releases it
// only while this holder still owns it.
func (r *Redis) TryLock(ctx context.Context, ticketID string) (func(), bool, error) {
	key := keyPrefix + ticketID
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock ticket %s: %w", ticketID, err)
	}
	if !ok {
		return nil, false, nil
	}

	r.mu.Lock()
	r.tokens[ticketID] = token
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if r.tokens[ticketID] == token {
			delete(r.tokens, ticketID)
		}
		r.mu.Unlock()

		// the caller's ctx may already be done by the time we unlock
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = release.Run(ctx, r.client, []string{key}, token).Err()
	}, true, nil
}

// Renew resets the TTL of a lock this locker holds. It returns ErrLockLost
// when the key expired or now belongs to another holder.
func (r *Redis) Renew(ctx context.Context, ticketID string) error {
	r.mu.Lock()
	token, ok := r.tokens[ticketID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("ticket %s: %w", ticketID, ErrLockLost)
	}

	n, err := renew.Run(ctx, r.client, []string{keyPrefix + ticketID}, token, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lock on ticket %s: %w", ticketID, err)
	}
	if n == 0 {
		return fmt.Errorf("ticket %s: %w", ticketID, ErrLockLost)
	}
	return nil
}
