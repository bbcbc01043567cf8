package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const claimPrefix = "commit_claim:"

// ErrClaimHeld means another worker owns the claim.
var ErrClaimHeld = errors.New("claim held by another owner")

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Claimer grants at most one live commit per reservation across processes.
// Owner prefixes every token so a contended claim names the instance holding it.
type Claimer struct {
	Client *redis.Client
	TTL    time.Duration
	Owner  string
}

func NewClaimer(client *redis.Client, ttl time.Duration) *Claimer {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	owner, err := os.Hostname()
	if err != nil || owner == "" {
		owner = "booking-service"
	}
	return &Claimer{Client: client, TTL: ttl, Owner: owner}
}

// Claim takes the single-writer claim for reservationID. The returned release
// func frees it if still owned; it is safe to call more than once.
func (c *Claimer) Claim(ctx context.Context, reservationID string) (func(context.Context) error, error) {
	key := claimPrefix + reservationID
	token := c.Owner + "/" + uuid.New().String()

	ok, err := c.Client.SetNX(ctx, key, token, c.TTL).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		holder, err := c.Holder(ctx, reservationID)
		if err != nil || holder == "" {
			return nil, ErrClaimHeld
		}
		return nil, fmt.Errorf("%w: %s", ErrClaimHeld, holder)
	}

	release := func(ctx context.Context) error {
		err := releaseScript.Run(ctx, c.Client, []string{key}, token).Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	return release, nil
}

// Holder returns the current owner token, or "" when unclaimed.
func (c *Claimer) Holder(ctx context.Context, reservationID string) (string, error) {
	val, err := c.Client.Get(ctx, claimPrefix+reservationID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}
