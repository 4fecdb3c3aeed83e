package fanout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const maxClaimAttempts = 10

// RedisOwners records, per user, which connection owns the user's session
// across all gateway instances. Each claim gets a generation one above the
// previous, so instances can tell a newer connection from a stale one.
//
// The value of a user's key is "<generation>:<connectionID>"; a released
// key keeps its generation with an empty connection id.
type RedisOwners struct {
	client *redis.Client
	prefix string
}

func NewRedisOwners(client *redis.Client, prefix string) *RedisOwners {
	return &RedisOwners{client: client, prefix: prefix}
}

func (o *RedisOwners) key(userID string) string {
	return o.prefix + ":owner:" + userID
}

func parseOwner(v string) (uint64, string) {
	gen, conn, _ := strings.Cut(v, ":")
	n, _ := strconv.ParseUint(gen, 10, 64)
	return n, conn
}

func formatOwner(gen uint64, connectionID string) string {
	return strconv.FormatUint(gen, 10) + ":" + connectionID
}

// update runs fn in an optimistic transaction on key, retrying when another
// instance wrote the key concurrently.
func (o *RedisOwners) update(ctx context.Context, key string, fn func(tx *redis.Tx, cur string) error) error {
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		return fn(tx, cur)
	}
	for i := 0; i < maxClaimAttempts; i++ {
		err := o.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

// Claim makes connectionID the owner of userID and returns its generation.
func (o *RedisOwners) Claim(ctx context.Context, userID, connectionID string) (uint64, error) {
	key := o.key(userID)
	var gen uint64
	err := o.update(ctx, key, func(tx *redis.Tx, cur string) error {
		prev, _ := parseOwner(cur)
		gen = prev + 1
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, formatOwner(gen, connectionID), 0)
			return nil
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("claim session of %s: %w", userID, err)
	}
	return gen, nil
}

// Release gives up ownership of userID if connectionID still holds it. It
// reports false when a newer connection owns the user.
func (o *RedisOwners) Release(ctx context.Context, userID, connectionID string) (bool, error) {
	key := o.key(userID)
	released := false
	err := o.update(ctx, key, func(tx *redis.Tx, cur string) error {
		gen, owner := parseOwner(cur)
		if owner != connectionID {
			// Nothing recorded at all counts as released.
			released = owner == ""
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, formatOwner(gen, ""), 0)
			return nil
		})
		released = err == nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("release session of %s: %w", userID, err)
	}
	return released, nil
}

// Live reports whether any instance holds a session of userID.
func (o *RedisOwners) Live(ctx context.Context, userID string) (bool, error) {
	cur, err := o.client.Get(ctx, o.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("owner of %s: %w", userID, err)
	}
	_, owner := parseOwner(cur)
	return owner != "", nil
}
