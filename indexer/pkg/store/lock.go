package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// challengeLockKey maps a challenge id onto the bigint advisory lock space.
// The namespace prefix keeps it apart from other advisory lock users such as
// the migration locker.
func challengeLockKey(challengeID int64) int64 {
	h := fnv.New64a()
	h.Write([]byte("doomscroll/challenge/"))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(challengeID))
	h.Write(b[:])
	return int64(h.Sum64())
}

// WithChallengeLock runs fn while holding a session advisory lock for the
// challenge. It returns false without calling fn when another session holds
// the lock.
//
// fn receives a Store bound to the connection that holds the lock and must
// use it for every query, so a locked pass never waits on the pool for a
// second connection.
func (s *Store) WithChallengeLock(ctx context.Context, challengeID int64, fn func(ctx context.Context, locked *Store) error) (bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	key := challengeLockKey(challengeID)
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		return false, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !locked {
		return false, nil
	}
	defer func() {
		// Use a fresh context so the unlock still runs after cancellation.
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			s.log.Warn("store: failed to release advisory lock", "challenge_id", challengeID, "error", err)
		}
	}()

	return true, fn(ctx, &Store{log: s.log, pool: s.pool, db: conn})
}
