package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by WithLock when another process holds the key.
var ErrNotAcquired = errors.New("lock held elsewhere")

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Renewable is implemented by locks whose hold can be extended while work
// is still running.
type Renewable interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

// Renew extends lock by ttl when it supports renewal and is a no-op
// otherwise. It returns ErrLockLost once the hold has passed to someone else.
func Renew(ctx context.Context, lock DistLock, ttl time.Duration) error {
	r, ok := lock.(Renewable)
	if !ok {
		return nil
	}
	return r.Extend(ctx, ttl)
}

// Locker hands out a fresh lock per key. The scheduler, scanners and insight
// builder all take a Locker so tests can substitute an in-process one.
type Locker interface {
	Lock(key string, ttl time.Duration) DistLock
}

// Backend picks Redis when a client is configured and falls back to
// PostgreSQL advisory locks otherwise.
type Backend struct {
	Redis *redis.Client
	DB    *sql.DB
}

// Lock implements Locker.
func (b Backend) Lock(key string, ttl time.Duration) DistLock {
	return NewLock(b.Redis, b.DB, key, ttl)
}

// NewLock creates a distributed lock using the best available backend.
// If redisClient is non-nil, uses Redis (preferred for cross-host locking).
// Otherwise falls back to PostgreSQL advisory locks.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// WithLock runs fn while holding lock. It returns ErrNotAcquired without
// calling fn when the lock is taken.
func WithLock(ctx context.Context, lock DistLock, fn func(ctx context.Context) error) error {
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer lock.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

// Lock keys shared by every process that runs the scheduler.

// CampaignKey guards one campaign's materialize+send run.
func CampaignKey(campaignID string) string { return "campaign:send:" + campaignID }

// ScanKey guards one automation's daily trigger scan.
func ScanKey(automationID string, day time.Time) string {
	return fmt.Sprintf("scan:%s:%s", automationID, day.UTC().Format("2006-01-02"))
}

// InsightKey guards a tenant's insight rebuild.
func InsightKey(tenantID string) string { return "insight:rebuild:" + tenantID }

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// Uses pg_try_advisory_lock / pg_advisory_unlock which are session-scoped, so
// the lock pins one pooled connection between Acquire and Release.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock. Returns true if successful.
// Uses pg_try_advisory_lock which returns immediately (non-blocking).
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release releases the advisory lock and returns the pinned connection.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	l.conn.Close()
	l.conn = nil
	return err
}

// Extend checks that the session pinning the lock is still alive. Advisory
// locks do not expire, so ttl is unused; a dropped session has released the
// lock and yields ErrLockLost.
func (l *PGAdvisoryLock) Extend(ctx context.Context, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrLockLost
	}
	if err := l.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrLockLost, err)
	}
	return nil
}
