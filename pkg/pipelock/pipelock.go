// Package pipelock serializes pipeline stages across worker replicas
// with a lease row in PostgreSQL. Only one holder per key at a time;
// leases expire on their own if a holder dies mid-batch.
package pipelock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrHeld means another worker currently holds the lease.
	ErrHeld = errors.New("pipeline lock held elsewhere")
	// ErrLost means the lease expired or was taken over mid-run.
	ErrLost = errors.New("pipeline lock lost")
)

// KeyResolution guards the resolution batch stage.
const KeyResolution = "entity_resolution"

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Guard struct {
	db dbConn

	ttl   time.Duration
	renew time.Duration
}

type GuardParams struct {
	Pool *pgxpool.Pool
	// TTL is how long a lease survives without renewal. Defaults to
	// 5 minutes.
	TTL time.Duration
}

func NewGuard(params GuardParams) *Guard {
	ttl := params.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	renew := ttl / 2
	if renew < time.Second {
		renew = time.Second
	}
	return &Guard{db: params.Pool, ttl: ttl, renew: renew}
}

// WithLease acquires the lease for key, runs fn under a context that is
// cancelled if the lease is lost, and releases the lease afterwards.
// Returns ErrHeld without running fn when another worker holds the key.
func (g *Guard) WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lease, err := g.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		_ = lease.release(context.Background())
	}()
	return fn(lease.ctx)
}

type lease struct {
	guard *Guard
	key   string
	token string

	ctx    context.Context
	cancel context.CancelCauseFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

const acquireSQL = `
INSERT INTO pipeline_locks (lock_key, locked_by, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (lock_key) DO UPDATE
SET locked_by  = EXCLUDED.locked_by,
    expires_at = EXCLUDED.expires_at
WHERE pipeline_locks.expires_at < now()
   OR pipeline_locks.locked_by = EXCLUDED.locked_by
RETURNING lock_key`

func (g *Guard) acquire(ctx context.Context, key string) (*lease, error) {
	if key == "" {
		return nil, errors.New("pipeline lock key is empty")
	}
	token, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	var returnedKey string
	err = g.db.QueryRow(ctx, acquireSQL, key, token, g.ttl.Milliseconds()).Scan(&returnedKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHeld
	}
	if err != nil {
		return nil, err
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &lease{
		guard:  g,
		key:    key,
		token:  token,
		ctx:    leaseCtx,
		cancel: cancel,
		stopCh: make(chan struct{}),
	}
	go l.renewLoop()
	return l, nil
}

const renewSQL = `
UPDATE pipeline_locks
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE lock_key = $1 AND locked_by = $2
RETURNING lock_key`

func (l *lease) renewLoop() {
	ticker := time.NewTicker(l.guard.renew)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.renewOnce(); err != nil {
				l.cancel(err)
				return
			}
		}
	}
}

func (l *lease) renewOnce() error {
	renewCtx, cancel := context.WithTimeout(l.ctx, 15*time.Second)
	defer cancel()

	var returnedKey string
	err := l.guard.db.QueryRow(renewCtx, renewSQL,
		l.key, l.token, l.guard.ttl.Milliseconds()).Scan(&returnedKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrLost
	}
	return err
}

const releaseSQL = `
DELETE FROM pipeline_locks
WHERE lock_key = $1 AND locked_by = $2`

func (l *lease) release(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.cancel(context.Canceled)
	})
	_, err := l.guard.db.Exec(ctx, releaseSQL, l.key, l.token)
	return err
}
