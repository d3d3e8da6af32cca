package registry

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
)

// LockName identifies the advisory lock serializing sync work across
// processes. The 64-bit FNV-1a hash of this name is the lock key.
const LockName = "blocklist-sync"

// Lock is a Postgres advisory lock held on a dedicated connection. The lock
// lives exactly as long as the session, so a crashed holder releases it the
// moment its connection dies.
type Lock struct {
	url string
	key int64
}

// NewLock returns a lock that will connect to the given database URL.
func NewLock(url string) *Lock {
	h := fnv.New64a()
	h.Write([]byte(LockName))
	return &Lock{url: url, key: int64(h.Sum64())}
}

// RunWithLock runs fn while holding the lock. When another session holds it,
// RunWithLock returns acquired=false immediately without running fn.
func (l *Lock) RunWithLock(ctx context.Context, fn func(context.Context) error) (acquired bool, err error) {
	conn, err := pgx.Connect(ctx, l.url)
	if err != nil {
		return false, fmt.Errorf("connect for advisory lock: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, l.key).Scan(&acquired); err != nil {
		return false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	return true, fn(ctx)
}
