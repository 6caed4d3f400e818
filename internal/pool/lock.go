// Package pool implements the chunk pool: the sharded content-addressed
// chunk store (C3), the cooperative single-writer lock over it (C1),
// the three-level reference-count stores (C4) and fsck (C11).
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// UpdateInterval is how often a held lock's heartbeat timestamp is
// rewritten (spec.md §4.1), jittered ±30%.
const UpdateInterval = 30 * time.Second

// CheckInterval is how often a waiter polls for a lock to free up
// (spec.md §4.1), jittered ±30%.
const CheckInterval = 5 * time.Second

// MaxWaitTime bounds how long Acquire will wait before giving up
// (spec.md §4.1).
const MaxWaitTime = 3600 * time.Second

// staleAfter is the heartbeat age past which a lock file is considered
// abandoned and removed.
const staleAfter = 3 * UpdateInterval

// ErrLockTimeout is returned by Acquire when MaxWaitTime elapses
// without acquiring the lock.
var ErrLockTimeout = errors.New("pool: timed out waiting for lock")

// lockRecord is the length-delimited payload written into the lock
// file: {pid, unix_timestamp, name}.
type lockRecord struct {
	Pid       int64
	Timestamp int64
	Name      string
}

func (l *lockRecord) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(l.Pid))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(l.Timestamp))
	if l.Name != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, l.Name)
	}
	return b
}

func (l *lockRecord) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			l.Pid = int64(v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			l.Timestamp = int64(v)
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			l.Name = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// Guard represents a held pool lock; Release must be called exactly
// once, on every exit path, to remove the lock file and stop the
// heartbeat.
type Guard struct {
	path     string
	cancel   context.CancelFunc
	done     chan struct{}
	released sync.Once
}

// Acquire takes the exclusive pool lock at <poolPath>/lock, creating it
// with create-exclusive semantics. If an existing lock file is stale
// (heartbeat older than 3*UpdateInterval) it is removed and retried.
// Waiters poll every CheckInterval and give up with ErrLockTimeout
// after MaxWaitTime.
func Acquire(ctx context.Context, poolPath, name string) (*Guard, error) {
	lockPath := filepath.Join(poolPath, "lock")
	deadline := time.Now().Add(MaxWaitTime)

	for {
		if err := tryCreate(lockPath, name); err == nil {
			return startHeartbeat(lockPath, name), nil
		} else if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		if removeIfStale(lockPath) {
			continue
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitter(CheckInterval)):
		}
	}
}

func tryCreate(path, name string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	rec := lockRecord{Pid: int64(os.Getpid()), Timestamp: time.Now().Unix(), Name: name}
	_, err = f.Write(rec.marshal())
	return err
}

func removeIfStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// Unreadable lock file: leave it for an operator rather than
		// guessing it is safe to remove.
		return false
	}
	var rec lockRecord
	if err := rec.unmarshal(data); err != nil {
		return false
	}
	age := time.Since(time.Unix(rec.Timestamp, 0))
	if age < staleAfter {
		return false
	}
	return os.Remove(path) == nil
}

func startHeartbeat(path, name string) *Guard {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Guard{path: path, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(g.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(UpdateInterval)):
				rec := lockRecord{Pid: int64(os.Getpid()), Timestamp: time.Now().Unix(), Name: name}
				_ = os.WriteFile(path, rec.marshal(), 0o644)
			}
		}
	}()
	return g
}

// Release removes the lock file and stops the heartbeat. Safe to call
// more than once; only the first call has effect.
func (g *Guard) Release() error {
	var err error
	g.released.Do(func() {
		g.cancel()
		<-g.done
		rmErr := os.Remove(g.path)
		if rmErr != nil && !os.IsNotExist(rmErr) {
			err = fmt.Errorf("removing lock file: %w", rmErr)
		}
	})
	return err
}

func jitter(base time.Duration) time.Duration {
	// ±30% jitter around base.
	delta := float64(base) * 0.3
	offset := (rand.Float64()*2 - 1) * delta
	return base + time.Duration(offset)
}
