package gate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nightlyone/lockfile"
	"github.com/redis/go-redis/v9"
	"github.com/rustyeddy/jobtrader/internal/keylock"
)

// Locker provides non-blocking mutual exclusion keyed by job name. ok is
// false when another holder has the key.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// LocalLocker serialises holders inside one process.
type LocalLocker struct {
	locks keylock.Map
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	unlock, ok := l.locks.TryLock(key)
	return unlock, ok, nil
}

// FileLocker serialises holders across processes on one host with a pid
// lock file per key. Cron may start overlapping processes; the second one
// finds the file owned by a live process and backs off.
type FileLocker struct {
	Dir string
}

func (l *FileLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	dir, err := filepath.Abs(l.Dir)
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create lock dir %q: %w", dir, err)
	}

	path := filepath.Join(dir, key+".lock")
	flock, err := lockfile.New(path)
	if err != nil {
		return nil, false, fmt.Errorf("could not create lock file %q: %w", path, err)
	}
	if err := flock.TryLock(); err != nil {
		var temp interface{ Temporary() bool }
		if errors.Is(err, lockfile.ErrBusy) || (errors.As(err, &temp) && temp.Temporary()) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("could not get lock on file %q: %w", path, err)
	}
	return func() { _ = flock.Unlock() }, true, nil
}

// unlockScript deletes the key only if it still holds our token, so an
// expired lock taken over by another host is never released by us.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serialises holders across hosts. TTL bounds how long a
// crashed holder can keep the key; it must exceed the job timeout.
type RedisLocker struct {
	Client redis.UniversalClient
	Prefix string
	TTL    time.Duration
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, err := randomToken()
	if err != nil {
		return nil, false, err
	}

	name := l.Prefix + key
	ok, err := l.Client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = unlockScript.Run(uctx, l.Client, []string{name}, token).Err()
	}, true, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// chain acquires every locker in order and releases in reverse.
type chain []Locker

func (c chain) TryLock(ctx context.Context, key string) (func(), bool, error) {
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil || !ok {
			release()
			return nil, ok, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, true, nil
}
