package payment

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockBusy is returned when another reconciliation of the same order held
// the lock for the whole wait.
var ErrLockBusy = errors.New("order is being reconciled elsewhere")

// Locker serialises reconciliation of one order across replicas.
type Locker interface {
	Lock(ctx context.Context, orderID string) (unlock func(), err error)
}

// only the holder's token may delete the key
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// OrderLock is a Redis SETNX lock keyed by order id. The TTL bounds how long
// a crashed holder can block others.
type OrderLock struct {
	Client *redis.Client
	TTL    time.Duration
	Poll   time.Duration
}

func NewOrderLock(client *redis.Client, ttl time.Duration) *OrderLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &OrderLock{Client: client, TTL: ttl, Poll: 50 * time.Millisecond}
}

func lockKey(orderID string) string {
	return "reconcile_lock:" + orderID
}

// TryLock takes the lock once without waiting.
func (l *OrderLock) TryLock(ctx context.Context, orderID string) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.Client.SetNX(ctx, lockKey(orderID), token, l.TTL).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		// the caller's ctx may already be done
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, l.Client, []string{lockKey(orderID)}, token).Err()
	}, true, nil
}

// Lock waits for the lock until ctx is done.
func (l *OrderLock) Lock(ctx context.Context, orderID string) (func(), error) {
	ticker := time.NewTicker(l.Poll)
	defer ticker.Stop()
	for {
		unlock, ok, err := l.TryLock(ctx, orderID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrLockBusy
			}
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrLockBusy
		case <-ticker.C:
		}
	}
}
