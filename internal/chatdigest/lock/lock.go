// Package lock provides conversation-scoped mutual exclusion for schedule
// mutations and digest cycles.
//
// KeyedMutex serialises callers inside one process. RedisLocker does the
// same across several chatdigest instances sharing one Redis, using SetNX
// with an owner token and a compare-and-delete release script.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by an Unlock whose lock already expired or was
// taken over by another owner.
var ErrNotHeld = errors.New("lock: not held")

// Unlock releases a lock obtained from a Locker.
type Unlock func() error

// Locker hands out locks keyed by an arbitrary string.
type Locker interface {
	// Lock blocks until key is acquired or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)

	// TryLock acquires key without waiting. The lock expires after ttl if
	// the holder never releases it (only meaningful for distributed
	// implementations). ok is false when another holder owns key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock Unlock, ok bool, err error)
}

// ScheduleKey is the lock guarding mutations of one conversation's schedule.
func ScheduleKey(conversationID string) string {
	return "schedule:" + conversationID
}

// CycleKey is the lock claimed for one digest occurrence of a conversation.
func CycleKey(conversationID, occurrence string) string {
	return "digest:" + conversationID + ":" + occurrence
}
