// Package keylock provides per-key mutual exclusion.
//
// A Locker hands out one lock per key. Callers holding different keys never
// block each other; callers sharing a key run one at a time. Entries are
// reference counted and dropped once no caller holds or waits on them, so
// memory tracks the number of active callers rather than every key ever seen.
//
// # Basic Usage
//
//	locks := keylock.New[string]()
//
//	unlock, err := locks.Lock(ctx, "SysA")
//	if err != nil {
//	    return err // ctx ended while waiting
//	}
//	defer unlock()
//
// The unlock function is idempotent.
package keylock
