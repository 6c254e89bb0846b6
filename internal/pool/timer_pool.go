package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer pulls a *time.Timer from the pool, resetting it to fire after d.
// The request queue's retry timer churns through this pool rather than
// allocating a fresh timer per retry round.
//
// Callers must return the timer with PutTimer once it's no longer needed.
func GetTimer(d time.Duration) *time.Timer {
	if v := timerPool.Get(); v != nil {
		t, _ := v.(*time.Timer) // only *time.Timer values are ever stored here
		if t.Reset(d) {
			// Timer was still armed; drain so a stale fire doesn't leak through.
			select {
			case <-t.C:
			default:
			}
		}
		return t
	}
	return time.NewTimer(d)
}

// PutTimer stops t and returns it to the pool. t must not be touched again
// afterward.
func PutTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}
