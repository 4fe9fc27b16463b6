package depositclient

import (
	"time"

	"github.com/onemorebsmith/deposit-ingest/src/clock"
)

// slotTimer holds at most one pending timer, arming replaces the previous one.
// Callbacks receive the generation they were armed with; the owner checks it
// with consume so a callback that lost a race with stop/arm is a no-op.
// Not safe for concurrent use, the owner serializes access.
type slotTimer struct {
	clock clock.Clock
	timer *clock.Timer
	gen   uint64
}

func (st *slotTimer) arm(d time.Duration, fire func(gen uint64)) {
	st.stop()
	gen := st.gen
	st.timer = st.clock.AfterFunc(d, func() { fire(gen) })
}

func (st *slotTimer) stop() {
	st.gen++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

// consume reports whether gen is the live timer and marks it as fired
func (st *slotTimer) consume(gen uint64) bool {
	if st.timer == nil || st.gen != gen {
		return false
	}
	st.timer = nil
	return true
}

func (st *slotTimer) pending() bool {
	return st.timer != nil
}

// KeepaliveMonitor is a dead-man's switch: unless Arm is called again within
// the current window, onExpire fires. Owned by a single supervisor, which
// holds its lock around every call.
type KeepaliveMonitor struct {
	slot           slotTimer
	clock          clock.Clock
	window         time.Duration
	lastLivenessAt time.Time
	onExpire       func(gen uint64)
}

func NewKeepaliveMonitor(clk clock.Clock, onExpire func(gen uint64)) *KeepaliveMonitor {
	return &KeepaliveMonitor{
		slot:     slotTimer{clock: clk},
		clock:    clk,
		onExpire: onExpire,
	}
}

// Arm records a liveness signal and (re)starts the window
func (k *KeepaliveMonitor) Arm(window time.Duration) {
	k.window = window
	k.lastLivenessAt = k.clock.Now()
	k.slot.arm(window, k.onExpire)
}

func (k *KeepaliveMonitor) Stop() {
	k.slot.stop()
}

// Expired must be called from onExpire; false means the expiry is stale.
func (k *KeepaliveMonitor) Expired(gen uint64) bool {
	return k.slot.consume(gen)
}

func (k *KeepaliveMonitor) Armed() bool {
	return k.slot.pending()
}

func (k *KeepaliveMonitor) Window() time.Duration {
	return k.window
}

func (k *KeepaliveMonitor) LastLivenessAt() time.Time {
	return k.lastLivenessAt
}
