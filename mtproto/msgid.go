package mtproto

import (
	"sync"
	"time"
)

const msgIDFracScale = (1<<32 - 1) / 1000

// MessageIDGenerator assigns strictly increasing client message ids
// from the local clock shifted by the estimated server time delta.
type MessageIDGenerator struct {
	mx    sync.Mutex
	last  uint64
	delta int64
	now   func() time.Time
}

func NewMessageIDGenerator(now func() time.Time) *MessageIDGenerator {
	if now == nil {
		now = time.Now
	}
	return &MessageIDGenerator{now: now}
}

func (g *MessageIDGenerator) Next() uint64 {
	g.mx.Lock()
	defer g.mx.Unlock()

	id := messageIDFromMillis(g.now().UnixMilli() + g.delta)
	if id <= g.last {
		id = g.last + 4
	}
	g.last = id
	return id
}

// Delta is the server minus local clock difference in milliseconds.
func (g *MessageIDGenerator) Delta() int64 {
	g.mx.Lock()
	defer g.mx.Unlock()
	return g.delta
}

func (g *MessageIDGenerator) SetDelta(ms int64) {
	g.mx.Lock()
	g.delta = ms
	g.mx.Unlock()
}

// SyncWith sets delta so the local clock matches the time encoded in a server message id.
func (g *MessageIDGenerator) SyncWith(serverMsgID uint64) int64 {
	g.mx.Lock()
	defer g.mx.Unlock()

	g.delta = MessageIDTime(serverMsgID).UnixMilli() - g.now().UnixMilli()
	return g.delta
}

func messageIDFromMillis(ms int64) uint64 {
	secs, frac := ms/1000, ms%1000
	id := uint64(secs)<<32 | uint64(frac)*msgIDFracScale
	return id &^ 3
}

// MessageIDTime decodes the unix time of a message id.
func MessageIDTime(id uint64) time.Time {
	secs := int64(id >> 32)
	ms := ((id&0xFFFFFFFF)*1000 + 1<<31) >> 32
	return time.UnixMilli(secs*1000 + int64(ms))
}

// DeltaTimeState tracks the correction of message id time after
// the server rejected an id as too low or too high.
type DeltaTimeState int

const (
	DeltaTimeOk DeltaTimeState = iota
	DeltaTimeForwardStep1
	DeltaTimeForwardStep2
	DeltaTimeBackwardStep1
	DeltaTimeBackwardStep2
)

func (s DeltaTimeState) String() string {
	switch s {
	case DeltaTimeOk:
		return "ok"
	case DeltaTimeForwardStep1:
		return "forward step 1"
	case DeltaTimeForwardStep2:
		return "forward step 2"
	case DeltaTimeBackwardStep1:
		return "backward step 1"
	case DeltaTimeBackwardStep2:
		return "backward step 2"
	}
	return "unknown"
}

func (s DeltaTimeState) forward() bool {
	return s == DeltaTimeForwardStep1 || s == DeltaTimeForwardStep2
}

func (s DeltaTimeState) backward() bool {
	return s == DeltaTimeBackwardStep1 || s == DeltaTimeBackwardStep2
}

// deltaTimeNudge is applied on the second correction in one direction,
// it stays inside the 30s future and 300s past windows servers accept.
const deltaTimeNudge = 10 * time.Second

// correctDelta moves the state on a too low (forward) or too high (backward) signal,
// re-estimates delta from the server message id and returns the new state.
func correctDelta(state DeltaTimeState, forward bool, ids *MessageIDGenerator, serverMsgID uint64) DeltaTimeState {
	if (forward && state.backward()) || (!forward && state.forward()) {
		return DeltaTimeOk
	}

	var next DeltaTimeState
	switch {
	case forward && state == DeltaTimeOk:
		next = DeltaTimeForwardStep1
	case forward:
		next = DeltaTimeForwardStep2
	case state == DeltaTimeOk:
		next = DeltaTimeBackwardStep1
	default:
		next = DeltaTimeBackwardStep2
	}

	delta := ids.SyncWith(serverMsgID)
	switch next {
	case DeltaTimeForwardStep2:
		ids.SetDelta(delta + deltaTimeNudge.Milliseconds())
	case DeltaTimeBackwardStep2:
		ids.SetDelta(delta - deltaTimeNudge.Milliseconds())
	}
	return next
}
