package ready

import (
	"github.com/ix-project/zygos/ccb"
	"github.com/ix-project/zygos/proto"
)

// Emit turns one CCB's accumulated state into the ordered batch of user
// events spec.md §4.5 describes: KNOCK, CONNECTED, SENDV_RET, SENT, one
// RECV per buffered pbuf, DEAD, KSYS_RET. Every counter it reads is reset
// as it is consumed, and ActiveUsysCount is incremented once per emitted
// event (spec.md §4.5's "Counters are reset as they are emitted").
//
// Callers (the normal drain path and cross-CPU steal) must call this while
// holding the owning queue's lock, since it mutates CCB fields that are
// otherwise only safe to touch from the owner CPU (spec.md §5).
func Emit(c *ccb.CCB) []proto.Event {
	var out []proto.Event

	if c.UEvents&ccb.UEventKnock != 0 {
		iomap := uint64(0)
		if c.ID != nil {
			iomap = c.ID.IomapPtr
		}
		out = append(out, proto.Event{Evcode: proto.EvTCPKnock, Arga: uint64(c.Handle), Argb: iomap})
		c.ActiveUsysCount++
	}
	if c.UEvents&ccb.UEventConnected != 0 {
		out = append(out, proto.Event{Evcode: proto.EvTCPConnected, Arga: uint64(c.Handle), Argb: c.Cookie})
		c.ActiveUsysCount++
	}
	c.UEvents = 0

	if c.LenXmited > 0 {
		out = append(out, proto.Event{Evcode: proto.EvTCPSendvRet, Arga: uint64(c.Handle), Argb: c.Cookie, Argc: uint64(c.LenXmited)})
		c.LenXmited = 0
		c.ActiveUsysCount++
	}

	if c.SentLen > 0 {
		out = append(out, proto.Event{Evcode: proto.EvTCPSent, Arga: uint64(c.Handle), Argb: c.Cookie, Argc: uint64(c.SentLen)})
		c.SentLen = 0
		c.ActiveUsysCount++
	}

	for _, pb := range c.PbufForUsys {
		out = append(out, proto.Event{
			Evcode: proto.EvTCPRecv,
			Arga:   uint64(c.Handle),
			Argb:   c.Cookie,
			Argc:   pb.IomapPtr,
			Argd:   uint64(len(pb.Data)),
		})
		c.ActiveUsysCount++
	}
	c.PbufForUsys = nil

	if !c.Alive {
		out = append(out, proto.Event{Evcode: proto.EvTCPDead, Arga: uint64(c.Handle), Argb: c.Cookie})
		c.ActiveUsysCount++
	}

	if c.LastErr != nil && c.LastErr.Sysnr != 0 {
		out = append(out, proto.Event{
			Evcode: proto.EvKsysRet,
			Arga:   c.LastErr.Sysnr,
			Argb:   uint64(c.LastErr.Err.Negated()),
			Argc:   c.Cookie,
		})
		c.LastErr = nil
		c.ActiveUsysCount++
	}

	return out
}

// Drain pops one CCB from q (if any) and emits its events, matching
// spec.md §4.5's "Drains one CCB at a time (under the queue lock)". It
// returns nil, false if the queue was empty.
func Drain(q *Queue) ([]proto.Event, bool) {
	q.Lock()
	defer q.Unlock()
	c := q.popFrontLocked()
	if c == nil {
		return nil, false
	}
	return Emit(c), true
}
