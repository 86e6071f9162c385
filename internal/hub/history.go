package hub

import "github.com/pscheid92/taskpulse/internal/protocol"

// historyRing is a bounded per-room buffer of recently broadcast events.
// The ring is created lazily with a room's first broadcast and dropped
// together with the room's membership set.
type historyRing struct {
	events []protocol.HistoryEvent
	next   int
	full   bool
}

func newHistoryRing(size int) *historyRing {
	return &historyRing{events: make([]protocol.HistoryEvent, size)}
}

func (r *historyRing) add(event protocol.HistoryEvent) {
	r.events[r.next] = event
	r.next++
	if r.next == len(r.events) {
		r.next = 0
		r.full = true
	}
}

// list returns the buffered events oldest-first.
func (r *historyRing) list() []protocol.HistoryEvent {
	if !r.full {
		out := make([]protocol.HistoryEvent, r.next)
		copy(out, r.events[:r.next])
		return out
	}
	out := make([]protocol.HistoryEvent, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	out = append(out, r.events[:r.next]...)
	return out
}
