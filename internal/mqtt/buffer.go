package mqtt

import "log"

// queuedMsg is one telemetry message held back while the broker is
// unreachable.
type queuedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// replayBuffer holds the telemetry mirror's disconnect backlog: a
// fixed-capacity FIFO that overwrites its oldest entry when full. The on-disk
// event queue is the durable record; the mirror may lose old copies but must
// keep the newest. Callers synchronize access.
type replayBuffer struct {
	msgs  []queuedMsg
	next  int // slot the next push writes to
	count int
	lossy bool // an overwrite happened since the last drain
}

func newReplayBuffer(capacity int) *replayBuffer {
	return &replayBuffer{msgs: make([]queuedMsg, capacity)}
}

func (b *replayBuffer) push(m queuedMsg) {
	if b.count == len(b.msgs) {
		// next points at the oldest entry exactly when full.
		if !b.lossy {
			log.Printf("mqtt: replay backlog full (%d), overwriting oldest", len(b.msgs))
			b.lossy = true
		}
	} else {
		b.count++
	}
	b.msgs[b.next] = m
	b.next = (b.next + 1) % len(b.msgs)
}

// drainAll empties the buffer and returns the backlog oldest-first.
func (b *replayBuffer) drainAll() []queuedMsg {
	if b.count == 0 {
		return nil
	}
	out := make([]queuedMsg, 0, b.count)
	start := (b.next - b.count + len(b.msgs)) % len(b.msgs)
	for i := 0; i < b.count; i++ {
		out = append(out, b.msgs[(start+i)%len(b.msgs)])
	}
	b.next = 0
	b.count = 0
	b.lossy = false
	return out
}

func (b *replayBuffer) len() int {
	return b.count
}
