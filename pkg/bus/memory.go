package bus

import (
	"context"
	"strconv"
	"sync"
)

type memStream struct {
	msgs    []Message
	seqs    []uint64
	offsets map[string]int
}

// MemoryBroker holds in-process streams shared by any number of Memory
// clients. It backs the "memory" backend and the tests.
type MemoryBroker struct {
	mu      sync.Mutex
	seq     uint64
	streams map[string]*memStream
	notify  chan struct{}
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		streams: make(map[string]*memStream),
		notify:  make(chan struct{}),
	}
}

func (b *MemoryBroker) stream(topic string) *memStream {
	s, ok := b.streams[topic]
	if !ok {
		s = &memStream{offsets: make(map[string]int)}
		b.streams[topic] = s
	}
	return s
}

func (b *MemoryBroker) publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msg.ID = strconv.FormatUint(b.seq, 10)
	s := b.stream(msg.Topic)
	s.msgs = append(s.msgs, msg)
	s.seqs = append(s.seqs, b.seq)
	close(b.notify)
	b.notify = make(chan struct{})
}

// Messages returns every message ever published to topic.
func (b *MemoryBroker) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[topic]
	if !ok {
		return nil
	}
	return append([]Message(nil), s.msgs...)
}

type memCursor struct {
	topic string
	group string
}

// join registers group on the topic of sub if it is new.
func (b *MemoryBroker) join(c memCursor, newest bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(c.topic)
	if _, ok := s.offsets[c.group]; ok {
		return
	}
	if newest {
		s.offsets[c.group] = len(s.msgs)
	} else {
		s.offsets[c.group] = 0
	}
}

// next pops the pending message with the highest priority, oldest first. If
// none is pending it returns a channel closed on the next publish.
func (b *MemoryBroker) next(cursors []memCursor) (Message, bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		best    *memStream
		bestCur memCursor
		found   bool
	)
	for _, c := range cursors {
		s := b.stream(c.topic)
		off := s.offsets[c.group]
		if off >= len(s.msgs) {
			continue
		}
		if !found {
			best, bestCur, found = s, c, true
			continue
		}
		bo := best.offsets[bestCur.group]
		cand, cur := s.msgs[off], best.msgs[bo]
		if cand.Priority > cur.Priority || (cand.Priority == cur.Priority && s.seqs[off] < best.seqs[bo]) {
			best, bestCur = s, c
		}
	}
	if !found {
		return Message{}, false, b.notify
	}
	off := best.offsets[bestCur.group]
	best.offsets[bestCur.group] = off + 1
	return best.msgs[off], true, nil
}

// Memory is a Bus client of a MemoryBroker.
type Memory struct {
	broker   *MemoryBroker
	service  string
	instance string
}

// Bus returns a client for one process of service.
func (b *MemoryBroker) Bus(service, instance string) *Memory {
	return &Memory{broker: b, service: service, instance: instance}
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.broker.publish(msg)
	return nil
}

func (m *Memory) ReplyTopic() string {
	return replyTopic(m.service, m.instance)
}

func (m *Memory) Consume(ctx context.Context, subs []Subscription, h Handler) error {
	cursors := make([]memCursor, 0, len(subs))
	for _, sub := range subs {
		c := memCursor{topic: sub.Topic, group: m.service}
		if sub.Broadcast {
			c.group = m.service + "." + m.instance
		}
		m.broker.join(c, startsAtNewest(sub, m.ReplyTopic()))
		cursors = append(cursors, c)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, ok, wait := m.broker.next(cursors)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
			continue
		}
		h(ctx, msg)
	}
}
