package bridge

import (
	"slices"
	"time"
)

// fullBufferRecheck bounds how long the scheduler sleeps while the peer's
// playback buffer is full.
const fullBufferRecheck = time.Second

type outKind int

const (
	outAudio outKind = iota
	outMessage
	outMark
	outClear
	outError
)

// outItem is one entry of a connection's outbound FIFO.
type outItem struct {
	kind outKind

	// audio is the encoded payload and dur its playback time.
	audio []byte
	dur   time.Duration

	// typ and payload describe an outMessage.
	typ     string
	payload any

	// mark is the checkpoint name and received when it arrived.
	mark     string
	received time.Time

	// err is the cause carried by outError.
	err *ProtocolError
}

// scheduler simulates the peer's playout clock. Audio is released while
// less than maxBuffered of playback is pending. With pace set, other items
// wait until all earlier audio is assumed played back; otherwise they only
// wait for earlier items to be written, which the FIFO already guarantees.
//
// A scheduler is owned by the connection's writer goroutine.
type scheduler struct {
	maxBuffered time.Duration
	pace        bool

	playoutEnd time.Time
	queue      []outItem
}

func newScheduler(maxBuffered time.Duration, pace bool) *scheduler {
	return &scheduler{maxBuffered: maxBuffered, pace: pace}
}

// push appends it. A clear purges queued audio and jumps the queue.
func (s *scheduler) push(it outItem) {
	if it.kind != outClear {
		s.queue = append(s.queue, it)
		return
	}
	s.queue = slices.DeleteFunc(s.queue, func(q outItem) bool { return q.kind == outAudio })
	s.queue = slices.Insert(s.queue, 0, it)
}

// next pops the front item if it may be written at now. Otherwise it returns
// how long to wait before asking again; a zero wait with ready false means
// the queue is empty.
func (s *scheduler) next(now time.Time) (it outItem, wait time.Duration, ready bool) {
	if s.playoutEnd.Before(now) {
		s.playoutEnd = now
	}
	if len(s.queue) == 0 {
		return outItem{}, 0, false
	}
	front := s.queue[0]
	switch front.kind {
	case outAudio:
		limit := now.Add(s.maxBuffered)
		if !s.playoutEnd.Before(limit) {
			return outItem{}, min(max(s.playoutEnd.Sub(limit), time.Millisecond), fullBufferRecheck), false
		}
		s.playoutEnd = s.playoutEnd.Add(front.dur)
	case outClear:
		s.playoutEnd = now
	case outError:
		// Errors end the connection and never wait.
	default:
		if s.pace && now.Before(s.playoutEnd) {
			return outItem{}, s.playoutEnd.Sub(now), false
		}
	}
	s.queue[0] = outItem{}
	s.queue = s.queue[1:]
	return front, 0, true
}

// pending returns the playback time still buffered at the peer.
func (s *scheduler) pending(now time.Time) time.Duration {
	if s.playoutEnd.Before(now) {
		return 0
	}
	return s.playoutEnd.Sub(now)
}

// drain removes and returns every queued item in order.
func (s *scheduler) drain() []outItem {
	out := s.queue
	s.queue = nil
	return out
}

func (s *scheduler) size() int { return len(s.queue) }
