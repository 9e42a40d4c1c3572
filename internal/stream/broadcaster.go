package stream

import "sync"

// DefaultReplaySize is the per-job replay log capacity. 200 messages covers
// a full five-stage build with per-percent progress updates.
const DefaultReplaySize = 200

// Broadcaster fans job messages out to subscribed sessions and keeps a
// bounded per-job replay log for reconnect catch-up. The log is not a system
// of record; the job and step rows are authoritative.
//
// Publishing never blocks: a subscriber whose queue is full is dropped and
// must reconnect and replay. All methods are safe for concurrent use.
type Broadcaster struct {
	mu         sync.Mutex
	replaySize int
	queueSize  int
	jobs       map[string]*jobLog
	subs       map[string]map[*Subscriber]struct{}
}

// jobLog is one job's sequence counter and retained tail of messages.
// oldest is the seq of entries[0]; entries always hold contiguous sequences.
type jobLog struct {
	seq     uint64
	oldest  uint64
	entries []Message
}

// NewBroadcaster creates a broadcaster with the given per-job replay
// capacity and per-subscriber send queue size.
func NewBroadcaster(replaySize, queueSize int) *Broadcaster {
	if replaySize <= 0 {
		replaySize = DefaultReplaySize
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Broadcaster{
		replaySize: replaySize,
		queueSize:  queueSize,
		jobs:       make(map[string]*jobLog),
		subs:       make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscriber is one session's delivery queue for a project's messages.
type Subscriber struct {
	projectID string
	ch        chan Message
	b         *Broadcaster
	closed    bool
}

// Messages returns the delivery channel. It is closed when the subscriber is
// dropped (full queue) or closed; the session must then reconnect and replay.
func (s *Subscriber) Messages() <-chan Message { return s.ch }

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.dropLocked()
}

func (s *Subscriber) dropLocked() {
	if s.closed {
		return
	}
	s.closed = true
	if set, ok := s.b.subs[s.projectID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.b.subs, s.projectID)
		}
	}
	close(s.ch)
}

// Subscribe registers a session for a project's live messages.
func (b *Broadcaster) Subscribe(projectID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscriber{projectID: projectID, ch: make(chan Message, b.queueSize), b: b}
	set, ok := b.subs[projectID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subs[projectID] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish assigns the next sequence number for the message's job, appends it
// to the replay log, and forwards it to every subscriber of the project.
// Returns the message with its assigned seq.
func (b *Broadcaster) Publish(projectID string, msg Message) Message {
	b.mu.Lock()
	log, ok := b.jobs[msg.JobID]
	if !ok {
		log = &jobLog{oldest: 1}
		b.jobs[msg.JobID] = log
	}
	log.seq++
	msg.Seq = log.seq
	log.entries = append(log.entries, msg)
	if len(log.entries) > b.replaySize {
		drop := len(log.entries) - b.replaySize
		log.entries = log.entries[drop:]
		log.oldest += uint64(drop)
	}

	var dropped []*Subscriber
	for s := range b.subs[projectID] {
		select {
		case s.ch <- msg:
		default:
			dropped = append(dropped, s)
		}
	}
	for _, s := range dropped {
		s.dropLocked()
	}
	b.mu.Unlock()
	return msg
}

// Replay returns, in order, the retained messages for a job with seq greater
// than since. When since predates the oldest retained entry, or lies beyond
// the job's counter (a position from a previous job), the second return is
// true and no partial data is returned: the caller must fetch a snapshot.
func (b *Broadcaster) Replay(jobID string, since uint64) ([]Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	log, ok := b.jobs[jobID]
	if !ok {
		// Nothing was ever published, or the whole job aged out of memory.
		// Either way a client claiming to have seen messages is behind a gap.
		if since > 0 {
			return nil, true
		}
		return nil, false
	}
	if since+1 < log.oldest {
		return nil, true
	}
	if since == log.seq {
		return nil, false
	}
	if since > log.seq {
		// The claimed position is ahead of this job's counter: the client's
		// seq belongs to an earlier job on the project. Only a snapshot can
		// reconcile its view with the new stream.
		return nil, true
	}
	start := int(since + 1 - log.oldest)
	out := make([]Message, len(log.entries)-start)
	copy(out, log.entries[start:])
	return out, false
}

// CurrentSeq returns the last assigned sequence for a job, zero if none.
func (b *Broadcaster) CurrentSeq(jobID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if log, ok := b.jobs[jobID]; ok {
		return log.seq
	}
	return 0
}
