// Package stream holds the in-flight response machinery: a registry of
// resumable streams keyed by stream id, and the accumulator that folds
// backend events into the typed parts array persisted at the end of a turn.
package stream

import (
	"sync"
)

// Stream is one in-flight response. Frames published to it are buffered for
// replay and fanned out to live subscribers. A stream lives for the duration
// of the originating HTTP response and is removed from the registry once the
// turn finishes.
type Stream struct {
	id string

	mu          sync.Mutex
	frames      [][]byte
	subscribers map[int]chan []byte
	nextSubID   int
	closed      bool
}

func (s *Stream) ID() string { return s.id }

// Publish appends a frame and delivers it to live subscribers. A subscriber
// that cannot keep up is dropped rather than blocking the producer.
func (s *Stream) Publish(frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames = append(s.frames, buf)
	for id, subscriber := range s.subscribers {
		select {
		case subscriber <- buf:
		default:
			delete(s.subscribers, id)
			close(subscriber)
		}
	}
}

// Close marks the stream finished and releases live subscribers. Publishing
// after Close is a no-op.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, subscriber := range s.subscribers {
		delete(s.subscribers, id)
		close(subscriber)
	}
}

// subscribe returns every frame published so far plus a channel of frames to
// come. The channel is closed when the stream closes. cancel detaches the
// subscriber early.
func (s *Stream) subscribe() (replay [][]byte, live <-chan []byte, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replay = make([][]byte, len(s.frames))
	copy(replay, s.frames)

	channel := make(chan []byte, 64)
	if s.closed {
		close(channel)
		return replay, channel, func() {}
	}

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = channel

	cancel = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if subscriber, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(subscriber)
		}
	}
	return replay, channel, cancel
}

// Registry maps stream ids to in-flight streams so a reconnecting client can
// pick up an already-started response.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*Stream
}

func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*Stream)}
}

// Register creates and tracks a stream under the given id. Registering an id
// that is already present supersedes the old stream: it is closed and
// replaced, last registered wins.
func (r *Registry) Register(id string) *Stream {
	created := &Stream{id: id, subscribers: make(map[int]chan []byte)}

	r.mu.Lock()
	previous := r.streams[id]
	r.streams[id] = created
	r.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	return created
}

// Release closes the stream and drops it from the registry. Safe to call for
// an id that was already superseded; only the current entry is removed.
func (r *Registry) Release(stream *Stream) {
	stream.Close()

	r.mu.Lock()
	if r.streams[stream.id] == stream {
		delete(r.streams, stream.id)
	}
	r.mu.Unlock()
}

// Subscribe attaches to an in-flight stream. ok is false when the id is
// unknown, either never registered or already finished.
func (r *Registry) Subscribe(id string) (replay [][]byte, live <-chan []byte, cancel func(), ok bool) {
	r.mu.Lock()
	stream := r.streams[id]
	r.mu.Unlock()

	if stream == nil {
		return nil, nil, nil, false
	}
	replay, live, cancel = stream.subscribe()
	return replay, live, cancel, true
}
