package debounce

import (
	"sync"

	"github.com/nextlevelbuilder/crisprelay/internal/bus"
)

// PendingBuffer holds the text collected for one session since its last flush.
type PendingBuffer struct {
	Fragments []string
	Last      bus.InboundMessage // most recent raw event, the pass-through template
}

// BufferStore keeps one PendingBuffer per session. Safe for concurrent use.
type BufferStore struct {
	mu      sync.Mutex
	buffers map[string]*PendingBuffer
}

// NewBufferStore creates an empty store.
func NewBufferStore() *BufferStore {
	return &BufferStore{buffers: make(map[string]*PendingBuffer)}
}

// Append adds text to the session's buffer, creating it if needed, and records
// raw as the most recent original. Returns the fragment count after appending.
func (s *BufferStore) Append(session, text string, raw bus.InboundMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[session]
	if !ok {
		buf = &PendingBuffer{}
		s.buffers[session] = buf
	}
	buf.Fragments = append(buf.Fragments, text)
	buf.Last = raw
	return len(buf.Fragments)
}

// GetAndClear removes the session's buffer and returns its fragments in
// arrival order together with the last raw event.
func (s *BufferStore) GetAndClear(session string) ([]string, bus.InboundMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[session]
	if !ok {
		return nil, bus.InboundMessage{}, false
	}
	delete(s.buffers, session)
	return buf.Fragments, buf.Last, true
}

// Exists reports whether a buffer is pending for session.
func (s *BufferStore) Exists(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buffers[session]
	return ok
}

// Len returns the number of sessions with pending text.
func (s *BufferStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

// Clear drops every pending buffer and returns how many were dropped.
func (s *BufferStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.buffers)
	s.buffers = make(map[string]*PendingBuffer)
	return n
}
