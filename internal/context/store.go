package context

import (
	"fmt"
	"strings"
	"sync"
)

// Mode selects how chats map to conversation state.
type Mode string

const (
	// ModePerChat keeps one lastReply per chat ID.
	ModePerChat Mode = "per_chat"
	// ModeShared keeps a single process-wide lastReply for every chat.
	ModeShared Mode = "shared"
)

// ParseMode validates a mode name. Empty means ModePerChat.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModePerChat:
		return ModePerChat, nil
	case ModeShared:
		return ModeShared, nil
	default:
		return "", fmt.Errorf("unknown context mode %q (want %q or %q)", s, ModePerChat, ModeShared)
	}
}

const sharedKey int64 = 0

// Store holds the last assistant reply per conversation key. Each key has its
// own lock; Update holds it across the whole read-compute-write so exchanges in
// one conversation are serialised and never interleave. A conversation with an
// empty lastReply and no caller in flight is dropped from the map.
type Store struct {
	mode Mode

	mu    sync.Mutex
	slots map[int64]*slot
}

type slot struct {
	// refs is guarded by Store.mu.
	refs int

	mu        sync.Mutex
	lastReply string
}

// NewStore creates an empty store. An unknown mode falls back to ModePerChat.
func NewStore(mode Mode) *Store {
	if mode != ModeShared {
		mode = ModePerChat
	}
	return &Store{mode: mode, slots: map[int64]*slot{}}
}

// Mode returns the keying mode of the store.
func (s *Store) Mode() Mode {
	return s.mode
}

func (s *Store) key(chatID int64) int64 {
	if s.mode == ModeShared {
		return sharedKey
	}
	return chatID
}

// acquire returns the slot for k, creating it if needed. Every acquire must be
// paired with a release.
func (s *Store) acquire(k int64) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[k]
	if !ok {
		sl = &slot{}
		s.slots[k] = sl
	}
	sl.refs++
	return sl
}

// release drops the caller's reference and deletes the slot once nobody holds
// it and it stores nothing. The caller must not hold sl.mu.
func (s *Store) release(k int64, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 && sl.lastReply == "" {
		delete(s.slots, k)
	}
}

// LastReply returns the stored reply for the chat's conversation ("" if none).
func (s *Store) LastReply(chatID int64) string {
	s.mu.Lock()
	sl, ok := s.slots[s.key(chatID)]
	if ok {
		sl.refs++
	}
	s.mu.Unlock()
	if !ok {
		return ""
	}
	defer s.release(s.key(chatID), sl)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.lastReply
}

// Reset clears the chat's conversation. It waits for an in-flight Update on
// the same conversation to finish.
func (s *Store) Reset(chatID int64) {
	k := s.key(chatID)
	sl := s.acquire(k)
	sl.mu.Lock()
	sl.lastReply = ""
	sl.mu.Unlock()
	s.release(k, sl)
}

// Update calls fn with the current lastReply while holding the conversation
// lock. The returned value is stored only when fn returns a nil error.
func (s *Store) Update(chatID int64, fn func(lastReply string) (string, error)) (string, error) {
	k := s.key(chatID)
	sl := s.acquire(k)
	defer s.release(k, sl)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	next, err := fn(sl.lastReply)
	if err != nil {
		return "", err
	}
	sl.lastReply = next
	return next, nil
}

// Len reports the number of conversations holding a reply or in flight.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
