package context

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModePerChat, false},
		{"per_chat", ModePerChat, false},
		{" Shared ", ModeShared, false},
		{"global", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestStore_UpdateStoresOnSuccess(t *testing.T) {
	s := NewStore(ModePerChat)
	assert.Equal(t, "", s.LastReply(1))

	got, err := s.Update(1, func(last string) (string, error) {
		assert.Equal(t, "", last)
		return "Hi there!", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", got)
	assert.Equal(t, "Hi there!", s.LastReply(1))
}

func TestStore_UpdateKeepsPreviousOnError(t *testing.T) {
	s := NewStore(ModePerChat)
	_, err := s.Update(1, func(string) (string, error) { return "first", nil })
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.Update(1, func(last string) (string, error) {
		assert.Equal(t, "first", last)
		return "ignored", boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "first", s.LastReply(1))
}

func TestStore_ResetIsIdempotent(t *testing.T) {
	s := NewStore(ModePerChat)
	_, _ = s.Update(1, func(string) (string, error) { return "x", nil })

	s.Reset(1)
	assert.Equal(t, "", s.LastReply(1))
	s.Reset(1)
	assert.Equal(t, "", s.LastReply(1))
}

func TestStore_PerChatIsolation(t *testing.T) {
	s := NewStore(ModePerChat)
	_, _ = s.Update(1, func(string) (string, error) { return "one", nil })
	_, _ = s.Update(2, func(string) (string, error) { return "two", nil })

	assert.Equal(t, "one", s.LastReply(1))
	assert.Equal(t, "two", s.LastReply(2))

	s.Reset(1)
	assert.Equal(t, "", s.LastReply(1))
	assert.Equal(t, "two", s.LastReply(2))
	assert.Equal(t, 1, s.Len())
}

func TestStore_SharedModeUsesOneSlot(t *testing.T) {
	s := NewStore(ModeShared)
	assert.Equal(t, ModeShared, s.Mode())

	_, _ = s.Update(1, func(string) (string, error) { return "from chat 1", nil })
	assert.Equal(t, "from chat 1", s.LastReply(2))

	s.Reset(2)
	assert.Equal(t, "", s.LastReply(1))
	assert.Equal(t, 0, s.Len())
}

func TestStore_UnknownModeFallsBackToPerChat(t *testing.T) {
	assert.Equal(t, ModePerChat, NewStore("weird").Mode())
}

func TestStore_UpdatesSerialisedPerConversation(t *testing.T) {
	s := NewStore(ModePerChat)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Update(7, func(last string) (string, error) {
				return last + "x", nil
			})
		}()
	}
	wg.Wait()

	assert.Len(t, s.LastReply(7), n)
}

func TestStore_SlowConversationDoesNotBlockOthers(t *testing.T) {
	s := NewStore(ModePerChat)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = s.Update(1, func(string) (string, error) {
			close(started)
			<-release
			return "slow", nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_, _ = s.Update(2, func(string) (string, error) { return "fast", nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("update on chat 2 blocked behind chat 1")
	}
	close(release)
	assert.Equal(t, "fast", s.LastReply(2))
}

func TestStore_DropsIdleEmptyConversations(t *testing.T) {
	s := NewStore(ModePerChat)
	for chat := int64(1); chat <= 100; chat++ {
		_, err := s.Update(chat, func(string) (string, error) { return "reply", nil })
		require.NoError(t, err)
	}
	assert.Equal(t, 100, s.Len())

	for chat := int64(1); chat <= 100; chat++ {
		s.Reset(chat)
	}
	assert.Equal(t, 0, s.Len())

	_, err := s.Update(200, func(string) (string, error) { return "", errors.New("down") })
	require.Error(t, err)
	assert.Equal(t, "", s.LastReply(300))
	assert.Equal(t, 0, s.Len(), "failed updates and reads must not leave slots behind")
}

func TestStore_ResetDuringUpdateKeepsSlot(t *testing.T) {
	s := NewStore(ModePerChat)
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = s.Update(1, func(string) (string, error) {
			close(started)
			<-release
			return "first", nil
		})
	}()
	<-started

	reset := make(chan struct{})
	go func() {
		s.Reset(1)
		close(reset)
	}()
	select {
	case <-reset:
		t.Fatal("reset did not wait for the in-flight update")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 1, s.Len())

	close(release)
	<-done
	<-reset
	assert.Equal(t, "", s.LastReply(1))
	assert.Equal(t, 0, s.Len())

	_, err := s.Update(1, func(last string) (string, error) { return last + "again", nil })
	require.NoError(t, err)
	assert.Equal(t, "again", s.LastReply(1))
}
