package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentwatch/pkg/models"
)

func entry(id string) models.ActivityLog {
	return models.ActivityLog{ID: id, AgentID: "agent-1", Type: models.ActivityUpdate, Timestamp: time.Now().UTC()}
}

func TestBrokerRecentDropsOldest(t *testing.T) {
	b := NewBroker(3)
	for _, id := range []string{"1", "2", "3", "4"} {
		require.NoError(t, b.Publish(context.Background(), entry(id)))
	}

	recent := b.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "2", recent[0].ID)
	assert.Equal(t, "4", recent[2].ID)

	last := b.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, "4", last[0].ID)
}

func TestBrokerSubscribe(t *testing.T) {
	b := NewBroker(10)
	ch := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	require.NoError(t, b.Publish(context.Background(), entry("a")))
	select {
	case got := <-ch:
		assert.Equal(t, "a", got.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive entry")
	}

	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.Subscribers())
	_, open := <-ch
	assert.False(t, open, "channel should be closed after Unsubscribe")
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker(10)
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			_ = b.Publish(context.Background(), entry("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Len(t, ch, cap(ch))
}

type failing struct{ err error }

func (f failing) Publish(context.Context, models.ActivityLog) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	b := NewBroker(5)
	boom := errors.New("boom")
	m := Multi{failing{boom}, nil, b, Nop{}}

	err := m.Publish(context.Background(), entry("z"))
	require.ErrorIs(t, err, boom)
	assert.Len(t, b.Recent(0), 1, "later sinks still receive the entry")
}
