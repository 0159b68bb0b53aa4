package replay_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/graphstream/pkg/graphstream/log"
	"github.com/randalmurphal/graphstream/pkg/graphstream/replay"
)

func delivery(offset int64) replay.Delivery {
	return replay.Delivery{Record: replay.Stored{
		Cursor: log.Cursor{Partition: 0, Offset: offset},
		Frame:  []byte("frame"),
	}}
}

// TestHubFanOut verifies every session receives a published record.
func TestHubFanOut(t *testing.T) {
	hub := replay.NewHub(replay.HubConfig{BufferSize: 4})
	defer hub.Close()

	a := hub.Subscribe()
	b := hub.Subscribe()
	require.NotNil(t, a)
	require.NotNil(t, b)

	hub.Publish(context.Background(), delivery(1))

	got := <-a.Deliveries()
	assert.Equal(t, int64(1), got.Record.Cursor.Offset)
	got = <-b.Deliveries()
	assert.Equal(t, int64(1), got.Record.Cursor.Offset)
}

// TestHubOverflowMarksLossy verifies a full session buffer drops instead of
// blocking, and the session learns it is lossy.
func TestHubOverflowMarksLossy(t *testing.T) {
	hub := replay.NewHub(replay.HubConfig{BufferSize: 1})
	defer hub.Close()

	s := hub.Subscribe()
	require.NotNil(t, s)

	ctx := context.Background()
	hub.Publish(ctx, delivery(1))
	hub.Publish(ctx, delivery(2)) // buffer full, dropped

	assert.Equal(t, uint64(1), hub.Dropped())
	assert.True(t, s.Lossy())
	assert.False(t, s.Lossy(), "reading the flag clears it")
}

// TestHubSessionLimit verifies Subscribe refuses past MaxSessions.
func TestHubSessionLimit(t *testing.T) {
	hub := replay.NewHub(replay.HubConfig{MaxSessions: 1})
	defer hub.Close()

	require.NotNil(t, hub.Subscribe())
	assert.Nil(t, hub.Subscribe())
	assert.Equal(t, 1, hub.Sessions())
}

// TestHubUnsubscribe verifies an unsubscribed session stops receiving and
// its Done channel closes.
func TestHubUnsubscribe(t *testing.T) {
	hub := replay.NewHub(replay.HubConfig{})
	defer hub.Close()

	s := hub.Subscribe()
	require.NotNil(t, s)
	s.Unsubscribe()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Unsubscribe")
	}
	assert.Equal(t, 0, hub.Sessions())
}

// TestHubCloseStopsSessions verifies Close shuts down every session and
// refuses new subscriptions.
func TestHubCloseStopsSessions(t *testing.T) {
	hub := replay.NewHub(replay.HubConfig{})
	s := hub.Subscribe()
	require.NotNil(t, s)

	hub.Close()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after hub Close")
	}
	assert.Nil(t, hub.Subscribe())
}
