package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight/internal/server/ports"
)

func TestProgressBroadcasterRoutesByJob(t *testing.T) {
	b := NewProgressBroadcaster(4)

	a, unsubA := b.Subscribe("run-a")
	defer unsubA()
	all, unsubAll := b.Subscribe("")
	defer unsubAll()
	other, unsubOther := b.Subscribe("run-b")
	defer unsubOther()

	b.Publish(ports.ProgressEvent{JobID: "run-a", Generation: 1, Status: ports.JobStatusRunning})

	require.Len(t, a, 1)
	require.Len(t, all, 1)
	assert.Len(t, other, 0)
	ev := <-a
	assert.Equal(t, 1, ev.Generation)
}

func TestProgressBroadcasterDropsWhenFullButDeliversTerminal(t *testing.T) {
	b := NewProgressBroadcaster(2)
	ch, unsub := b.Subscribe("run-a")
	defer unsub()

	for g := 1; g <= 5; g++ {
		b.Publish(ports.ProgressEvent{JobID: "run-a", Generation: g, Status: ports.JobStatusRunning})
	}
	b.Publish(ports.ProgressEvent{JobID: "run-a", Generation: 5, Status: ports.JobStatusCompleted})

	first := <-ch
	last := <-ch
	assert.Equal(t, 2, first.Generation)
	assert.Equal(t, ports.JobStatusCompleted, last.Status)

	stats := b.Stats()
	assert.Equal(t, int64(3), stats.Sent)
	assert.Equal(t, int64(3), stats.Dropped)
}

func TestProgressBroadcasterUnsubscribePrunes(t *testing.T) {
	b := NewProgressBroadcaster(1)
	ch, unsub := b.Subscribe("run-a")
	assert.Equal(t, 1, b.ClientCount("run-a"))

	unsub()
	unsub()
	assert.Equal(t, 0, b.ClientCount("run-a"))
	assert.Equal(t, 0, b.Stats().Topics)

	_, open := <-ch
	assert.False(t, open)

	b.Publish(ports.ProgressEvent{JobID: "run-a", Status: ports.JobStatusRunning})
}
