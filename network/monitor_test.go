package network

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/canlink/canopen"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) emit(_ canopen.NodeID, ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

const tick = 10 * time.Millisecond

func TestMonitorSilentNode(t *testing.T) {
	var log eventLog
	fixed := time.Now()
	m := StartMonitor(3, func() time.Time { return fixed }, tick, log.emit, nil)
	require.Eventually(t, func() bool { return len(log.snapshot()) >= 3 }, time.Second, tick)
	m.Stop()
	require.True(t, m.Join(time.Second))

	ev := log.snapshot()
	assert.Equal(t, EventLost, ev[0])
	for _, e := range ev[1:] {
		assert.Equal(t, EventSilent, e)
	}
}

func TestMonitorAliveOnlyOnce(t *testing.T) {
	var log eventLog
	var n atomic.Int64
	m := StartMonitor(3, func() time.Time { return time.Unix(n.Add(1), 0) }, tick, log.emit, nil)
	time.Sleep(8 * tick)
	m.Stop()
	require.True(t, m.Join(time.Second))
	assert.Equal(t, []Event{EventAlive}, log.snapshot())
}

func TestMonitorAliveAfterSilence(t *testing.T) {
	var log eventLog
	var ts atomic.Int64
	m := StartMonitor(3, func() time.Time { return time.Unix(ts.Load(), 0) }, tick, log.emit, nil)
	defer func() { m.Stop(); m.Join(time.Second) }()

	require.Eventually(t, func() bool { return len(log.snapshot()) >= 2 }, time.Second, tick)
	ts.Store(1)
	require.Eventually(t, func() bool {
		ev := log.snapshot()
		return ev[len(ev)-1] == EventAlive
	}, time.Second, tick)

	ev := log.snapshot()
	assert.Equal(t, EventLost, ev[0])
	assert.Equal(t, EventSilent, ev[1])
}

func TestMonitorPanickingSamplerCountsAsSilent(t *testing.T) {
	var log eventLog
	var calls atomic.Int64
	sample := func() time.Time {
		if calls.Add(1) > 1 {
			panic("sampler exploded")
		}
		return time.Unix(0, 0)
	}
	m := StartMonitor(3, sample, tick, log.emit, nil)
	require.Eventually(t, func() bool { return len(log.snapshot()) >= 2 }, time.Second, tick)
	m.Stop()
	require.True(t, m.Join(time.Second))
	ev := log.snapshot()
	assert.Equal(t, EventLost, ev[0])
	assert.Equal(t, EventSilent, ev[1])
}

func TestMonitorStopIsPromptAndJoinBounded(t *testing.T) {
	block := make(chan struct{})
	var once sync.Once
	entered := make(chan struct{})
	emit := func(canopen.NodeID, Event) {
		once.Do(func() { close(entered) })
		<-block
	}
	m := StartMonitor(3, func() time.Time { return time.Time{} }, tick, emit, nil)
	<-entered

	start := time.Now()
	m.Stop()
	m.Stop()
	assert.Less(t, time.Since(start), tick)
	assert.False(t, m.Join(3*tick), "monitor is stuck in its callback")

	close(block)
	assert.True(t, m.Join(time.Second))
	assert.Equal(t, canopen.NodeID(3), m.Node())
}

func TestBackoff(t *testing.T) {
	b := newResetBackoff(BackoffConfig{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Multiplier: 2})
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 40*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 40*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())

	d := newResetBackoff(BackoffConfig{})
	assert.Equal(t, InitialResetBackoff, d.NextBackOff())

	j := newResetBackoff(BackoffConfig{Initial: 100 * time.Millisecond, Jitter: 0.5})
	got := j.NextBackOff()
	assert.GreaterOrEqual(t, got, 50*time.Millisecond)
	assert.LessOrEqual(t, got, 150*time.Millisecond)
}

func TestStateAndEventStrings(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", Disconnected.String())
	assert.Equal(t, "CONNECTED", Connected.String())
	assert.Equal(t, "silent", EventSilent.String())
	assert.Equal(t, "driver missing", DriverMissing.String())
}
