package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(sub *Subscriber) []Event {
	var out []Event
	for ev := range sub.Events() {
		out = append(out, ev)
	}
	return out
}

func TestPublisher_AllSubscribersSeeSameOrder(t *testing.T) {
	p := NewPublisher(32)
	defer p.Close()

	a := p.Subscribe("sess-1")
	b := p.Subscribe("sess-1")

	types := []string{EventState, EventTextDelta, EventTextDelta, EventTurnDone}
	for _, typ := range types {
		p.Publish("sess-1", typ, nil)
	}
	p.CloseSession("sess-1")

	gotA := collect(a)
	gotB := collect(b)

	require.Len(t, gotA, len(types))
	assert.Equal(t, gotA, gotB)
	for i, ev := range gotA {
		assert.Equal(t, types[i], ev.Type)
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, "sess-1", ev.SessionID)
	}
}

func TestPublisher_SlowSubscriberDroppedNotBlocking(t *testing.T) {
	p := NewPublisher(2)
	defer p.Close()

	slow := p.Subscribe("sess-1")

	// Publishing far past the buffer must return promptly even though
	// nothing reads the subscriber.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.Publish("sess-1", EventTextDelta, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	got := collect(slow)
	assert.True(t, slow.Overflowed())
	assert.LessOrEqual(t, len(got), 2)
	assert.Equal(t, 0, p.SubscriberCount("sess-1"))
}

func TestPublisher_SubscriberWithinBufferKeepsEverything(t *testing.T) {
	p := NewPublisher(8)
	defer p.Close()

	sub := p.Subscribe("sess-1")
	for i := 0; i < 5; i++ {
		p.Publish("sess-1", EventTextDelta, i)
	}
	p.CloseSession("sess-1")

	got := collect(sub)
	assert.False(t, sub.Overflowed())
	require.Len(t, got, 5)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestPublisher_UnsubscribeIsIdempotent(t *testing.T) {
	p := NewPublisher(4)
	defer p.Close()

	sub := p.Subscribe("sess-1")
	p.Unsubscribe(sub)
	p.Unsubscribe(sub)

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.False(t, sub.Overflowed())
	assert.Equal(t, 0, p.SubscriberCount("sess-1"))
}

func TestPublisher_SessionsAreIsolated(t *testing.T) {
	p := NewPublisher(4)
	defer p.Close()

	a := p.Subscribe("sess-a")
	b := p.Subscribe("sess-b")

	p.Publish("sess-a", EventState, "thinking")
	p.CloseSession("sess-a")
	p.CloseSession("sess-b")

	gotA := collect(a)
	gotB := collect(b)

	require.Len(t, gotA, 1)
	assert.Equal(t, "sess-a", gotA[0].SessionID)
	assert.Empty(t, gotB)
}

func TestPublisher_SeqRestartsPerSession(t *testing.T) {
	p := NewPublisher(4)
	defer p.Close()

	evA := p.Publish("sess-a", EventState, nil)
	evA2 := p.Publish("sess-a", EventState, nil)
	evB := p.Publish("sess-b", EventState, nil)

	assert.Equal(t, int64(1), evA.Seq)
	assert.Equal(t, int64(2), evA2.Seq)
	assert.Equal(t, int64(1), evB.Seq)
}

func TestPublisher_PublishWithoutSubscribers(t *testing.T) {
	p := NewPublisher(4)
	defer p.Close()

	ev := p.Publish("sess-1", EventTurnDone, nil)
	assert.Equal(t, int64(1), ev.Seq)
}
