package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (failingSink) Record(context.Context, Event) error { return errors.New("broker down") }

type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Record(ctx context.Context, _ Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	a, b := &MemorySink{}, &MemorySink{}
	d := NewDispatcher(8, a, failingSink{}, b)
	d.Start()

	d.Emit(context.Background(), Event{Action: "item.reserved", TargetID: "i1"})
	d.Emit(context.Background(), Event{Action: "item.secured", TargetID: "i1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	// A failing sink does not stop delivery to the others
	assert.Equal(t, []string{"item.reserved", "item.secured"}, a.Actions())
	assert.Equal(t, []string{"item.reserved", "item.secured"}, b.Actions())

	ev := a.Events()[0]
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestDispatcher_NeverBlocksWhenFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(1, sink)
	d.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Emit(context.Background(), Event{Action: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}
	assert.Greater(t, d.Dropped(), 0)

	close(sink.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestDispatcher_EmitAfterCloseIsDropped(t *testing.T) {
	sink := &MemorySink{}
	d := NewDispatcher(4, sink)
	d.Start()
	require.NoError(t, d.Close(context.Background()))

	d.Emit(context.Background(), Event{Action: "late"})
	assert.Empty(t, sink.Events())
	assert.Equal(t, 1, d.Dropped())
}
