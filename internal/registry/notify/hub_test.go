package notify

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestHub_SignalsCoalesce(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv := uuid.New()
	ch := hub.Subscribe(ctx, conv)
	hub.Signal(conv)
	hub.Signal(conv)
	hub.Signal(uuid.New())

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a signal")
	}
	select {
	case <-ch:
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestHub_UnsubscribeOnCancel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	conv := uuid.New()
	ch := hub.Subscribe(ctx, conv)
	require.Equal(t, 1, hub.Subscribers(conv))

	cancel()
	_, open := <-ch
	require.False(t, open)
	require.Equal(t, 0, hub.Subscribers(conv))
}

func TestHub_SignalAll(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := hub.Subscribe(ctx, uuid.New())
	b := hub.Subscribe(ctx, uuid.New())
	hub.SignalAll()

	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("expected a signal")
		}
	}
}
