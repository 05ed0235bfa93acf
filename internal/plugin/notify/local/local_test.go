package local

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPublishWakesSubscriber(t *testing.T) {
	n := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv := uuid.New()
	ch, err := n.Subscribe(ctx, conv)
	require.NoError(t, err)
	require.NoError(t, n.Publish(ctx, conv))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a signal")
	}
}
