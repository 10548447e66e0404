package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFuture_ResolveThenWait(t *testing.T) {
	f := NewFuture[int]()
	f.Resolve(42, nil)

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestFuture_WaitBlocksUntilResolvedFromAnotherGoroutine(t *testing.T) {
	f := NewFuture[string]()
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Resolve("done", nil)
	}()

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", v)
}

func TestFuture_WaitRespectsContextCancellation(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
