package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestListenerRetriesAfterDelayOnWorkerClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := NewWorker(newMemoryStore(), newFakePublisher(), testConfig(clock))
	l := NewListener(nil, w)

	attempts := make(chan struct{}, 4)
	l.listen = func(ctx context.Context) error {
		attempts <- struct{}{}
		return errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		l.Start(ctx)
		close(done)
	}()

	waitAttempt := func(what string) {
		t.Helper()
		select {
		case <-attempts:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", what)
		}
	}

	waitAttempt("first attempt")
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("block until retry wait: %v", err)
	}

	clock.Advance(l.retryDelay - time.Millisecond)
	select {
	case <-attempts:
		t.Fatal("retried before the delay elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Millisecond)
	waitAttempt("retry")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
