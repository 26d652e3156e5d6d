package agentwire_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentwire/agentwire"
)

func progressMsg(id string, n int) *agentwire.Progress {
	return &agentwire.Progress{
		RequestID: id,
		Data:      json.RawMessage(fmt.Sprintf("%d", n)),
	}
}

func TestChannelDeliversInSendOrder(t *testing.T) {
	ch := agentwire.NewChannel()

	for i := range 5 {
		if err := ch.Send(progressMsg("a", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	ch.Close()

	msgs, err := ch.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	i := 0
	for msg := range msgs {
		prog, ok := msg.(*agentwire.Progress)
		if !ok {
			t.Fatalf("message %d: got %T, want *agentwire.Progress", i, msg)
		}
		if string(prog.Data) != fmt.Sprintf("%d", i) {
			t.Errorf("message %d: got data %s", i, prog.Data)
		}
		i++
	}
	if i != 5 {
		t.Errorf("drained %d messages, want 5", i)
	}
}

func TestChannelDrainsBufferedAfterClose(t *testing.T) {
	ch := agentwire.NewChannel()

	if err := ch.Send(progressMsg("a", 1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := ch.Send(progressMsg("a", 2)); err != nil {
		t.Fatalf("send: %v", err)
	}
	ch.Close()

	// Subscribing only after close must still drain the buffer before
	// observing termination.
	msgs, err := ch.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	count := 0
	for range msgs {
		count++
	}
	if count != 2 {
		t.Errorf("drained %d messages, want 2", count)
	}
}

func TestChannelSendAfterCloseFails(t *testing.T) {
	ch := agentwire.NewChannel()
	ch.Close()
	ch.Close() // closing twice is idempotent

	if err := ch.Send(progressMsg("a", 1)); !errors.Is(err, agentwire.ErrChannelClosed) {
		t.Errorf("got %v, want ErrChannelClosed", err)
	}
	if !ch.Closed() {
		t.Error("channel does not report closed")
	}
}

func TestChannelSingleSubscription(t *testing.T) {
	ch := agentwire.NewChannel()

	msgs, err := ch.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for range msgs {
			close(started)
		}
	}()

	if err := ch.Send(progressMsg("a", 1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-started

	if _, err := ch.Subscribe(); !errors.Is(err, agentwire.ErrSubscribed) {
		t.Errorf("second subscription: got %v, want ErrSubscribed", err)
	}

	ch.Close()
	<-finished

	// The guard lifts once the live iterator returns.
	if _, err := ch.Subscribe(); err != nil {
		t.Errorf("subscription after iterator exit: %v", err)
	}
}

func TestChannelConcurrentProducers(t *testing.T) {
	ch := agentwire.NewChannel()

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				if err := ch.Send(progressMsg("a", p*perProducer+i)); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}()
	}

	done := make(chan int, 1)
	go func() {
		msgs, err := ch.Subscribe()
		if err != nil {
			t.Errorf("subscribe: %v", err)
			done <- 0
			return
		}
		count := 0
		for range msgs {
			count++
		}
		done <- count
	}()

	wg.Wait()
	ch.Close()

	select {
	case count := <-done:
		if count != producers*perProducer {
			t.Errorf("consumed %d messages, want %d", count, producers*perProducer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not terminate")
	}
}
