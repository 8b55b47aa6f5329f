package notify

import (
	"testing"
	"time"

	"github.com/cms-pdmv/gridpack-machine/pkg/events"
)

func TestRunIgnoresForeignPayloads(t *testing.T) {
	sender := NewSender("user", "password", false, false)

	sub := make(events.Subscriber, 2)
	sub <- events.NewEvent(events.EventGridpackDone, "1700000000001", nil)
	sub <- events.NewEvent(events.EventGridpackDone, "1700000000001", "not a message")
	close(sub)

	done := make(chan struct{})
	go func() {
		sender.Run(sub)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain the subscription")
	}
}
