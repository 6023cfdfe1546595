package events

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func TestPublishWithoutSubscriberIsNoop(t *testing.T) {
	bus := newTestBus()
	bus.Publish("github.com/acme/shop", Stage1Start, "ignored")
	if bus.Subscribed("github.com/acme/shop") {
		t.Fatal("expected no subscriber")
	}
}

func TestLastSubscriberWins(t *testing.T) {
	bus := newTestBus()
	var first, second []Event
	bus.Subscribe("repo", func(ev Event) error {
		first = append(first, ev)
		return nil
	})
	bus.Subscribe("repo", func(ev Event) error {
		second = append(second, ev)
		return nil
	})

	bus.Publish("repo", Connected, "hello")

	if len(first) != 0 {
		t.Fatalf("expected replaced handler to receive nothing, got %d", len(first))
	}
	if len(second) != 1 || second[0].Name != Connected || second[0].Key != "repo" {
		t.Fatalf("unexpected events for active handler: %+v", second)
	}
}

func TestStaleCancelKeepsNewerSubscriber(t *testing.T) {
	bus := newTestBus()
	cancelOld := bus.Subscribe("repo", func(Event) error { return nil })
	var got int
	bus.Subscribe("repo", func(Event) error {
		got++
		return nil
	})

	cancelOld()
	bus.Publish("repo", ServiceUpdate, nil)

	if got != 1 {
		t.Fatalf("expected newer subscriber to survive stale cancel, got %d deliveries", got)
	}

	bus.Unsubscribe("repo")
	bus.Publish("repo", ServiceUpdate, nil)
	if got != 1 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", got)
	}
}

func TestHandlerFailuresDoNotPropagate(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("err", func(Event) error { return errors.New("connection closed") })
	bus.Subscribe("panic", func(Event) error { panic("boom") })

	bus.Publish("err", AllComplete, nil)
	bus.Publish("panic", AllComplete, nil)
}

func TestServiceLogPayload(t *testing.T) {
	bus := newTestBus()
	var got ServiceLog
	bus.Subscribe("repo", func(ev Event) error {
		if ev.Name != ServiceUpdate {
			t.Fatalf("expected service-update, got %s", ev.Name)
		}
		got = ev.Data.(ServiceLog)
		return nil
	})

	bus.ServiceLog("repo", "cart", StepPod, StepScaling, "Requesting Pod creation...")

	if got.ServiceName != "cart" || got.Step != StepPod || got.Status != StepScaling {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := newTestBus()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancel := bus.Subscribe("repo", func(Event) error { return nil })
			cancel()
		}()
		go func() {
			defer wg.Done()
			bus.Publish("repo", DashboardUpdate, []string{})
		}()
	}
	wg.Wait()
}
