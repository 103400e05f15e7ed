package orchestrator_test

import (
	"testing"
	"time"

	"github.com/seantiz/probe/internal/model"
	"github.com/seantiz/probe/internal/orchestrator"
)

func entry(msg string) model.LogEntry {
	return model.LogEntry{At: time.Unix(1700000000, 0).UTC(), Message: msg}
}

func drain(ch <-chan model.LogEntry) []string {
	var got []string
	for e := range ch {
		got = append(got, e.Message)
	}
	return got
}

func TestLogBrokerSingleSubscriber(t *testing.T) {
	b := orchestrator.NewLogBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	msgs := []string{"ramp-up", "steady", "ramp-down"}
	for _, m := range msgs {
		b.Publish("r1", entry(m))
	}
	b.Close("r1")

	got := drain(ch)
	if len(got) != len(msgs) {
		t.Fatalf("got %d entries, want %d", len(got), len(msgs))
	}
	for i, m := range got {
		if m != msgs[i] {
			t.Errorf("entry[%d] = %q, want %q", i, m, msgs[i])
		}
	}
}

func TestLogBrokerMultipleSubscribers(t *testing.T) {
	b := orchestrator.NewLogBroker()
	ch1, unsub1 := b.Subscribe("r1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("r1")
	defer unsub2()

	b.Publish("r1", entry("hello"))
	b.Close("r1")

	if got := drain(ch1); len(got) != 1 || got[0] != "hello" {
		t.Errorf("subscriber 1 got %v, want [hello]", got)
	}
	if got := drain(ch2); len(got) != 1 || got[0] != "hello" {
		t.Errorf("subscriber 2 got %v, want [hello]", got)
	}
}

func TestLogBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := orchestrator.NewLogBroker()
	b.Publish("r1", entry("early"))
	b.Close("r1")

	ch, unsub := b.Subscribe("r1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestLogBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := orchestrator.NewLogBroker()
	ch, unsub := b.Subscribe("r1")
	unsub()

	b.Publish("r1", entry("after unsub"))
	b.Close("r1")

	select {
	case e, ok := <-ch:
		if ok {
			t.Errorf("got unexpected entry %q after unsubscribe", e.Message)
		}
	default:
	}
}

func TestLogBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := orchestrator.NewLogBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for range 1000 {
			b.Publish("r1", entry("spam"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	b.Close("r1")
	if got := len(drain(ch)); got == 0 || got >= 1000 {
		t.Errorf("buffered %d entries, want some dropped", got)
	}
}

func TestLogBrokerForget(t *testing.T) {
	b := orchestrator.NewLogBroker()
	b.Close("r1")
	_, unsub := b.Subscribe("r2")
	defer unsub()

	if b.Topics() != 2 {
		t.Fatalf("topics = %d, want 2", b.Topics())
	}
	b.Forget("r1")
	b.Forget("r2")
	if b.Topics() != 1 {
		t.Errorf("topics = %d, want 1 (open stream kept)", b.Topics())
	}
}
