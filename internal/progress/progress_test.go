package progress

import "testing"

func TestPublishDeliversToSubscriber(t *testing.T) {
	h := NewHub(nil)
	client, backlog := h.SubscribeFrom(0)
	if len(backlog) != 0 {
		t.Fatalf("expected no backlog on fresh hub, got %d", len(backlog))
	}

	h.Publish(SyncCycleStarted("Property_RES"))

	select {
	case msg := <-client.Messages():
		if msg.Type != "sync.cycle.started" {
			t.Errorf("msg.Type = %q, want sync.cycle.started", msg.Type)
		}
	default:
		t.Fatal("expected a buffered message")
	}
}

func TestSubscribeFromReplaysBacklog(t *testing.T) {
	h := NewHub(nil)
	h.Publish(SyncCycleStarted("Property_RES"))
	h.Publish(SyncCycleFinished("Property_RES", 10, nil))

	_, backlog := h.SubscribeFrom(0)
	if len(backlog) != 2 {
		t.Fatalf("expected 2 backlog messages, got %d", len(backlog))
	}

	_, partial := h.SubscribeFrom(backlog[0].Seq)
	if len(partial) != 1 {
		t.Fatalf("expected 1 message after seq %d, got %d", backlog[0].Seq, len(partial))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(nil)
	client, _ := h.SubscribeFrom(0)
	h.Unsubscribe(client)

	_, ok := <-client.Messages()
	if ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
}
