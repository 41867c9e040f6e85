package eventbus

import (
	"testing"
)

func TestPublishFanoutAndPrefix(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	esc, unsubEsc := SubscribePrefix(b, 4, "escalation.")
	defer unsubEsc()

	b.Publish(Event{Type: TypeDeliveryRecorded})
	b.Publish(Event{Type: TypeEscalationStarted})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events", got)
	}
	if got := len(esc); got != 1 {
		t.Fatalf("prefix subscriber got %d events", got)
	}
	e := <-esc
	if e.Type != TypeEscalationStarted || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "x"})
	}
	st := b.(Stats)
	if st.Published() != 10 || st.Dropped() != 9 {
		t.Fatalf("published=%d dropped=%d", st.Published(), st.Dropped())
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
