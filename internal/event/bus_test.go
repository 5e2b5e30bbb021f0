package event

import "testing"

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	ch1, cancel1 := b.Subscribe(4)
	ch2, cancel2 := b.Subscribe(4)
	defer cancel2()

	b.Publish(CommitEvent{PartitionKey: "2024-10-10", EntryCount: 3})

	for i, ch := range []<-chan CommitEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.PartitionKey != "2024-10-10" || ev.EntryCount != 3 {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
		default:
			t.Errorf("subscriber %d got nothing", i)
		}
	}

	cancel1()
	if _, open := <-ch1; open {
		t.Error("cancelled channel still open")
	}

	// Publishing after cancel reaches only the remaining subscriber.
	b.Publish(CommitEvent{PartitionKey: "2024-10-11"})
	select {
	case ev := <-ch2:
		if ev.PartitionKey != "2024-10-11" {
			t.Errorf("got %+v", ev)
		}
	default:
		t.Error("remaining subscriber got nothing")
	}
}

func TestBusDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(CommitEvent{EntryCount: 1})
	b.Publish(CommitEvent{EntryCount: 2}) // dropped, buffer full

	ev := <-ch
	if ev.EntryCount != 1 {
		t.Errorf("got %+v", ev)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected second event %+v", ev)
	default:
	}
}
