package bus

import (
	"testing"

	"github.com/SurmountSystems/gabriel-v3/internal/gabriel"
)

func TestBus_PublishDeliversInOrder(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()

	rows := []gabriel.AggregateRow{
		{BlockHeight: 1, ScriptKind: gabriel.P2PK},
		{BlockHeight: 2, ScriptKind: gabriel.P2PK},
	}
	b.Publish(rows)

	for _, want := range rows {
		select {
		case got := <-sub.Rows:
			if got.BlockHeight != want.BlockHeight {
				t.Errorf("BlockHeight = %d, want %d", got.BlockHeight, want.BlockHeight)
			}
		default:
			t.Fatal("expected a row, channel empty")
		}
	}
}

func TestBus_SlowSubscriberDroppedNotBlocked(t *testing.T) {
	b := New(1)
	sub := b.Subscribe()

	// Fill the buffer, then publish past capacity: the second publish
	// must not block and must evict sub rather than wait.
	b.Publish([]gabriel.AggregateRow{{BlockHeight: 1}})
	b.Publish([]gabriel.AggregateRow{{BlockHeight: 2}})

	select {
	case <-sub.Dropped:
	default:
		t.Fatal("expected subscriber to be dropped on overflow")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, ok := <-sub.Rows
	if ok {
		t.Fatal("Rows channel should be closed after Unsubscribe")
	}
}

func TestBus_PublishAfterUnsubscribeIsNoop(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	// Must not panic sending to a since-removed subscriber.
	b.Publish([]gabriel.AggregateRow{{BlockHeight: 1}})
}
