package stream

import (
	"fmt"
	"testing"
)

func publishN(b *Broadcaster, projectID, jobID string, n int) {
	for i := 0; i < n; i++ {
		b.Publish(projectID, Message{
			JobID: jobID,
			Type:  TypeBuildProgress,
			Progress: &ProgressPayload{
				Status: "building",
				Data:   fmt.Sprintf("update %d", i),
			},
		})
	}
}

func TestPublishAssignsContiguousSeq(t *testing.T) {
	b := NewBroadcaster(10, 4)
	for i := 1; i <= 3; i++ {
		msg := b.Publish("p1", Message{JobID: "j1", Type: TypeBuildProgress})
		if msg.Seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", msg.Seq, i)
		}
	}
	// a different job gets its own counter
	msg := b.Publish("p2", Message{JobID: "j2", Type: TypeBuildProgress})
	if msg.Seq != 1 {
		t.Fatalf("new job seq = %d, want 1", msg.Seq)
	}
}

func TestReplayFromSeq(t *testing.T) {
	b := NewBroadcaster(10, 4)
	publishN(b, "p1", "j1", 5)

	msgs, gap := b.Replay("j1", 2)
	if gap {
		t.Fatalf("unexpected gap")
	}
	if len(msgs) != 3 {
		t.Fatalf("replayed %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != uint64(3+i) {
			t.Fatalf("replay[%d].Seq = %d, want %d", i, m.Seq, 3+i)
		}
	}

	msgs, gap = b.Replay("j1", 5)
	if gap || len(msgs) != 0 {
		t.Fatalf("caught-up replay = %d messages gap=%v, want none", len(msgs), gap)
	}
}

func TestReplayGapWhenEvicted(t *testing.T) {
	b := NewBroadcaster(3, 4)
	publishN(b, "p1", "j1", 10)

	// oldest retained is seq 8; asking from 2 cannot be served contiguously
	if _, gap := b.Replay("j1", 2); !gap {
		t.Fatalf("expected gap for evicted range")
	}
	msgs, gap := b.Replay("j1", 7)
	if gap {
		t.Fatalf("unexpected gap at retention boundary")
	}
	if len(msgs) != 3 || msgs[0].Seq != 8 {
		t.Fatalf("boundary replay = %d messages from %d", len(msgs), msgs[0].Seq)
	}
}

func TestReplayGapWhenSeqFromPreviousJob(t *testing.T) {
	b := NewBroadcaster(10, 4)
	publishN(b, "p1", "j2", 5)

	// a client that last watched an earlier job on this project resumes with
	// a position beyond j2's counter; it must be told to resync, not left
	// without replay and with live traffic its projection will reject
	if _, gap := b.Replay("j2", 40); !gap {
		t.Fatalf("expected gap for seq beyond the job counter")
	}
}

func TestReplayUnknownJob(t *testing.T) {
	b := NewBroadcaster(10, 4)
	if _, gap := b.Replay("ghost", 0); gap {
		t.Fatalf("fresh client of unknown job is not behind a gap")
	}
	// a client claiming progress on a job we never saw must resync
	if _, gap := b.Replay("ghost", 7); !gap {
		t.Fatalf("expected gap for unknown job with nonzero seq")
	}
}

func TestSubscriberReceivesLive(t *testing.T) {
	b := NewBroadcaster(10, 4)
	sub := b.Subscribe("p1")
	defer sub.Close()

	b.Publish("p1", Message{JobID: "j1", Type: TypeBuildProgress})
	msg := <-sub.Messages()
	if msg.Seq != 1 || msg.JobID != "j1" {
		t.Fatalf("got %+v", msg)
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := NewBroadcaster(10, 2)
	sub := b.Subscribe("p1")

	// queue size 2: the third undrained publish drops the subscriber
	publishN(b, "p1", "j1", 3)

	received := 0
	for range sub.Messages() {
		received++
	}
	if received != 2 {
		t.Fatalf("received %d before drop, want 2", received)
	}
	// channel closed means dropped; replay still serves the full tail
	msgs, gap := b.Replay("j1", 0)
	if gap || len(msgs) != 3 {
		t.Fatalf("replay after drop = %d gap=%v", len(msgs), gap)
	}
}

func TestSubscribersAreProjectScoped(t *testing.T) {
	b := NewBroadcaster(10, 4)
	sub := b.Subscribe("p2")
	defer sub.Close()

	b.Publish("p1", Message{JobID: "j1", Type: TypeBuildProgress})
	select {
	case msg := <-sub.Messages():
		t.Fatalf("subscriber for p2 got message %+v", msg)
	default:
	}
}
