package bus

import (
	"testing"
	"time"
)

// Status topics share TopicTaskStatusPrefix so one subscription catches every
// task state change. The channel gateway's reply loop depends on this.
func TestTaskStatusPrefixCoversAllStatuses(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTaskStatusPrefix)
	defer b.Unsubscribe(sub)

	statuses := []string{"running", "completed", "error", "stopped"}
	for _, status := range statuses {
		b.Publish(TopicTaskStatusPrefix+status, TaskEvent{TaskID: "t1", Status: status})
	}
	// Creation and output are separate topics, not status changes.
	b.Publish(TopicTaskCreated, TaskEvent{TaskID: "t1"})
	b.Publish(TopicTaskOutput, TaskOutputEvent{TaskID: "t1", PartialText: "..."})

	for _, want := range statuses {
		select {
		case event := <-sub.Ch():
			payload, ok := event.Payload.(TaskEvent)
			if !ok {
				t.Fatalf("payload type %T on %s", event.Payload, event.Topic)
			}
			if payload.Status != want {
				t.Fatalf("status = %q, want %q", payload.Status, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}

	select {
	case event := <-sub.Ch():
		t.Fatalf("non-status event leaked through prefix: %s", event.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTopicConstantsAreDistinct(t *testing.T) {
	topics := map[string]bool{
		TopicNodeConnected:    true,
		TopicNodeDisconnected: true,
		TopicNodeStale:        true,
		TopicTaskCreated:      true,
		TopicTaskOutput:       true,
		TopicJobsLoaded:       true,
		TopicChannelRejected:  true,
	}
	if len(topics) != 7 {
		t.Fatalf("topic constants collide: %d unique of 7", len(topics))
	}

	b := New()
	sub := b.Subscribe("node.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicNodeStale, NodeEvent{NodeID: "n1", Reason: "missed heartbeats"})
	b.Publish(TopicJobsLoaded, JobsLoadedEvent{Source: "n1"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicNodeStale {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicNodeStale)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for node event")
	}
	select {
	case event := <-sub.Ch():
		t.Fatalf("jobs event leaked into node. prefix: %s", event.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}
