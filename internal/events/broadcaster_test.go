package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fruitsalade/workbench/pkg/protocol"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	b.Unsubscribe(ch2) // second call must not panic
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(FileUpdated("notes/todo.txt", "buy milk"))

	select {
	case received := <-ch:
		if received.Type != protocol.EventFileUpdated {
			t.Errorf("expected type %s, got %s", protocol.EventFileUpdated, received.Type)
		}
		payload, ok := received.Data.(protocol.FileUpdatedPayload)
		if !ok {
			t.Fatalf("unexpected payload type %T", received.Data)
		}
		if payload.Path != "notes/todo.txt" || payload.Content != "buy milk" {
			t.Errorf("unexpected payload %+v", payload)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(FileDeleted("shared.txt"))

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			payload := received.Data.(protocol.FileDeletedPayload)
			if payload.Path != "shared.txt" {
				t.Errorf("subscriber %d: expected shared.txt, got %s", i, payload.Path)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterNoReplayForLateSubscriber(t *testing.T) {
	b := NewBroadcaster()
	early := b.Subscribe()
	defer b.Unsubscribe(early)

	b.Publish(FileUpdated("a.txt", "x"))

	late := b.Subscribe()
	defer b.Unsubscribe(late)

	select {
	case <-early:
	case <-time.After(time.Second):
		t.Fatal("early subscriber missed the event")
	}

	select {
	case e := <-late:
		t.Fatalf("late subscriber received %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	published := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(FileUpdated("overflow.txt", ""))
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	count := 0
	for {
		select {
		case <-slow:
			count++
		default:
			goto drained
		}
	}
drained:
	if count != SubscriberBuffer {
		t.Errorf("expected %d buffered events, got %d", SubscriberBuffer, count)
	}
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	b.Close()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed")
	}
	if b.Count() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.Count())
	}
	b.Unsubscribe(ch)
}

func TestMarshalEvent(t *testing.T) {
	result := protocol.CommandResult{Command: "echo hi", Stdout: "hi\n"}
	data, err := MarshalEvent(CommandExecuted(result))
	if err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		Output protocol.CommandResult `json:"output"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Output.Command != "echo hi" || decoded.Output.Error != nil {
		t.Errorf("unexpected decoded output %+v", decoded.Output)
	}
}

func TestFilesUploadedNeverNil(t *testing.T) {
	data, err := MarshalEvent(FilesUploaded(nil))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"files":[]}` {
		t.Errorf("expected empty list, got %s", data)
	}
}
