package progress_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/progress"
	"github.com/rs/zerolog"
)

func event(fileID string, pct int, stage models.Stage) models.ProgressEvent {
	return models.ProgressEvent{
		FileID:     fileID,
		Stage:      stage,
		Percentage: pct,
		Timestamp:  time.Now(),
	}
}

func drain(sub *progress.Subscription) []models.ProgressEvent {
	var events []models.ProgressEvent
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestTopic(t *testing.T) {
	if got := progress.Topic("abc"); got != "upload-progress-abc" {
		t.Errorf("Topic() = %s", got)
	}
}

func TestBroadcaster_DeliversOnlyToRoom(t *testing.T) {
	b := progress.NewBroadcaster(8, zerolog.Nop())

	a := b.Subscribe("file-a", "s1")
	other := b.Subscribe("file-b", "s2")

	if n := b.Publish("file-a", event("file-a", 10, models.StageParsing)); n != 1 {
		t.Errorf("Expected delivery to 1 subscriber, got %d", n)
	}

	if got := drain(a); len(got) != 1 || got[0].Percentage != 10 {
		t.Errorf("Expected event in room a, got %+v", got)
	}
	if got := drain(other); len(got) != 0 {
		t.Errorf("Room b must not see room a events, got %+v", got)
	}
}

func TestBroadcaster_DropsOldestWhenFull(t *testing.T) {
	b := progress.NewBroadcaster(2, zerolog.Nop())
	sub := b.Subscribe("file-a", "s1")

	for i := 1; i <= 5; i++ {
		b.Publish("file-a", event("file-a", i*10, models.StageInserting))
	}

	got := drain(sub)
	if len(got) != 2 {
		t.Fatalf("Expected 2 buffered events, got %d", len(got))
	}
	if got[0].Percentage != 40 || got[1].Percentage != 50 {
		t.Errorf("Expected the newest events, got %d and %d", got[0].Percentage, got[1].Percentage)
	}
	if stats := b.Stats(); stats.Dropped != 3 {
		t.Errorf("Expected 3 dropped, got %d", stats.Dropped)
	}
}

func TestBroadcaster_PublishNeverBlocks(t *testing.T) {
	b := progress.NewBroadcaster(1, zerolog.Nop())
	for i := 0; i < 10; i++ {
		b.Subscribe("file-a", fmt.Sprintf("idle-%d", i))
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish("file-a", event("file-a", i%100, models.StageInserting))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on idle subscribers")
	}
}

func TestBroadcaster_ReplaysLastEvent(t *testing.T) {
	b := progress.NewBroadcaster(4, zerolog.Nop())

	b.Publish("file-a", event("file-a", 10, models.StageParsing))
	b.Publish("file-a", event("file-a", 35, models.StageValidating))

	late := b.Subscribe("file-a", "late")
	got := drain(late)
	if len(got) != 1 || got[0].Percentage != 35 {
		t.Errorf("Expected replay of the last event, got %+v", got)
	}

	last, ok := b.Last("file-a")
	if !ok || last.Stage != models.StageValidating {
		t.Errorf("Expected last event to be retained, got %+v", last)
	}
}

func TestBroadcaster_RetainedEventIsACopy(t *testing.T) {
	b := progress.NewBroadcaster(4, zerolog.Nop())

	ev := event("file-a", 10, models.StageValidating)
	ev.Errors = []string{"row 2: email is required"}
	b.Publish("file-a", ev)
	ev.Errors[0] = "changed"

	last, _ := b.Last("file-a")
	if last.Errors[0] != "row 2: email is required" {
		t.Errorf("Retained event shares memory with the publisher: %v", last.Errors)
	}
}

func TestBroadcaster_CloseReleasesRoom(t *testing.T) {
	b := progress.NewBroadcaster(4, zerolog.Nop())
	s1 := b.Subscribe("file-a", "s1")
	s2 := b.Subscribe("file-a", "s2")

	b.Publish("file-a", event("file-a", 100, models.StageCompleted))
	b.Close("file-a")

	for _, sub := range []*progress.Subscription{s1, s2} {
		var events int
		for range sub.Events() {
			events++
		}
		if events != 1 {
			t.Errorf("Expected terminal event before close, got %d events", events)
		}
	}

	if stats := b.Stats(); stats.Rooms != 0 || stats.Subscribers != 0 {
		t.Errorf("Expected no rooms after close, got %+v", stats)
	}
	if _, ok := b.Last("file-a"); ok {
		t.Error("Closed room must not retain events")
	}

	// closing twice is harmless
	b.Close("file-a")
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := progress.NewBroadcaster(4, zerolog.Nop())
	sub := b.Subscribe("file-a", "s1")
	b.Unsubscribe("file-a", "s1")

	if _, ok := <-sub.Events(); ok {
		t.Error("Expected channel to be closed")
	}
	if stats := b.Stats(); stats.Rooms != 0 {
		t.Errorf("Expected unused room to be released, got %d rooms", stats.Rooms)
	}

	// unknown subscriber and room are ignored
	b.Unsubscribe("file-a", "s1")
	b.Unsubscribe("missing", "s1")
}

func TestBroadcaster_ResubscribeReplacesSubscription(t *testing.T) {
	b := progress.NewBroadcaster(4, zerolog.Nop())
	first := b.Subscribe("file-a", "s1")
	second := b.Subscribe("file-a", "s1")

	if _, ok := <-first.Events(); ok {
		t.Error("Expected replaced subscription to be closed")
	}
	b.Publish("file-a", event("file-a", 5, models.StageParsing))
	if got := drain(second); len(got) != 1 {
		t.Errorf("Expected new subscription to receive events, got %d", len(got))
	}
	if stats := b.Stats(); stats.Subscribers != 1 {
		t.Errorf("Expected 1 subscriber, got %d", stats.Subscribers)
	}
}

func TestBroadcaster_ConcurrentUse(t *testing.T) {
	b := progress.NewBroadcaster(4, zerolog.Nop())
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			sub := b.Subscribe("file-a", id)
			for j := 0; j < 50; j++ {
				drain(sub)
			}
			b.Unsubscribe("file-a", id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 500; j++ {
			b.Publish("file-a", event("file-a", j%100, models.StageInserting))
		}
	}()

	wg.Wait()
	b.Close("file-a")
}
