package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestPriorityOrdering(t *testing.T) {
	s := New()
	s.Enqueue(20, "low")
	s.Enqueue(10, "normal")
	s.Enqueue(0, "stream")

	ctx := context.Background()
	order := []string{}
	for i := 0; i < 3; i++ {
		id, ok := s.Dequeue(ctx)
		if !ok {
			t.Fatalf("expected dequeue to succeed")
		}
		order = append(order, id)
	}
	want := []string{"stream", "normal", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dequeue order = %v, want %v", order, want)
		}
	}
}

func TestFIFOWithinPriorityClass(t *testing.T) {
	s := New()
	s.Enqueue(10, "a")
	s.Enqueue(10, "b")
	s.Enqueue(10, "c")

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		id, ok := s.Dequeue(ctx)
		if !ok || id != want {
			t.Fatalf("got %s, want %s", id, want)
		}
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	s := New()
	result := make(chan string, 1)
	go func() {
		id, ok := s.Dequeue(context.Background())
		if ok {
			result <- id
		} else {
			result <- ""
		}
	}()

	select {
	case <-result:
		t.Fatalf("dequeue returned before enqueue")
	case <-time.After(50 * time.Millisecond):
	}

	s.Enqueue(0, "late")
	select {
	case id := <-result:
		if id != "late" {
			t.Fatalf("got %s, want late", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("dequeue never woke up")
	}
}

func TestDequeueRespectsContextCancellation(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan bool, 1)
	go func() {
		_, ok := s.Dequeue(ctx)
		result <- ok
	}()
	cancel()
	select {
	case ok := <-result:
		if ok {
			t.Fatalf("expected dequeue to fail after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatalf("dequeue did not observe cancellation")
	}
}

func TestCloseWakesAllDequeuers(t *testing.T) {
	s := New()
	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, ok := s.Dequeue(context.Background())
			results <- ok
		}()
	}
	time.Sleep(20 * time.Millisecond)
	s.Close()
	for i := 0; i < 3; i++ {
		select {
		case ok := <-results:
			if ok {
				t.Fatalf("expected Close to yield ok=false")
			}
		case <-time.After(time.Second):
			t.Fatalf("dequeuer never woke up after Close")
		}
	}
}

func TestDepths(t *testing.T) {
	s := New()
	s.Enqueue(0, "a")
	s.Enqueue(0, "b")
	s.Enqueue(10, "c")
	depths := s.Depths()
	if depths[0] != 2 || depths[10] != 1 {
		t.Fatalf("unexpected depths: %+v", depths)
	}
}
