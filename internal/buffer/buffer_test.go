package buffer

import (
	"errors"
	"testing"
)

func TestRingKeepsNewestEntries(t *testing.T) {
	ring := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		ring.Add(i)
	}
	got := ring.List()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: expected %d, got %d", i, want[i], got[i])
		}
	}
	tail := ring.Tail(2)
	if len(tail) != 2 || tail[0] != 4 || tail[1] != 5 {
		t.Fatalf("unexpected tail %v", tail)
	}
}

func TestQueueFIFOAndLimit(t *testing.T) {
	queue := NewQueue[string](2)
	if err := queue.Push("a"); err != nil {
		t.Fatalf("push a: %v", err)
	}
	if err := queue.Push("b"); err != nil {
		t.Fatalf("push b: %v", err)
	}
	if err := queue.Push("c"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	head, ok := queue.Peek()
	if !ok || head != "a" {
		t.Fatalf("expected head a, got %q", head)
	}
	if queue.Len() != 2 {
		t.Fatalf("peek must not remove, len %d", queue.Len())
	}
	var drained []string
	for {
		item, ok := queue.Pop()
		if !ok {
			break
		}
		drained = append(drained, item)
	}
	if len(drained) != 2 || drained[0] != "a" || drained[1] != "b" {
		t.Fatalf("unexpected drain order %v", drained)
	}
}

func TestQueueCompactsAfterManyPops(t *testing.T) {
	queue := NewQueue[int](0)
	for i := 0; i < 200; i++ {
		_ = queue.Push(i)
	}
	for i := 0; i < 150; i++ {
		item, _ := queue.Pop()
		if item != i {
			t.Fatalf("expected %d, got %d", i, item)
		}
	}
	if queue.Len() != 50 {
		t.Fatalf("expected 50 remaining, got %d", queue.Len())
	}
	item, _ := queue.Peek()
	if item != 150 {
		t.Fatalf("expected head 150, got %d", item)
	}
}
