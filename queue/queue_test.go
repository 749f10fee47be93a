package queue

import "testing"

func TestBoundedPushPop(t *testing.T) {
	q := NewBounded[int](2)

	if !q.Push(1) {
		t.Fatal("expected first push to succeed")
	}
	if !q.Push(2) {
		t.Fatal("expected second push to succeed")
	}
	if q.Push(3) {
		t.Fatal("expected third push to be dropped")
	}
	if got := q.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}

	v, ok := q.Pop()
	if !ok || v != 1 {
		t.Fatalf("Pop() = %d, %v, want 1, true", v, ok)
	}
	v, ok = q.Pop()
	if !ok || v != 2 {
		t.Fatalf("Pop() = %d, %v, want 2, true", v, ok)
	}
}

func TestBoundedCloseWakesPop(t *testing.T) {
	q := NewBounded[string](1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := q.Pop(); ok {
			t.Error("expected Pop to report closed queue")
		}
	}()
	q.Close()
	<-done
}

func TestBoundedLenCap(t *testing.T) {
	q := NewBounded[int](4)
	q.Push(1)
	q.Push(2)
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	if q.Cap() != 4 {
		t.Fatalf("Cap() = %d, want 4", q.Cap())
	}
}
