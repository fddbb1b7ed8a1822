package pluginsys

import "testing"

func TestCircularBuffer_EnqueueDequeueOrder(t *testing.T) {
	b := NewCircularBuffer[int](3)
	for _, v := range []int{1, 2, 3} {
		if !b.Enqueue(v) {
			t.Fatalf("enqueue %d failed unexpectedly", v)
		}
	}
	if b.Enqueue(4) {
		t.Fatalf("expected enqueue to fail when full")
	}
	for _, want := range []int{1, 2, 3} {
		got, ok := b.Dequeue()
		if !ok || got != want {
			t.Fatalf("dequeue = %d, %v, want %d, true", got, ok, want)
		}
	}
	if _, ok := b.Dequeue(); ok {
		t.Fatalf("expected dequeue on empty buffer to fail")
	}
}

func TestCircularBuffer_DropOldestThenEnqueueKeepsSize(t *testing.T) {
	b := NewCircularBuffer[int](2)
	b.Enqueue(1)
	b.Enqueue(2)
	if !b.IsFull() {
		t.Fatalf("expected buffer full")
	}
	if !b.DropOldest() {
		t.Fatalf("drop oldest failed")
	}
	b.Enqueue(3)
	if b.Size() != 2 {
		t.Fatalf("size = %d, want 2", b.Size())
	}
	arr := b.ToArray()
	if len(arr) != 2 || arr[0] != 2 || arr[1] != 3 {
		t.Fatalf("ToArray = %v, want [2 3]", arr)
	}
}

func TestCircularBuffer_PeekDoesNotRemove(t *testing.T) {
	b := NewCircularBuffer[string](2)
	b.Enqueue("a")
	v, ok := b.Peek()
	if !ok || v != "a" {
		t.Fatalf("peek = %q, %v, want a, true", v, ok)
	}
	if b.Size() != 1 {
		t.Fatalf("peek must not remove, size = %d", b.Size())
	}
}

func TestCircularBuffer_ClearNullsSlots(t *testing.T) {
	b := NewCircularBuffer[int](4)
	b.Enqueue(1)
	b.Enqueue(2)
	b.Clear()
	if b.Size() != 0 || !b.IsEmpty() {
		t.Fatalf("expected empty buffer after clear")
	}
	for i, v := range b.buf {
		if v != 0 {
			t.Fatalf("slot %d = %d after clear, want 0", i, v)
		}
	}
	if !b.Enqueue(9) {
		t.Fatalf("expected enqueue to succeed after clear")
	}
}

func TestCircularBuffer_Utilization(t *testing.T) {
	b := NewCircularBuffer[int](4)
	b.Enqueue(1)
	if u := b.Utilization(); u != 0.25 {
		t.Fatalf("utilization = %v, want 0.25", u)
	}
}
