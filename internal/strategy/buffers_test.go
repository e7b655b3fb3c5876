package strategy

import "testing"

func TestRingWindow(t *testing.T) {
	t.Parallel()
	r := NewRing(3)

	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}

	r.Append(1)
	r.Append(2)
	if r.Len() != 2 || r.First() != 1 || r.Last() != 2 {
		t.Errorf("under-full window: len=%d first=%v last=%v", r.Len(), r.First(), r.Last())
	}

	for v := 3.0; v <= 7; v++ {
		r.Append(v)
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
	if r.First() != 5 || r.Last() != 7 {
		t.Errorf("window = [%v..%v], want [5..7]", r.First(), r.Last())
	}
	if r.At(1) != 6 {
		t.Errorf("At(1) = %v, want 6", r.At(1))
	}
}

func TestRingSlideKeepsOrder(t *testing.T) {
	t.Parallel()
	r := NewRing(2)

	// Push far past the slide point; the window must always hold the last
	// two values in order.
	for v := 1.0; v <= 20; v++ {
		r.Append(v)
		if r.Last() != v {
			t.Fatalf("Last() = %v after appending %v", r.Last(), v)
		}
		if v >= 2 && r.First() != v-1 {
			t.Fatalf("First() = %v after appending %v, want %v", r.First(), v, v-1)
		}
	}
}

func TestRingReset(t *testing.T) {
	t.Parallel()
	r := NewRing(3)
	r.Append(1)
	r.Append(2)
	r.Reset()
	if r.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", r.Len())
	}
	r.Append(9)
	if r.Len() != 1 || r.Last() != 9 {
		t.Errorf("ring unusable after Reset: len=%d last=%v", r.Len(), r.Last())
	}
}

func TestRingMinimumCapacity(t *testing.T) {
	t.Parallel()
	r := NewRing(0)
	r.Append(1)
	r.Append(2)
	if r.Len() != 1 || r.Last() != 2 {
		t.Errorf("capacity clamp: len=%d last=%v, want 1 and 2", r.Len(), r.Last())
	}
}
