package strategy

// Ring is a bounded sequence of closes with a sliding window view. The
// backing slice grows to twice the window before sliding, so steady-state
// appends are allocation-free.
type Ring struct {
	data     []float64
	capacity int
}

// NewRing creates a ring holding the last capacity values.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		data:     make([]float64, 0, 2*capacity),
		capacity: capacity,
	}
}

// Append adds a value, evicting the oldest once the window is full.
func (r *Ring) Append(v float64) {
	r.data = append(r.data, v)
	if len(r.data) > 2*r.capacity {
		copy(r.data, r.data[len(r.data)-r.capacity:])
		r.data = r.data[:r.capacity]
	}
}

// Len returns the number of values in the window.
func (r *Ring) Len() int {
	if len(r.data) > r.capacity {
		return r.capacity
	}
	return len(r.data)
}

// window returns the current values, oldest first.
func (r *Ring) window() []float64 {
	if len(r.data) > r.capacity {
		return r.data[len(r.data)-r.capacity:]
	}
	return r.data
}

// At returns the i-th value of the window, 0 being the oldest.
func (r *Ring) At(i int) float64 {
	return r.window()[i]
}

// First returns the oldest value in the window.
func (r *Ring) First() float64 {
	return r.window()[0]
}

// Last returns the newest value.
func (r *Ring) Last() float64 {
	w := r.window()
	return w[len(w)-1]
}

// Reset discards all values, keeping the capacity.
func (r *Ring) Reset() {
	r.data = r.data[:0]
}
