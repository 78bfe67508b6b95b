package status

// ring is a fixed-capacity FIFO of transitions that overwrites the oldest
// entry when full. Not safe for concurrent use; the caller synchronizes.
type ring struct {
	buf      []Transition
	capacity int
	head     int // next write position
	count    int
}

func newRing(capacity int) *ring {
	return &ring{
		buf:      make([]Transition, capacity),
		capacity: capacity,
	}
}

func (r *ring) push(tr Transition) {
	r.buf[r.head] = tr
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// items returns the entries oldest first.
func (r *ring) items() []Transition {
	if r.count == 0 {
		return nil
	}

	result := make([]Transition, r.count)
	// Oldest item is at (head - count) mod capacity
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		result[i] = r.buf[(start+i)%r.capacity]
	}
	return result
}

func (r *ring) len() int {
	return r.count
}
