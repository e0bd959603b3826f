package bridge

import "math"

// ring is a fixed-capacity sample window. Not safe for concurrent use;
// the bridge guards access with its own mutex.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *ring) latest() (float64, bool) {
	if r.len() == 0 {
		return 0, false
	}
	i := (r.next - 1 + len(r.buf)) % len(r.buf)
	return r.buf[i], true
}

func (r *ring) mean() float64 {
	n := r.len()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += r.buf[i]
	}
	return sum / float64(n)
}

// stddev is the population standard deviation over the window.
func (r *ring) stddev() float64 {
	n := r.len()
	if n == 0 {
		return 0
	}
	m := r.mean()
	var sq float64
	for i := 0; i < n; i++ {
		d := r.buf[i] - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(n))
}
