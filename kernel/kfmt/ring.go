package kfmt

import "io"

// ringSize is the capacity of the early boot output ring. It must be a power
// of 2 and is sized to hold a couple of screens worth of boot output.
const ringSize = 4096

// outputRing is a fixed-size byte ring that drops the oldest data once full.
// Printf output lands here until a real output sink is registered.
type outputRing struct {
	data  [ringSize]byte
	start int
	used  int
}

// Write appends p to the ring, overwriting the oldest buffered bytes if the
// ring is full. It never fails.
func (r *outputRing) Write(p []byte) (int, error) {
	for _, b := range p {
		r.data[(r.start+r.used)&(ringSize-1)] = b
		if r.used == ringSize {
			r.start = (r.start + 1) & (ringSize - 1)
		} else {
			r.used++
		}
	}

	return len(p), nil
}

// Read drains up to len(p) buffered bytes into p in write order. It returns
// io.EOF once the ring is empty.
func (r *outputRing) Read(p []byte) (int, error) {
	if r.used == 0 {
		return 0, io.EOF
	}

	var n int
	for n < len(p) && r.used > 0 {
		p[n] = r.data[r.start]
		r.start = (r.start + 1) & (ringSize - 1)
		r.used--
		n++
	}

	return n, nil
}
