package scanner

import (
	"fmt"
)

// MAF is a moving average filter, for smoothing out frame quality scores.
type MAF struct {
	index  int
	filled int
	sum    float64
	values []float64
}

// NewMAF returns a new moving average filter with a history of given size.
func NewMAF(size int) (*MAF, error) {
	if size <= 0 {
		return nil, fmt.Errorf("size must be > 0")
	}
	return &MAF{values: make([]float64, size)}, nil
}

// Update adds one value to the moving average filter and returns the
// average of the history. Until the history is full, only the values seen
// so far are averaged.
func (m *MAF) Update(value float64) (float64, error) {
	if len(m.values) == 0 {
		return 0, fmt.Errorf("invalid MAF, use NewMAF")
	}
	m.sum -= m.values[m.index]
	m.sum += value
	m.values[m.index] = value
	m.index++
	if m.index >= len(m.values) {
		m.index = 0
	}
	if m.filled < len(m.values) {
		m.filled++
	}
	return m.sum / float64(m.filled), nil
}

// Value returns the current average, 0 before the first Update.
func (m *MAF) Value() float64 {
	if m.filled == 0 {
		return 0
	}
	return m.sum / float64(m.filled)
}
