// SPDX-License-Identifier: GPL-3.0-only

// Package brightness maps requested backlight levels and ambient lux readings
// to rows of a panel's dimming table.
package brightness

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNotMonotonic is returned when thresholds do not strictly increase.
var ErrNotMonotonic = errors.New("thresholds must be strictly increasing")

// ErrEmptyMap is returned when a map has no buckets.
var ErrEmptyMap = errors.New("map has no buckets")

// Bucket pairs an input threshold with a dimming table index.
type Bucket struct {
	Threshold int `yaml:"threshold"`
	Index     int `yaml:"index"`
}

// Map is an ordered list of buckets with strictly increasing thresholds.
// It serves both as the brightness map (keyed by backlight level) and the
// lux map (keyed by ambient lux).
type Map struct {
	buckets []Bucket
	levels  []int // precomputed index per input level, may be nil
}

// NewMap validates buckets and returns a Map over a copy of them.
func NewMap(buckets []Bucket) (*Map, error) {
	if len(buckets) == 0 {
		return nil, ErrEmptyMap
	}
	for i := 1; i < len(buckets); i++ {
		if buckets[i].Threshold <= buckets[i-1].Threshold {
			return nil, fmt.Errorf("%w: %d after %d", ErrNotMonotonic,
				buckets[i].Threshold, buckets[i-1].Threshold)
		}
	}
	m := &Map{buckets: make([]Bucket, len(buckets))}
	copy(m.buckets, buckets)
	return m, nil
}

// Lookup returns the index of the bucket with the greatest threshold <= v.
// Inputs below every threshold resolve to the lowest bucket and inputs
// above every threshold resolve to the highest.
func (m *Map) Lookup(v int) int {
	if v >= 0 && v < len(m.levels) {
		return m.levels[v]
	}
	return m.search(v)
}

func (m *Map) search(v int) int {
	i := sort.Search(len(m.buckets), func(i int) bool { return m.buckets[i].Threshold > v }) - 1
	if i < 0 {
		return m.buckets[0].Index
	}
	return m.buckets[i].Index
}

// Precompute fills a per-level lookup table for inputs in [0, n) so that
// backlight lookups do not search. The result is identical to Lookup.
func (m *Map) Precompute(n int) {
	if n <= 0 {
		m.levels = nil
		return
	}
	levels := make([]int, n)
	for v := range levels {
		levels[v] = m.search(v)
	}
	m.levels = levels
}

// ClampLevel bounds a backlight level to [0, max].
func ClampLevel(level, max int) int {
	if level < 0 {
		return 0
	}
	if level > max {
		return max
	}
	return level
}
