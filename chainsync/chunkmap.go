package chainsync

import "sort"

// chunk is a contiguous run of items starting at block number start, where
// items[i] corresponds to block number start+i.
type chunk[T any] struct {
	start uint64
	items []T
}

// chunkMap is the header-chunk / body-chunk map from spec §3: an ordered
// mapping from start_number to a contiguous run, coalesced eagerly whenever
// two runs become adjacent.
type chunkMap[T any] struct {
	chunks []*chunk[T]
}

func newChunkMap[T any]() *chunkMap[T] { return &chunkMap[T]{} }

func (m *chunkMap[T]) Empty() bool { return len(m.chunks) == 0 }

// Front returns the lowest-numbered chunk, if any.
func (m *chunkMap[T]) Front() (start uint64, items []T, ok bool) {
	if len(m.chunks) == 0 {
		return 0, nil, false
	}
	c := m.chunks[0]
	return c.start, c.items, true
}

func (m *chunkMap[T]) Get(number uint64) (T, bool) {
	for _, c := range m.chunks {
		if number >= c.start && number < c.start+uint64(len(c.items)) {
			return c.items[number-c.start], true
		}
	}
	var zero T
	return zero, false
}

func (m *chunkMap[T]) Has(number uint64) bool {
	_, ok := m.Get(number)
	return ok
}

// Insert places item at number, merging with an adjacent chunk on either
// side if one exists, or creating a new single-item chunk otherwise. Caller
// is responsible for not overwriting an already-populated number.
func (m *chunkMap[T]) Insert(number uint64, item T) {
	for i, c := range m.chunks {
		end := c.start + uint64(len(c.items)) // next expected number for this chunk
		if end == number {
			c.items = append(c.items, item)
			if i+1 < len(m.chunks) && m.chunks[i+1].start == number+1 {
				next := m.chunks[i+1]
				c.items = append(c.items, next.items...)
				m.chunks = append(m.chunks[:i+1], m.chunks[i+2:]...)
			}
			return
		}
		if c.start == number+1 {
			merged := make([]T, 0, len(c.items)+1)
			merged = append(merged, item)
			merged = append(merged, c.items...)
			c.items = merged
			c.start = number
			if i > 0 {
				prev := m.chunks[i-1]
				if prev.start+uint64(len(prev.items)) == number {
					prev.items = append(prev.items, c.items...)
					m.chunks = append(m.chunks[:i], m.chunks[i+1:]...)
				}
			}
			return
		}
	}

	nc := &chunk[T]{start: number, items: []T{item}}
	idx := sort.Search(len(m.chunks), func(i int) bool { return m.chunks[i].start > number })
	m.chunks = append(m.chunks, nil)
	copy(m.chunks[idx+1:], m.chunks[idx:])
	m.chunks[idx] = nc
}

// TrimBelow drops every item numbered below number, shrinking (or removing
// entirely) the chunks that cover them.
func (m *chunkMap[T]) TrimBelow(number uint64) {
	for len(m.chunks) > 0 {
		c := m.chunks[0]
		end := c.start + uint64(len(c.items))
		if end <= number {
			m.chunks = m.chunks[1:]
			continue
		}
		if c.start < number {
			drop := number - c.start
			c.items = c.items[drop:]
			c.start = number
		}
		break
	}
}

func (m *chunkMap[T]) Clear() { m.chunks = nil }
