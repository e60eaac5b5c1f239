package sim

import "container/heap"

// cursor is the head of one input stream in a merge.
type cursor struct {
	time   float64
	stream int
	index  int
}

// mergeHeap orders stream heads deterministically.
// Ordering: time → stream → index
type mergeHeap []cursor

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if h[i].time != h[j].time {
		return h[i].time < h[j].time
	}
	if h[i].stream != h[j].stream {
		return h[i].stream < h[j].stream
	}
	return h[i].index < h[j].index
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(cursor)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeByTime merges time-ordered streams into one time-ordered slice.
// Each stream's internal order is preserved, and on equal times the
// earlier stream wins, so the result is fully deterministic. The inputs
// are not modified.
func MergeByTime[T any](streams [][]T, timeOf func(T) float64) []T {
	total := 0
	h := make(mergeHeap, 0, len(streams))
	for s, events := range streams {
		total += len(events)
		if len(events) > 0 {
			h = append(h, cursor{time: timeOf(events[0]), stream: s})
		}
	}
	heap.Init(&h)

	out := make([]T, 0, total)
	for h.Len() > 0 {
		c := h[0]
		events := streams[c.stream]
		out = append(out, events[c.index])
		if next := c.index + 1; next < len(events) {
			h[0] = cursor{time: timeOf(events[next]), stream: c.stream, index: next}
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}
	return out
}
