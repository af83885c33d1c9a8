package recall

import (
	"container/heap"
	"slices"
)

type scored struct {
	id    int64
	score float64
}

// minHeap keeps the k best candidates with the worst one at the root.
type minHeap []scored

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].score < h[j].score }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(scored)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopK collects the k highest scoring ids.
type TopK struct {
	k int
	h minHeap
}

func NewTopK(k int) *TopK {
	return &TopK{k: k, h: make(minHeap, 0, k)}
}

func (t *TopK) Offer(id int64, score float64) {
	if len(t.h) < t.k {
		heap.Push(&t.h, scored{id, score})
		return
	}
	if score > t.h[0].score {
		t.h[0] = scored{id, score}
		heap.Fix(&t.h, 0)
	}
}

// IDs returns the collected ids, best first.
func (t *TopK) IDs() []int64 {
	items := slices.Clone(t.h)
	slices.SortFunc(items, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		default:
			return 0
		}
	})
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.id
	}
	return ids
}
