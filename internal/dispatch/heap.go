package dispatch

import (
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// entry — элемент индекса.
type entry struct {
	key       domain.AttemptKey
	notBefore time.Time
	index     int
}

// entryHeap — min-heap по notBefore. Реализует container/heap.Interface.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	return h[i].notBefore.Before(h[j].notBefore)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
