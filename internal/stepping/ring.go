package stepping

import "sync"

// MergeRing is the fairness token: an ordered queue of active thread ids
// where the head is the thread whose turn it is to merge. The pool owns it;
// threads only ask whether it is their turn and report merges.
type MergeRing struct {
	mu    sync.Mutex
	order []int
	head  int
}

// NewMergeRing builds a ring over ids in the given order.
func NewMergeRing(ids []int) *MergeRing {
	order := make([]int, len(ids))
	copy(order, ids)
	return &MergeRing{order: order}
}

// IsTurn reports whether id holds the token.
func (r *MergeRing) IsTurn(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order) > 0 && r.order[r.head] == id
}

// Holder returns the id at the head, or -1 if the ring is empty.
func (r *MergeRing) Holder() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return -1
	}
	return r.order[r.head]
}

// Advance passes the token on after id merged. Merges by a thread that
// does not hold the token (timeout fallback) leave the token in place.
func (r *MergeRing) Advance(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 || r.order[r.head] != id {
		return
	}
	r.head = (r.head + 1) % len(r.order)
}

// Remove drops id from the ring. If id held the token it passes to the
// next thread.
func (r *MergeRing) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := -1
	for i, v := range r.order {
		if v == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	r.order = append(r.order[:idx], r.order[idx+1:]...)
	if idx < r.head {
		r.head--
	}
	if r.head >= len(r.order) {
		r.head = 0
	}
}

// Len returns the number of active threads.
func (r *MergeRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Order returns the ring starting at the token holder.
func (r *MergeRing) Order() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.order))
	for i := range r.order {
		out = append(out, r.order[(r.head+i)%len(r.order)])
	}
	return out
}
