// Package buffer holds the experience a learner collects between updates.
package buffer

import (
	"errors"
	"math/rand"
	"sync"

	"ensemble/internal/core"
)

// Transition is one step copied out of a delivered segment.
type Transition struct {
	Handle      core.Handle
	Observation []float32 // observation the action was chosen from
	Action      []float32
	Reward      []float32
	Next        []float32
	Terminated  bool
	Truncated   bool
}

// Done reports whether the episode ended with this transition.
func (t Transition) Done() bool { return t.Terminated || t.Truncated }

var ErrInvalidSize = errors.New("size must be greater than zero")

// Buffer is a bounded FIFO of transitions. When full, the least recent
// entries are overwritten. Storage of overwritten entries is reused.
type Buffer struct {
	mu      sync.Mutex
	items   []Transition
	maxSize int
	head    int // index of the oldest entry
	size    int
	total   uint64
}

func New(maxSize int) (*Buffer, error) {
	if maxSize <= 0 {
		return nil, ErrInvalidSize
	}
	return &Buffer{
		items:   make([]Transition, maxSize),
		maxSize: maxSize,
	}, nil
}

// Submit copies every real step of the batch into the buffer and returns how
// many were added. Padding steps of crashed, cancelled or lost workers are
// skipped.
func (b *Buffer) Submit(batch *core.RolloutBatch) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	added := 0
	for _, seg := range batch.Segments {
		prev := seg.Initial
		for i := 0; i < seg.Len(); i++ {
			next := seg.Observation(i)
			info := seg.Info(i)
			if info.Crashed || info.Cancelled || info.Lost {
				prev = next
				continue
			}
			b.push(seg.Handle, prev, seg.Action(i), seg.Reward(i), next, seg.Terminated(i), seg.Truncated(i))
			prev = next
			added++
		}
	}
	return added
}

func (b *Buffer) push(h core.Handle, obs, action, reward, next []float32, terminated, truncated bool) {
	idx := (b.head + b.size) % b.maxSize
	if b.size == b.maxSize {
		// overwrite the oldest
		idx = b.head
		b.head = (b.head + 1) % b.maxSize
	} else {
		b.size++
	}
	t := &b.items[idx]
	t.Handle = h
	t.Observation = append(t.Observation[:0], obs...)
	t.Action = append(t.Action[:0], action...)
	t.Reward = append(t.Reward[:0], reward...)
	t.Next = append(t.Next[:0], next...)
	t.Terminated = terminated
	t.Truncated = truncated
	b.total++
}

// Len returns the number of transitions held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) MaxSize() int { return b.maxSize }

// Total returns the number of transitions ever submitted.
func (b *Buffer) Total() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// At returns the i-th oldest transition. The slices are shared with the
// buffer and stay valid until the entry is overwritten.
func (b *Buffer) At(i int) Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= b.size {
		panic("buffer: index out of range")
	}
	return b.items[(b.head+i)%b.maxSize]
}

// Shuffled returns full mini-batches of batchSize transitions drawn from a
// seeded permutation of the buffer. The remainder that does not fill a batch
// is left out.
func (b *Buffer) Shuffled(batchSize int, seed int64) [][]Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	if batchSize <= 0 || b.size < batchSize {
		return nil
	}

	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(b.size)
	batches := make([][]Transition, 0, b.size/batchSize)
	for start := 0; start+batchSize <= len(perm); start += batchSize {
		batch := make([]Transition, batchSize)
		for j, p := range perm[start : start+batchSize] {
			batch[j] = b.items[(b.head+p)%b.maxSize]
		}
		batches = append(batches, batch)
	}
	return batches
}

// Clear drops every transition but keeps the storage.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
}
