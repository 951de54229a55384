package bitmap

import (
	"iter"
	"math/bits"
)

const wordBits = 64

// Bitmap is an immutable set of non-negative integers
type Bitmap struct {
	// words[i] holds indices [64*i, 64*i+63]; trailing words equal to the
	// fill pattern are trimmed so equal sets have equal representations
	words []uint64
	// infinite means every index at or beyond 64*len(words) is set
	infinite bool
}

// CPUSet is a set of logical processors indexed by OS index
type CPUSet = Bitmap

// NodeSet is a set of NUMA memory nodes indexed by OS index
type NodeSet = Bitmap

// New returns the empty set
func New() Bitmap {
	return Bitmap{}
}

// Full returns the set containing every index
func Full() Bitmap {
	return Bitmap{infinite: true}
}

// Singleton returns the set containing only idx
func Singleton(idx uint) Bitmap {
	return New().With(idx)
}

// FromRange returns the set [lo, hi]. A negative hi means the range is open
// and the result is infinite.
func FromRange(lo uint, hi int) Bitmap {
	return New().WithRange(lo, hi)
}

// FromIndices returns the set containing the given indices
func FromIndices(indices ...uint) Bitmap {
	if len(indices) == 0 {
		return Bitmap{}
	}
	var highest uint
	for _, idx := range indices {
		if idx > highest {
			highest = idx
		}
	}
	words := make([]uint64, highest/wordBits+1)
	for _, idx := range indices {
		words[idx/wordBits] |= 1 << (idx % wordBits)
	}
	return normalize(words, false)
}

func normalize(words []uint64, infinite bool) Bitmap {
	var fill uint64
	if infinite {
		fill = ^uint64(0)
	}
	n := len(words)
	for n > 0 && words[n-1] == fill {
		n--
	}
	if n == 0 {
		return Bitmap{infinite: infinite}
	}
	return Bitmap{words: words[:n:n], infinite: infinite}
}

func (b Bitmap) word(i int) uint64 {
	if i < len(b.words) {
		return b.words[i]
	}
	if b.infinite {
		return ^uint64(0)
	}
	return 0
}

// combine applies op word by word over the longer of the two sets
func combine(a, b Bitmap, infinite bool, op func(x, y uint64) uint64) Bitmap {
	n := max(len(a.words), len(b.words))
	words := make([]uint64, n)
	for i := range words {
		words[i] = op(a.word(i), b.word(i))
	}
	return normalize(words, infinite)
}

// IsSet reports whether idx is in the set
func (b Bitmap) IsSet(idx uint) bool {
	return b.word(int(idx/wordBits))&(1<<(idx%wordBits)) != 0
}

// IsEmpty reports whether no index is set
func (b Bitmap) IsEmpty() bool {
	return !b.infinite && len(b.words) == 0
}

// IsFull reports whether every index is set
func (b Bitmap) IsFull() bool {
	return b.infinite && len(b.words) == 0
}

// IsInfinite reports whether the set contains every index past some point
func (b Bitmap) IsInfinite() bool {
	return b.infinite
}

// First returns the lowest index in the set
func (b Bitmap) First() (uint, bool) {
	for i, w := range b.words {
		if w != 0 {
			return uint(i*wordBits + bits.TrailingZeros64(w)), true
		}
	}
	if b.infinite {
		return uint(len(b.words) * wordBits), true
	}
	return 0, false
}

// Last returns the highest index in the set; infinite sets have none
func (b Bitmap) Last() (uint, bool) {
	if b.infinite {
		return 0, false
	}
	for i := len(b.words) - 1; i >= 0; i-- {
		if w := b.words[i]; w != 0 {
			return uint(i*wordBits + wordBits - 1 - bits.LeadingZeros64(w)), true
		}
	}
	return 0, false
}

// FirstUnset returns the lowest index not in the set
func (b Bitmap) FirstUnset() (uint, bool) {
	for i, w := range b.words {
		if w != ^uint64(0) {
			return uint(i*wordBits + bits.TrailingZeros64(^w)), true
		}
	}
	if b.infinite {
		return 0, false
	}
	return uint(len(b.words) * wordBits), true
}

// Weight returns the number of indices in the set. Infinite sets report false.
func (b Bitmap) Weight() (int, bool) {
	if b.infinite {
		return 0, false
	}
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n, true
}

// Union returns b ∪ other
func (b Bitmap) Union(other Bitmap) Bitmap {
	return combine(b, other, b.infinite || other.infinite, func(x, y uint64) uint64 { return x | y })
}

// Intersection returns b ∩ other
func (b Bitmap) Intersection(other Bitmap) Bitmap {
	return combine(b, other, b.infinite && other.infinite, func(x, y uint64) uint64 { return x & y })
}

// Difference returns the indices of b that are not in other
func (b Bitmap) Difference(other Bitmap) Bitmap {
	return combine(b, other, b.infinite && !other.infinite, func(x, y uint64) uint64 { return x &^ y })
}

// Xor returns the indices in exactly one of b and other
func (b Bitmap) Xor(other Bitmap) Bitmap {
	return combine(b, other, b.infinite != other.infinite, func(x, y uint64) uint64 { return x ^ y })
}

// Complement returns every index not in b
func (b Bitmap) Complement() Bitmap {
	words := make([]uint64, len(b.words))
	for i, w := range b.words {
		words[i] = ^w
	}
	return normalize(words, !b.infinite)
}

// With returns b with idx added
func (b Bitmap) With(idx uint) Bitmap {
	if b.IsSet(idx) {
		return b
	}
	n := max(len(b.words), int(idx/wordBits)+1)
	words := make([]uint64, n)
	for i := range words {
		words[i] = b.word(i)
	}
	words[idx/wordBits] |= 1 << (idx % wordBits)
	return normalize(words, b.infinite)
}

// Without returns b with idx removed
func (b Bitmap) Without(idx uint) Bitmap {
	if !b.IsSet(idx) {
		return b
	}
	n := max(len(b.words), int(idx/wordBits)+1)
	words := make([]uint64, n)
	for i := range words {
		words[i] = b.word(i)
	}
	words[idx/wordBits] &^= 1 << (idx % wordBits)
	return normalize(words, b.infinite)
}

// WithRange returns b with [lo, hi] added; a negative hi adds [lo, ∞)
func (b Bitmap) WithRange(lo uint, hi int) Bitmap {
	if hi >= 0 && uint(hi) < lo {
		return b
	}
	if hi < 0 {
		words := make([]uint64, max(len(b.words), int(lo/wordBits)+1))
		for i := range words {
			words[i] = b.word(i)
		}
		fill(words, lo, uint(len(words)*wordBits)-1)
		return normalize(words, true)
	}
	last := uint(hi)
	words := make([]uint64, max(len(b.words), int(last/wordBits)+1))
	for i := range words {
		words[i] = b.word(i)
	}
	fill(words, lo, last)
	return normalize(words, b.infinite)
}

// fill sets bits [lo, hi] a word at a time; hi must fall inside words
func fill(words []uint64, lo, hi uint) {
	first, last := lo/wordBits, hi/wordBits
	for i := first; i <= last; i++ {
		mask := ^uint64(0)
		if i == first {
			mask &= ^uint64(0) << (lo % wordBits)
		}
		if i == last {
			mask &= ^uint64(0) >> (wordBits - 1 - hi%wordBits)
		}
		words[i] |= mask
	}
}

// Singlify keeps only the lowest index of b
func (b Bitmap) Singlify() Bitmap {
	first, ok := b.First()
	if !ok {
		return Bitmap{}
	}
	return Singleton(first)
}

// IsSubset reports whether every index of b is also in other
func (b Bitmap) IsSubset(other Bitmap) bool {
	if b.infinite && !other.infinite {
		return false
	}
	n := max(len(b.words), len(other.words))
	for i := 0; i < n; i++ {
		if b.word(i)&^other.word(i) != 0 {
			return false
		}
	}
	return true
}

// Includes reports whether other is a subset of b
func (b Bitmap) Includes(other Bitmap) bool {
	return other.IsSubset(b)
}

// Intersects reports whether b and other share at least one index
func (b Bitmap) Intersects(other Bitmap) bool {
	if b.infinite && other.infinite {
		return true
	}
	n := max(len(b.words), len(other.words))
	for i := 0; i < n; i++ {
		if b.word(i)&other.word(i) != 0 {
			return true
		}
	}
	return false
}

// Equal reports whether b and other hold the same indices
func (b Bitmap) Equal(other Bitmap) bool {
	if b.infinite != other.infinite || len(b.words) != len(other.words) {
		return false
	}
	for i, w := range b.words {
		if w != other.words[i] {
			return false
		}
	}
	return true
}

// Compare orders bitmaps by their highest differing index: it returns -1 if
// b sorts before other, 1 if after and 0 if they are equal. Infinite sets
// sort after finite ones.
func (b Bitmap) Compare(other Bitmap) int {
	if b.infinite != other.infinite {
		if b.infinite {
			return 1
		}
		return -1
	}
	for i := max(len(b.words), len(other.words)) - 1; i >= 0; i-- {
		x, y := b.word(i), other.word(i)
		switch {
		case x > y:
			return 1
		case x < y:
			return -1
		}
	}
	return 0
}

// All iterates the set in ascending order. The sequence is unbounded for
// infinite sets; callers must stop early.
func (b Bitmap) All() iter.Seq[uint] {
	return func(yield func(uint) bool) {
		for i, w := range b.words {
			for w != 0 {
				bit := bits.TrailingZeros64(w)
				if !yield(uint(i*wordBits + bit)) {
					return
				}
				w &= w - 1
			}
		}
		if !b.infinite {
			return
		}
		for idx := uint(len(b.words) * wordBits); ; idx++ {
			if !yield(idx) {
				return
			}
		}
	}
}

// Indices returns the members of a finite set in ascending order
func (b Bitmap) Indices() ([]uint, bool) {
	n, ok := b.Weight()
	if !ok {
		return nil, false
	}
	out := make([]uint, 0, n)
	for idx := range b.All() {
		out = append(out, idx)
	}
	return out, true
}
