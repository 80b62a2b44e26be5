package hashdb

import (
	"math"
	"sort"

	"github.com/tidwall/btree"
)

// freeBlock is an unused extent inside the record region.
type freeBlock struct {
	off  int64
	rsiz int64
}

// freeBlockLess orders the pool by (size ascending, offset descending).
// The offset tiebreak runs backward so a fetch probe keyed at the maximum
// offset lands before every real block of the probe size, making exact-size
// blocks reachable.
func freeBlockLess(a, b freeBlock) bool {
	if a.rsiz != b.rsiz {
		return a.rsiz < b.rsiz
	}

	return a.off > b.off
}

// freeBlockPool is the bounded in-memory set of reusable extents.
//
// Not safe for concurrent use; the database serializes access through its
// pool lock.
type freeBlockPool struct {
	tree *btree.BTreeG[freeBlock]
	cap  int
}

func newFreeBlockPool(capacity int) *freeBlockPool {
	return &freeBlockPool{
		tree: btree.NewBTreeGOptions(freeBlockLess, btree.Options{NoLocks: true}),
		cap:  capacity,
	}
}

// insert offers an extent to the pool. At capacity, a candidate no larger
// than the current smallest block is discarded; otherwise the smallest block
// is evicted to make room.
func (p *freeBlockPool) insert(off, rsiz int64) {
	if p.cap < 1 {
		return
	}

	if p.tree.Len() >= p.cap {
		smallest, ok := p.tree.Min()
		if !ok || rsiz <= smallest.rsiz {
			return
		}

		p.tree.Delete(smallest)
	}

	p.tree.Set(freeBlock{off: off, rsiz: rsiz})
}

// fetch removes and returns the first block whose size is at least minSize.
func (p *freeBlockPool) fetch(minSize int64) (freeBlock, bool) {
	probe := freeBlock{off: math.MaxInt64, rsiz: minSize}

	var (
		hit   freeBlock
		found bool
	)

	p.tree.Ascend(probe, func(fb freeBlock) bool {
		hit = fb
		found = true

		return false
	})

	if !found {
		return freeBlock{}, false
	}

	p.tree.Delete(hit)

	return hit, true
}

// trim drops every block whose offset falls in [begin, end).
func (p *freeBlockPool) trim(begin, end int64) {
	var doomed []freeBlock

	p.tree.Scan(func(fb freeBlock) bool {
		if fb.off >= begin && fb.off < end {
			doomed = append(doomed, fb)
		}

		return true
	})

	for _, fb := range doomed {
		p.tree.Delete(fb)
	}
}

// blocks returns the pool contents sorted by offset ascending.
func (p *freeBlockPool) blocks() []freeBlock {
	out := make([]freeBlock, 0, p.tree.Len())

	p.tree.Scan(func(fb freeBlock) bool {
		out = append(out, fb)

		return true
	})

	// Pool order is (size, offset); dump callers want offset order.
	sort.Slice(out, func(i, j int) bool { return out[i].off < out[j].off })

	return out
}

// clone snapshots the pool for transaction rollback.
func (p *freeBlockPool) clone() *freeBlockPool {
	cp := newFreeBlockPool(p.cap)

	p.tree.Scan(func(fb freeBlock) bool {
		cp.tree.Set(fb)

		return true
	})

	return cp
}

// restore replaces the pool contents with a previously taken snapshot.
func (p *freeBlockPool) restore(snap *freeBlockPool) {
	p.tree = snap.tree
	p.cap = snap.cap
}

func (p *freeBlockPool) clear() {
	p.tree = btree.NewBTreeGOptions(freeBlockLess, btree.Options{NoLocks: true})
}

func (p *freeBlockPool) len() int {
	return p.tree.Len()
}

// dump serializes the pool into the fixed reserved area between the header
// and the bucket array: blocks sorted by offset, each a pair of varints
// (offset delta and size, both shifted right by apow), terminated by two
// zero bytes. Blocks that do not fit are dropped from the pool and are not
// re-added by later traversals; their space is reclaimed only when
// defragmentation shifts records over them.
func (p *freeBlockPool) dump(area []byte, apow uint8) {
	for i := range area {
		area[i] = 0
	}

	pos := 0
	prev := int64(0)

	var tmp [10]byte

	for _, fb := range p.blocks() {
		n := writeVarNum(tmp[:], (fb.off-prev)>>apow)
		n += writeVarNum(tmp[n:], fb.rsiz>>apow)

		// Leave room for the two-byte terminator.
		if pos+n+2 > len(area) {
			break
		}

		copy(area[pos:], tmp[:n])
		pos += n
		prev = fb.off
	}
}

// load restores pool entries from a dump area written by dump.
func (p *freeBlockPool) load(area []byte, apow uint8) error {
	pos := 0
	prev := int64(0)

	for pos+1 < len(area) {
		if area[pos] == 0x00 && area[pos+1] == 0x00 {
			return nil
		}

		delta, n := readVarNum(area[pos:])
		if n == 0 {
			return newError(ErrBroken, "truncated free-block pool dump")
		}

		pos += n

		rsiz, n := readVarNum(area[pos:])
		if n == 0 || rsiz == 0 {
			return newError(ErrBroken, "truncated free-block pool dump")
		}

		pos += n

		off := prev + delta<<apow
		prev = off

		p.insert(off, rsiz<<apow)
	}

	return nil
}
