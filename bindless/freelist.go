package bindless

import "github.com/RoaringBitmap/roaring/v2"

// freeList holds the free handles. The smallest handle is always popped
// first so the live descriptors stay packed at the front of the table.
type freeList struct {
	bm *roaring.Bitmap
}

func newFreeList() freeList {
	return freeList{bm: roaring.New()}
}

// addRange frees every handle in [lo, hi).
func (f freeList) addRange(lo, hi uint32) {
	f.bm.AddRange(uint64(lo), uint64(hi))
}

func (f freeList) push(h Handle) {
	f.bm.Add(uint32(h))
}

func (f freeList) pop() (Handle, bool) {
	if f.bm.IsEmpty() {
		return InvalidHandle, false
	}
	m := f.bm.Minimum()
	f.bm.Remove(m)
	return Handle(m), true
}

func (f freeList) contains(h Handle) bool {
	return f.bm.Contains(uint32(h))
}

func (f freeList) len() int {
	return int(f.bm.GetCardinality()) //nolint:gosec // G115: bounded by uint32 handle space
}
