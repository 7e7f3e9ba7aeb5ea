package interval

import "sort"

// Commit is one pending write: bytes [Base, Base+Size) that must still be
// pushed to Remaining more frame copies.
type Commit struct {
	Base      uint64
	Size      uint64
	Remaining int
}

// End returns the exclusive end offset of the commit.
func (c Commit) End() uint64 {
	return c.Base + c.Size
}

// List is the ordered set of pending commits of one buffer.
// The zero value is an empty list. List is not safe for concurrent use.
type List struct {
	commits []Commit
}

// Insert records a write of size bytes at base that has to reach remaining
// frame copies.
//
// Records of the same generation (equal Remaining) that overlap or touch the
// write are merged into it. Any other overlapping record is older: the new
// write takes precedence for every copy it still has to reach, so the older
// record is truncated, split around the write, or dropped if nothing is left.
func (l *List) Insert(base, size uint64, remaining int) {
	if size == 0 || remaining <= 0 {
		return
	}
	lo, hi := base, base+size

	merged := Commit{Base: lo, Size: size, Remaining: remaining}
	out := make([]Commit, 0, len(l.commits)+2)
	for _, c := range l.commits {
		switch {
		case c.End() < lo || c.Base > hi:
			// Disjoint and not touching.
			out = append(out, c)
		case c.Remaining == remaining:
			// Same generation: absorb, including mere adjacency.
			mlo := min(merged.Base, c.Base)
			mhi := max(merged.End(), c.End())
			merged.Base, merged.Size = mlo, mhi-mlo
		case c.End() <= lo || c.Base >= hi:
			// Older record that only touches the write.
			out = append(out, c)
		default:
			// Older record overlapping the write: keep what lies outside it.
			if c.Base < lo {
				out = append(out, Commit{Base: c.Base, Size: lo - c.Base, Remaining: c.Remaining})
			}
			if c.End() > hi {
				out = append(out, Commit{Base: hi, Size: c.End() - hi, Remaining: c.Remaining})
			}
		}
	}
	out = append(out, merged)
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	l.commits = out
}

// Replace records a write covering the whole buffer. It supersedes every
// pending record.
func (l *List) Replace(size uint64, remaining int) {
	l.commits = l.commits[:0]
	if size == 0 || remaining <= 0 {
		return
	}
	l.commits = append(l.commits, Commit{Size: size, Remaining: remaining})
}

// Age consumes one frame: every record's Remaining is decremented and
// exhausted records are erased. It reports whether the list is now empty.
func (l *List) Age() bool {
	n := 0
	for _, c := range l.commits {
		c.Remaining--
		if c.Remaining > 0 {
			l.commits[n] = c
			n++
		}
	}
	clear(l.commits[n:])
	l.commits = l.commits[:n]
	return n == 0
}

// Commits returns a copy of the pending records in ascending Base order.
func (l *List) Commits() []Commit {
	out := make([]Commit, len(l.commits))
	copy(out, l.commits)
	return out
}

// Each calls fn for every pending record in ascending Base order.
// fn must not modify the list.
func (l *List) Each(fn func(Commit)) {
	for _, c := range l.commits {
		fn(c)
	}
}

// Len returns the number of pending records.
func (l *List) Len() int {
	return len(l.commits)
}

// Covered returns the total number of pending bytes.
func (l *List) Covered() uint64 {
	var n uint64
	for _, c := range l.commits {
		n += c.Size
	}
	return n
}

// Reset drops every pending record.
func (l *List) Reset() {
	l.commits = l.commits[:0]
}
