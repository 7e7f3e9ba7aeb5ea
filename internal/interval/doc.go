// Package interval tracks pending partial writes to a buffer as sorted,
// disjoint byte ranges, each carrying the number of frame copies it still
// has to reach.
//
// A write made after the last flush has Remaining equal to the number of
// frames in flight. Each flush decrements every record once. For any byte,
// the single record covering it is the most recent write that still has
// copies to reach; older records are truncated around newer ones, and
// records of the same generation are merged.
package interval
