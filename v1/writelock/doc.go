// Package writelock implements a single-resource mutual-exclusion protocol
// among an unranked, dynamically-changing set of peers that communicate only
// over an unreliable broadcast medium. At most one peer believes itself
// authorized to write at a time; when the holder disappears without warning
// the remaining peers reclaim the lock via heartbeat staleness detection.
//
// The protocol trades strict mutual exclusion for availability: two peers
// requesting concurrently with no prior holder may both briefly become
// holder. The window is bounded; holders observing a grant or heartbeat from
// a lexicographically smaller peer step down, so the set converges to a
// single holder within one heartbeat interval.
package writelock
