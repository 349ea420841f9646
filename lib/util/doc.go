// Package util contains small data structures shared by the RPC engine and
// the demo services:
//
//   - DeadlineHeap: keys ordered by deadline with O(1) membership checks
//   - SizeHistogram: exponential bucket histogram for message sizes
//   - RandomCookie and HashString: handle generation and hashing helpers
package util
