// Package bulk implements the bulk transfer descriptor: a scatter/gather list
// of pages that is moved out of band of the request and reply messages.
//
// The client side registers its pages as a passive memory descriptor
// (Register) whose match bits travel in the request header. The server side
// moves the data with an active GET or PUT against those bits (Start).
//
// A descriptor is network visible from the moment it is registered or started
// until the network delivered the final event for it. During that interval
// the pages belong to the network. Await blocks until completion and aborts
// the transfer when its context ends; Abort returns only after the network
// confirmed the unlink, and Free panics on a descriptor that is still
// visible.
package bulk
