// Package channel holds the errors and contracts shared by the channel
// variants in its sub-packages:
//
//   - bounded: multi-producer, single-consumer queue with a fixed capacity.
//     Send blocks while the queue is full.
//   - unbounded: multi-producer, single-consumer queue without a limit.
//     Send never blocks.
//   - rendezvous: zero capacity. Send returns once a receiver has taken the
//     value.
//
// Every constructor returns a connected Sender and Receiver. Handles are
// released with Close; closing the last Sender lets the receiver observe
// exhaustion, closing the Receiver makes further sends fail with ErrClosed
// and the rejected value is returned inside a *SendError.
package channel
