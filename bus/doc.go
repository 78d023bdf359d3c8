// Package bus provides the fan-out delivery substrate consumed by the channel
// runtime: a topic registry with subscribe/unsubscribe and broadcast
// primitives, including broadcast-except for excluding a sender from its own
// fan-out.
//
// Two implementations are provided:
//
//   - Local: an in-process bus backed by a concurrent map of topics. Each
//     subscriber drains a buffered channel on its own goroutine, giving
//     per-subscriber FIFO without letting a slow receiver stall publishers.
//     Subscribers that stay full past a configurable timeout are evicted.
//
//   - NATS: a bus that maps topics onto NATS subjects so fan-out crosses
//     process boundaries. Records travel as JSON envelopes; the excluded
//     sender tag is enforced on receipt because the server cannot filter
//     at fan-out time.
//
// Both implementations satisfy the same acceptance suite; the runtime treats
// them interchangeably.
package bus
