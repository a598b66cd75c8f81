package reactor

import "context"

// ChainFollower is the external chain-following collaborator the reactor
// drives itself from. A
// concrete Bitcoin P2P/ZMQ implementation is explicitly out of scope; this
// interface is the only contract the reactor needs from one.
//
// Seek protocol: at startup, and again after an EventConnected
// reconnect notification, the reactor calls Seek with the height one past
// the last block it has stored and that block's hash. The follower is
// expected to detect a fork by comparing lastHash against its own view of
// the chain at fromHeight-1; on a mismatch it rewinds and the returned
// stream begins with however many EventBlockDisconnected events are needed
// to reach the common ancestor, followed by EventBlockConnected from the
// fork point forward.
type ChainFollower interface {
	Seek(ctx context.Context, fromHeight uint64, lastHash []byte) (<-chan ChainEvent, error)
}
