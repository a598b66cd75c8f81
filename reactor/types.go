// Package reactor implements the indexer reactor: a collaborator that
// drives the execution core from an ordered stream of chain events,
// maintaining a rollbackable history through the persistent store. The
// concrete Bitcoin P2P/ZMQ ingestion path is out of scope; only the event
// shape the reactor consumes, and the rollback/seek protocol it runs
// against a ChainFollower, are implemented here.
package reactor

import "cairnvm/engine"

// EventKind tags a ChainEvent's payload.
type EventKind int

const (
	// EventBlockConnected carries a newly connected Block.
	EventBlockConnected EventKind = iota
	// EventBlockDisconnected carries the hash of a block being undone.
	EventBlockDisconnected
	// EventConnected signals a ZMQ-equivalent reconnect with no chain data
	// of its own; the reactor responds by re-running the seek protocol.
	EventConnected
)

// ChainEvent is one item of the ordered stream a ChainFollower produces.
type ChainEvent struct {
	Kind             EventKind
	Block            *Block // set for EventBlockConnected
	DisconnectedHash []byte // set for EventBlockDisconnected
}

// Block is one connected block's worth of transactions, already parsed down
// to the operations the reactor must dispatch in order.
type Block struct {
	Height       uint64
	Hash         []byte
	PrevHash     []byte
	Transactions []Transaction
}

// Transaction is one block-relative transaction carrying zero or more
// contract-bearing operations.
type Transaction struct {
	TxIndex uint64
	TxID    []byte
	Ops     []Operation
}

// Operation is a single parsed contract-bearing operation within a
// transaction: an OP_RETURN envelope plus the input/previous-output context
// the core's Transaction accessors expose to the guest.
type Operation struct {
	InputIndex     uint64
	OpIndex        uint64
	PreviousOutput engine.OutPoint
	OpReturnData   []byte
	Envelope       Envelope
}
