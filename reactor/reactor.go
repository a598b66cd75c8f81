package reactor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cairnvm/engine"
	"cairnvm/store"
)

var log = logrus.WithField("component", "reactor")

// Reactor drives the execution core from an ordered stream of chain events.
// It is the only caller of Runtime.SetContext/Publish/Execute outside of
// tests, and the only place rollback-to-height is invoked in response to a
// reorg.
//
// Start/Stop/Run follow a background-goroutine-plus-quit-channel shape: the
// loop runs until Stop is called or its context is cancelled, guarded by a
// mutex so double-Start/double-Stop are harmless no-ops.
type Reactor struct {
	rt       *engine.Runtime
	st       *store.Store
	follower ChainFollower

	mu         sync.Mutex
	active     bool
	quit       chan struct{}
	done       chan struct{}
	heightHash map[string]uint64
}

// New constructs a Reactor driving rt and st from events produced by
// follower.
func New(rt *engine.Runtime, st *store.Store, follower ChainFollower) *Reactor {
	return &Reactor{rt: rt, st: st, follower: follower, heightHash: make(map[string]uint64)}
}

// Start launches the reactor's ingestion loop in a background goroutine. It
// is a no-op if the reactor is already running.
func (r *Reactor) Start(ctx context.Context) {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return
	}
	r.active = true
	r.quit = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		if err := r.Run(ctx); err != nil {
			log.WithError(err).Error("reactor stopped")
		}
	}()
	log.Info("reactor started")
}

// Stop signals the ingestion loop to exit and waits for it to return.
func (r *Reactor) Stop() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.active = false
	close(r.quit)
	done := r.done
	r.mu.Unlock()

	<-done
	log.Info("reactor stopped")
}

// Run synchronously drives the ingestion loop until ctx is cancelled, Stop
// is called, or the follower's event stream closes. It performs the seek
// protocol once at entry and again after every EventConnected notification.
func (r *Reactor) Run(ctx context.Context) error {
	events, err := r.seek(ctx)
	if err != nil {
		return fmt.Errorf("reactor: initial seek: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.quitChan():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind == EventConnected {
				log.Info("follower reconnected, re-seeking")
				events, err = r.seek(ctx)
				if err != nil {
					return fmt.Errorf("reactor: re-seek after reconnect: %w", err)
				}
				continue
			}
			if err := r.handleEvent(ctx, ev); err != nil {
				return fmt.Errorf("reactor: handle event: %w", err)
			}
		}
	}
}

// quitChan returns the current quit channel, or nil (a permanently-blocking
// receive) if the reactor was never Start()ed — Run can still be driven
// directly by tests without Start.
func (r *Reactor) quitChan() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quit
}

// seek implements the seek protocol: ask the follower for blocks
// from the latest stored height + 1, providing the stored last hash so the
// follower can detect a fork.
func (r *Reactor) seek(ctx context.Context) (<-chan ChainEvent, error) {
	lastHeight, ok, err := r.st.LastHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("reactor: read last height: %w", err)
	}
	if !ok {
		return r.follower.Seek(ctx, 0, nil)
	}
	lastHash, found, err := r.st.BlockHash(ctx, lastHeight)
	if err != nil {
		return nil, fmt.Errorf("reactor: read last hash: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("reactor: no hash stored for last height %d", lastHeight)
	}
	return r.follower.Seek(ctx, lastHeight+1, lastHash)
}

func (r *Reactor) handleEvent(ctx context.Context, ev ChainEvent) error {
	switch ev.Kind {
	case EventBlockConnected:
		return r.handleBlockConnected(ctx, ev.Block)
	case EventBlockDisconnected:
		return r.handleBlockDisconnected(ctx, ev.DisconnectedHash)
	default:
		return fmt.Errorf("reactor: unknown event kind %d", ev.Kind)
	}
}

// handleBlockConnected ingests one block: inserts the block and transaction
// rows, then dispatches every operation in (tx_index, input_index, op_index)
// ascending order, exactly as parsed.
func (r *Reactor) handleBlockConnected(ctx context.Context, b *Block) error {
	// batchID correlates every log line this block's ingestion produces
	// with a fresh google/uuid value.
	batchID := uuid.NewString()
	blog := log.WithFields(logrus.Fields{"batch_id": batchID, "height": b.Height})
	blog.Debug("ingesting block")

	if err := r.st.InsertBlock(ctx, b.Height, b.Hash, b.PrevHash); err != nil {
		return fmt.Errorf("reactor: insert block %d: %w", b.Height, err)
	}
	r.recordHash(b.Height, b.Hash)

	for _, tx := range b.Transactions {
		if err := r.st.InsertTransaction(ctx, b.Height, tx.TxIndex, tx.TxID); err != nil {
			return fmt.Errorf("reactor: insert tx %d:%d: %w", b.Height, tx.TxIndex, err)
		}
		for _, op := range tx.Ops {
			if err := r.dispatchOp(ctx, b.Height, tx, op); err != nil {
				return err
			}
		}
	}
	r.rt.CheckpointTokens(b.Height)
	blog.Debug("block ingested")
	return nil
}

// dispatchOp sets the current context and runs either Publish or Execute
// depending on the envelope's prefix tag.
func (r *Reactor) dispatchOp(ctx context.Context, height uint64, tx Transaction, op Operation) error {
	r.rt.SetContext(height, tx.TxIndex, op.InputIndex, op.OpIndex, tx.TxID, op.PreviousOutput, op.OpReturnData)

	switch op.Envelope.Kind {
	case EnvelopePublish:
		_, err := r.rt.Publish(ctx, op.Envelope.Signer, op.Envelope.ContractName, op.Envelope.ContractBytes)
		if err != nil {
			if engine.Fatal(err) {
				return fmt.Errorf("reactor: publish %s at %d:%d: %w", op.Envelope.ContractName, height, tx.TxIndex, err)
			}
			log.WithFields(logrus.Fields{"name": op.Envelope.ContractName, "height": height, "tx_index": tx.TxIndex}).
				WithError(err).Warn("publish failed")
		}
		return nil
	case EnvelopeExecute:
		addr := engine.ContractAddress{Name: op.Envelope.TargetName, Height: op.Envelope.TargetHeight, TxIndex: op.Envelope.TargetTxIndex}
		_, err := r.rt.Execute(ctx, op.Envelope.Signer, addr, op.Envelope.Expression)
		if err != nil {
			if engine.Fatal(err) {
				return fmt.Errorf("reactor: execute %s at %d:%d: %w", addr.Render(), height, tx.TxIndex, err)
			}
			log.WithFields(logrus.Fields{"address": addr.Render(), "height": height, "tx_index": tx.TxIndex}).
				WithError(err).Debug("call failed, result row recorded by engine")
		}
		return nil
	default:
		return fmt.Errorf("reactor: unknown envelope kind %d at %d:%d:%d", op.Envelope.Kind, height, tx.TxIndex, op.OpIndex)
	}
}

// handleBlockDisconnected resolves hash to the height it was stored at and
// rolls the store back to the height immediately before it, restoring the
// gapless prefix invariant.
func (r *Reactor) handleBlockDisconnected(ctx context.Context, hash []byte) error {
	height, ok := r.lookupHeight(hash)
	if !ok {
		return fmt.Errorf("reactor: disconnect of unknown block hash")
	}
	if height == 0 {
		return fmt.Errorf("reactor: cannot disconnect genesis block")
	}
	if err := r.st.RollbackToHeight(ctx, height-1); err != nil {
		return fmt.Errorf("reactor: rollback to height %d: %w", height-1, err)
	}
	r.rt.RollbackTokensToHeight(height - 1)
	r.forgetHashesAbove(height - 1)
	log.WithField("height", height-1).Info("disconnected, rolled back")
	return nil
}

func (r *Reactor) recordHash(height uint64, hash []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heightHash[string(hash)] = height
}

func (r *Reactor) lookupHeight(hash []byte) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.heightHash[string(hash)]
	return h, ok
}

func (r *Reactor) forgetHashesAbove(height uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, h := range r.heightHash {
		if h > height {
			delete(r.heightHash, hash)
		}
	}
}
