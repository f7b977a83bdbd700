// Package processor implements the Block Processor and Reorg Controller:
// the only writer of the UTXO Index and Aggregates Store. It turns each
// BlockEvent from the Block Source Adapter into either a forward apply
// or a rewind-then-forward-apply, and hands the committed AggregateRows
// to the Subscriber Bus.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/juju/loggo"

	"github.com/SurmountSystems/gabriel-v3/internal/aggregates"
	"github.com/SurmountSystems/gabriel-v3/internal/bus"
	"github.com/SurmountSystems/gabriel-v3/internal/classify"
	"github.com/SurmountSystems/gabriel-v3/internal/gabriel"
	"github.com/SurmountSystems/gabriel-v3/internal/utxo"
)

var log = loggo.GetLogger("processor")

// AncestorResolver is what the Reorg Controller needs from the Block
// Source Adapter: the ability to fetch a previously-seen block's raw
// bytes by hash, for walking back to a fork point. Undoing the blocks
// between the fork and the old tip uses the UTXO Index's own undo log,
// not these raw blocks.
type AncestorResolver interface {
	BlockByHash(hash [32]byte) ([]byte, bool)
}

// Processor is the single writer of the UTXO Index and Aggregates
// Store. It is not safe for concurrent use: exactly one goroutine, the
// ingest task, ever calls Process.
type Processor struct {
	utxoStore   *utxo.Store
	aggStore    *aggregates.Store
	bus         *bus.Bus
	ancestors   AncestorResolver
	safetyDepth uint32
}

// New constructs a Processor. safetyDepth is the maximum reorg depth
// that will be honored before ErrReorgTooDeep is returned instead.
func New(utxoStore *utxo.Store, aggStore *aggregates.Store, b *bus.Bus, ancestors AncestorResolver, safetyDepth uint32) *Processor {
	return &Processor{
		utxoStore:   utxoStore,
		aggStore:    aggStore,
		bus:         b,
		ancestors:   ancestors,
		safetyDepth: safetyDepth,
	}
}

// ErrReorgTooDeep is returned when a reorg's fork point lies further
// back than the configured safety bound. This is fatal: the caller
// should log it and exit nonzero rather than attempt an unbounded
// rewind.
type ErrReorgTooDeep struct {
	Depth uint32
	Bound uint32
}

func (e ErrReorgTooDeep) Error() string {
	return fmt.Sprintf("reorg_too_deep depth=%d bound=%d", e.Depth, e.Bound)
}

// Process turns one Connected BlockEvent into a forward apply, invoking
// the Reorg Controller first if the event does not extend the current
// ChainTip. Disconnected events are presently informational only: the
// adapter always delivers the replacement Connected chain, so no action
// is required here.
func (p *Processor) Process(ctx context.Context, event gabriel.BlockEvent) error {
	log.Tracef("Process height=%d", event.Height)
	defer log.Tracef("Process exit")

	if event.Kind != gabriel.EventConnected {
		return nil
	}

	tip, hasTip := p.utxoStore.Tip()
	if hasTip && (event.PrevHash != tip.Hash || event.Height != tip.Height+1) {
		if err := p.reorg(ctx, event); err != nil {
			return fmt.Errorf("reorg: %w", err)
		}
		// The Reorg Controller has rewound ChainTip to the fork point;
		// re-enter forward apply against the now-consistent tip.
		tip, hasTip = p.utxoStore.Tip()
	}
	if hasTip && (event.PrevHash != tip.Hash || event.Height != tip.Height+1) {
		return fmt.Errorf("block %x at height %d does not extend tip after reorg", event.Hash, event.Height)
	}

	return p.applyForward(event)
}

// applyForward parses, classifies, and commits one block that is known
// to directly extend the current tip.
func (p *Processor) applyForward(event gabriel.BlockEvent) error {
	block, err := btcutil.NewBlockFromBytes(event.Raw)
	if err != nil {
		return fmt.Errorf("parse block %x: %w", event.Hash, err)
	}

	delta, err := p.computeDelta(block)
	if err != nil {
		return fmt.Errorf("compute delta for block %x: %w", event.Hash, err)
	}

	if err := p.utxoStore.ApplyDelta(event.Height, event.Hash, event.PrevHash, delta); err != nil {
		return fmt.Errorf("apply delta: %w", err)
	}

	rows := p.buildRows(event, block.MsgBlock().Header.Timestamp)
	newTip := gabriel.ChainTip{Height: event.Height, Hash: event.Hash, PrevHash: event.PrevHash}
	if err := p.aggStore.AppendRows(rows, newTip); err != nil {
		return fmt.Errorf("append rows: %w", err)
	}

	p.bus.Publish(rows)
	return nil
}

// computeDelta walks a block's transactions in order, processing each
// transaction's inputs before its outputs but transactions strictly in
// block order. A tracked output created and spent within the same
// block never reaches the UTXO Index at all: ApplyDelta's deletes are
// resolved against the already-committed store, so a same-block spend
// of a same-block creation is cancelled here, in memory, by tracking
// the index each insert landed at and dropping it again if a later
// input spends it.
func (p *Processor) computeDelta(block *btcutil.Block) (gabriel.Delta, error) {
	var delta gabriel.Delta
	createdAt := make(map[gabriel.Outpoint]int) // outpoint -> index in delta.Inserts
	dropped := make(map[int]bool)

	txs := block.Transactions()
	for i, tx := range txs {
		msgTx := tx.MsgTx()

		if i > 0 { // coinbase has no real prev_outpoint to spend
			for _, in := range msgTx.TxIn {
				op := gabriel.Outpoint{
					Txid: [32]byte(in.PreviousOutPoint.Hash),
					Vout: in.PreviousOutPoint.Index,
				}
				if idx, ok := createdAt[op]; ok {
					dropped[idx] = true
					delete(createdAt, op)
					continue
				}
				if _, err := p.utxoStore.Get(op); err != nil {
					continue // untracked outpoint, not in the UTXO Index
				}
				delta.Deletes = append(delta.Deletes, op)
			}
		}

		txHash := [32]byte(tx.Hash())
		for vout, out := range msgTx.TxOut {
			kind, tag := classify.Script(out.PkScript)
			if kind == gabriel.Other {
				continue
			}
			op := gabriel.Outpoint{Txid: txHash, Vout: uint32(vout)}
			delta.Inserts = append(delta.Inserts, gabriel.TrackedUtxo{
				Outpoint:    op,
				ValueSats:   uint64(out.Value),
				ScriptKind:  kind,
				PubkeyOrTag: tag,
			})
			createdAt[op] = len(delta.Inserts) - 1
		}
	}

	if len(dropped) > 0 {
		kept := delta.Inserts[:0]
		for idx, u := range delta.Inserts {
			if !dropped[idx] {
				kept = append(kept, u)
			}
		}
		delta.Inserts = kept
	}

	return delta, nil
}

// buildRows emits one AggregateRow per tracked ScriptKind for the block
// just applied, even for kinds whose totals did not change, so the
// aggregates table densely covers every applied height.
func (p *Processor) buildRows(event gabriel.BlockEvent, timestamp time.Time) []gabriel.AggregateRow {
	counts := p.utxoStore.Counts()
	rows := make([]gabriel.AggregateRow, 0, len(gabriel.TrackedKinds))
	for _, kind := range gabriel.TrackedKinds {
		c := counts[kind]
		rows = append(rows, gabriel.AggregateRow{
			BlockHeight: event.Height,
			BlockHash:   event.Hash,
			Date:        timestamp.UTC(),
			ScriptKind:  kind,
			TotalUtxos:  c.TotalUtxos,
			TotalSats:   c.TotalSats,
		})
	}
	return rows
}
