package processor

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/SurmountSystems/gabriel-v3/internal/gabriel"
)

// reorg finds the fork point between the current tip and the incoming
// block's ancestry, rewinds the UTXO Index and Aggregates Store to it
// as one logical unit, and leaves ChainTip at the fork point for the
// caller to re-enter forward apply from.
func (p *Processor) reorg(ctx context.Context, event gabriel.BlockEvent) error {
	log.Tracef("reorg height=%d", event.Height)
	defer log.Tracef("reorg exit")

	tip, hasTip := p.utxoStore.Tip()
	if !hasTip {
		// Nothing to rewind; this is just the first block.
		return nil
	}

	forkHeight, err := p.findForkPoint(event, tip)
	if err != nil {
		return fmt.Errorf("find fork point: %w", err)
	}

	depth := tip.Height - forkHeight
	if depth > p.safetyDepth {
		return ErrReorgTooDeep{Depth: depth, Bound: p.safetyDepth}
	}
	log.Infof("reorg detected: old tip height %d, fork height %d, depth %d", tip.Height, forkHeight, depth)

	// RewindTo and DeleteAbove are each their own atomic primitive,
	// applied here as a single logical rewind unit. A crash between the
	// two leaves the Aggregates Store ahead of the UTXO Index, which the
	// boot-time consistency check repairs by truncating it to match.
	if err := p.utxoStore.RewindTo(forkHeight); err != nil {
		return fmt.Errorf("rewind utxo index: %w", err)
	}
	if err := p.aggStore.DeleteAbove(forkHeight); err != nil {
		return fmt.Errorf("delete aggregate rows above fork: %w", err)
	}

	return nil
}

// findForkPoint walks backward from the incoming block's declared
// parent, comparing against the UTXO Index's own durable per-height
// hash record, until it finds a height where the two agree. It never
// walks past height 0.
func (p *Processor) findForkPoint(event gabriel.BlockEvent, tip gabriel.ChainTip) (uint32, error) {
	// Fast path: the incoming block's parent is an ancestor of the
	// current tip at tip.Height-1, i.e. a simple one-block reorg.
	candidateHash := event.PrevHash
	candidateHeight := event.Height - 1

	for {
		storedHash, err := p.utxoStore.HashAtHeight(candidateHeight)
		if err != nil {
			return 0, fmt.Errorf("resolve stored hash at height %d: %w", candidateHeight, err)
		}
		if storedHash == candidateHash {
			return candidateHeight, nil
		}
		if candidateHeight == 0 {
			return 0, fmt.Errorf("no common ancestor found back to genesis")
		}

		raw, ok := p.ancestors.BlockByHash(candidateHash)
		if !ok {
			return 0, fmt.Errorf("ancestor block %x not resolvable by source adapter", candidateHash)
		}
		prevHash, err := parentHash(raw)
		if err != nil {
			return 0, fmt.Errorf("parse ancestor %x: %w", candidateHash, err)
		}
		candidateHash = prevHash
		candidateHeight--
	}
}

func parentHash(raw []byte) ([32]byte, error) {
	block, err := btcutil.NewBlockFromBytes(raw)
	if err != nil {
		return [32]byte{}, err
	}
	return [32]byte(block.MsgBlock().Header.PrevBlock), nil
}
