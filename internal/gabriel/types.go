// Package gabriel holds the data types shared by every stage of the
// ingestion pipeline: source, classifier, UTXO index, processor,
// aggregates store and subscriber bus.
package gabriel

import (
	"fmt"
	"time"
)

// ScriptKind is the tagged variant a locking script classifies into. Other
// is never tracked by the UTXO Index.
type ScriptKind int

const (
	Other ScriptKind = iota
	P2PK
	P2TR
)

func (k ScriptKind) String() string {
	switch k {
	case P2PK:
		return "P2PK"
	case P2TR:
		return "P2TR"
	default:
		return "Other"
	}
}

// TrackedKinds enumerates the ScriptKinds the UTXO Index persists, in the
// order AggregateRows are emitted for a block.
var TrackedKinds = []ScriptKind{P2PK, P2TR}

// Outpoint globally identifies one output of one transaction.
type Outpoint struct {
	Txid [32]byte
	Vout uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%x:%d", o.Txid[:], o.Vout)
}

// TrackedUtxo is a UTXO of a tracked ScriptKind, as kept in the UTXO Index.
type TrackedUtxo struct {
	Outpoint    Outpoint
	ValueSats   uint64
	ScriptKind  ScriptKind
	PubkeyOrTag []byte
}

// AggregateRow is one committed (height, kind) time-series row.
type AggregateRow struct {
	BlockHeight uint32
	BlockHash   [32]byte
	Date        time.Time
	ScriptKind  ScriptKind
	TotalUtxos  uint64
	TotalSats   uint64
}

// ChainTip is the highest block applied to the UTXO Index and committed to
// the Aggregates Store. Exactly one exists at any time.
type ChainTip struct {
	Height   uint32
	Hash     [32]byte
	PrevHash [32]byte
}

// BlockEventKind tags a BlockEvent coming out of the Block Source Adapter.
type BlockEventKind int

const (
	EventConnected BlockEventKind = iota
	EventDisconnected
)

// BlockEvent is what the Block Source Adapter hands to the ingest task.
// Connected carries everything needed to parse and apply the block;
// Disconnected only identifies a block the source client dropped.
type BlockEvent struct {
	Kind     BlockEventKind
	Height   uint32
	Hash     [32]byte
	PrevHash [32]byte
	Raw      []byte
}

// ReverseHash returns h with its bytes reversed, converting between
// btcd's internal (little-endian, wire/computed) byte order and the
// big-endian display order used at every text boundary: JSON fields,
// query parameters and block explorers. It is its own inverse.
func ReverseHash(h [32]byte) [32]byte {
	var out [32]byte
	for i := range h {
		out[i] = h[len(h)-1-i]
	}
	return out
}

// Delta is what the Block Processor computes for one block before it is
// applied to the UTXO Index: a set of new tracked UTXOs and a set of
// outpoints to remove, in deterministic block order.
type Delta struct {
	Inserts []TrackedUtxo
	Deletes []Outpoint
}
