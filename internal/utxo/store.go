// Package utxo implements the UTXO Index: the goleveldb-backed store of
// every tracked (P2PK/P2TR) unspent output, plus the per-height undo log
// that makes a reorg rewind a bounded, cheap operation.
package utxo

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/juju/loggo"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/SurmountSystems/gabriel-v3/internal/database"
	"github.com/SurmountSystems/gabriel-v3/internal/gabriel"
)

var log = loggo.GetLogger("utxo")

const tipKey = "tip"

// undoRecord is what ApplyDelta persists per height so RewindTo can
// reverse a block without re-parsing it: the block's hash (for the
// Reorg Controller's ancestor walk) plus the pre-images of every
// outpoint the block spent, captured at delete time, since a bare
// Outpoint carries no value/kind to restore.
type undoRecord struct {
	Hash     [32]byte              `json:"hash"`
	Inserted []gabriel.TrackedUtxo `json:"inserted"`
	Spent    []gabriel.TrackedUtxo `json:"spent"`
}

// kindCounter is the running (count, total sats) pair kept in memory per
// tracked ScriptKind, reconstructed from the utxo table at boot so the
// Aggregates Store never has to scan the whole index to emit a row.
type kindCounter struct {
	count uint64
	sats  uint64
}

// Store is the single-writer, multi-table UTXO Index described above.
// Locking order: utxo, undo, meta.
type Store struct {
	mtx sync.RWMutex

	utxoDB *leveldb.DB
	undoDB *leveldb.DB
	metaDB *leveldb.DB

	counters map[gabriel.ScriptKind]*kindCounter
	tip      gabriel.ChainTip
	hasTip   bool
}

// Open opens (creating if necessary) the three on-disk tables under home
// and reconstructs the in-memory counters and chain tip.
func Open(home string) (*Store, error) {
	log.Tracef("Open")
	defer log.Tracef("Open exit")

	utxoDB, err := leveldb.OpenFile(filepath.Join(home, "utxo"), nil)
	if err != nil {
		return nil, fmt.Errorf("open utxo table: %w", err)
	}
	undoDB, err := leveldb.OpenFile(filepath.Join(home, "undo"), nil)
	if err != nil {
		utxoDB.Close()
		return nil, fmt.Errorf("open undo table: %w", err)
	}
	metaDB, err := leveldb.OpenFile(filepath.Join(home, "meta"), nil)
	if err != nil {
		utxoDB.Close()
		undoDB.Close()
		return nil, fmt.Errorf("open meta table: %w", err)
	}

	s := &Store{
		utxoDB:   utxoDB,
		undoDB:   undoDB,
		metaDB:   metaDB,
		counters: make(map[gabriel.ScriptKind]*kindCounter, len(gabriel.TrackedKinds)),
	}
	for _, k := range gabriel.TrackedKinds {
		s.counters[k] = &kindCounter{}
	}

	if err := s.rebuildCounters(); err != nil {
		s.Close()
		return nil, fmt.Errorf("rebuild counters: %w", err)
	}
	if err := s.loadTip(); err != nil {
		s.Close()
		return nil, fmt.Errorf("load tip: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	log.Tracef("Close")
	defer log.Tracef("Close exit")

	var firstErr error
	for _, db := range []*leveldb.DB{s.utxoDB, s.undoDB, s.metaDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) rebuildCounters() error {
	it := s.utxoDB.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		var u gabriel.TrackedUtxo
		if err := json.Unmarshal(it.Value(), &u); err != nil {
			return fmt.Errorf("unmarshal utxo: %w", err)
		}
		c, ok := s.counters[u.ScriptKind]
		if !ok {
			continue
		}
		c.count++
		c.sats += u.ValueSats
	}
	return it.Error()
}

func (s *Store) loadTip() error {
	v, err := s.metaDB.Get([]byte(tipKey), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil
		}
		return err
	}
	var tip gabriel.ChainTip
	if err := json.Unmarshal(v, &tip); err != nil {
		return fmt.Errorf("unmarshal tip: %w", err)
	}
	s.tip = tip
	s.hasTip = true
	return nil
}

// Tip returns the highest block applied to the index, if any.
func (s *Store) Tip() (gabriel.ChainTip, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.tip, s.hasTip
}

// Counts returns a snapshot of the per-kind (count, total sats) counters.
func (s *Store) Counts() map[gabriel.ScriptKind]gabriel.AggregateRow {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make(map[gabriel.ScriptKind]gabriel.AggregateRow, len(s.counters))
	for k, c := range s.counters {
		out[k] = gabriel.AggregateRow{
			ScriptKind: k,
			TotalUtxos: c.count,
			TotalSats:  c.sats,
		}
	}
	return out
}

func outpointKey(o gabriel.Outpoint) []byte {
	key := make([]byte, 32+4)
	copy(key[:32], o.Txid[:])
	binary.BigEndian.PutUint32(key[32:], o.Vout)
	return key
}

func undoKey(height uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, height)
	return key
}

// ApplyDelta atomically commits one block's worth of UTXO Index mutation:
// the tracked-UTXO inserts/deletes, the undo record that makes this block
// reversible, and the new chain tip. Locking and commit order both run
// utxo, undo, meta: the tip pointer (meta) is committed last, so a crash
// between commits always leaves the tip lagging behind durable data
// rather than pointing past a block the other two tables don't yet have.
func (s *Store) ApplyDelta(height uint32, hash, prevHash [32]byte, delta gabriel.Delta) error {
	log.Tracef("ApplyDelta")
	defer log.Tracef("ApplyDelta exit")

	s.mtx.Lock()
	defer s.mtx.Unlock()

	utxoTx, err := s.utxoDB.OpenTransaction()
	if err != nil {
		return fmt.Errorf("utxo open transaction: %w", err)
	}
	utxoDiscard := true
	defer func() {
		if utxoDiscard {
			utxoTx.Discard()
		}
	}()

	undoTx, err := s.undoDB.OpenTransaction()
	if err != nil {
		return fmt.Errorf("undo open transaction: %w", err)
	}
	undoDiscard := true
	defer func() {
		if undoDiscard {
			undoTx.Discard()
		}
	}()

	metaTx, err := s.metaDB.OpenTransaction()
	if err != nil {
		return fmt.Errorf("meta open transaction: %w", err)
	}
	metaDiscard := true
	defer func() {
		if metaDiscard {
			metaTx.Discard()
		}
	}()

	utxoBatch := new(leveldb.Batch)
	undo := undoRecord{
		Hash:     hash,
		Inserted: make([]gabriel.TrackedUtxo, len(delta.Inserts)),
	}
	copy(undo.Inserted, delta.Inserts)

	for _, u := range delta.Inserts {
		uj, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshal utxo: %w", err)
		}
		utxoBatch.Put(outpointKey(u.Outpoint), uj)
	}
	for _, o := range delta.Deletes {
		// Capture the pre-image inside the same transaction so the
		// undo record can restore it exactly on rewind.
		v, err := utxoTx.Get(outpointKey(o), nil)
		if err != nil {
			if err == leveldb.ErrNotFound {
				return fmt.Errorf("apply delta: deleting unknown outpoint %s", o)
			}
			return fmt.Errorf("apply delta get: %w", err)
		}
		var spent gabriel.TrackedUtxo
		if err := json.Unmarshal(v, &spent); err != nil {
			return fmt.Errorf("unmarshal spent utxo: %w", err)
		}
		undo.Spent = append(undo.Spent, spent)
		utxoBatch.Delete(outpointKey(o))
	}

	dj, err := json.Marshal(undo)
	if err != nil {
		return fmt.Errorf("marshal undo record: %w", err)
	}
	undoBatch := new(leveldb.Batch)
	undoBatch.Put(undoKey(height), dj)

	tip := gabriel.ChainTip{Height: height, Hash: hash, PrevHash: prevHash}
	tj, err := json.Marshal(tip)
	if err != nil {
		return fmt.Errorf("marshal tip: %w", err)
	}
	metaBatch := new(leveldb.Batch)
	metaBatch.Put([]byte(tipKey), tj)

	if err := utxoTx.Write(utxoBatch, nil); err != nil {
		return fmt.Errorf("utxo write: %w", err)
	}
	if err := undoTx.Write(undoBatch, nil); err != nil {
		return fmt.Errorf("undo write: %w", err)
	}
	if err := metaTx.Write(metaBatch, nil); err != nil {
		return fmt.Errorf("meta write: %w", err)
	}

	if err := utxoTx.Commit(); err != nil {
		return fmt.Errorf("utxo commit: %w", err)
	}
	utxoDiscard = false

	if err := undoTx.Commit(); err != nil {
		return fmt.Errorf("undo commit: %w", err)
	}
	undoDiscard = false

	if err := metaTx.Commit(); err != nil {
		return fmt.Errorf("meta commit: %w", err)
	}
	metaDiscard = false

	if err := s.applyCounters(delta, 1); err != nil {
		return err
	}
	s.tip = tip
	s.hasTip = true

	return nil
}

// RewindTo reverses every committed block above targetHeight, in
// descending height order, using the undo log written by ApplyDelta. It
// is the Reorg Controller's primitive for walking the index back to a
// common ancestor before reapplying the new best chain.
func (s *Store) RewindTo(targetHeight uint32) error {
	log.Tracef("RewindTo")
	defer log.Tracef("RewindTo exit")

	s.mtx.Lock()
	defer s.mtx.Unlock()

	tip, ok := s.tip, s.hasTip
	if !ok || tip.Height <= targetHeight {
		return nil
	}

	for h := tip.Height; h > targetHeight; h-- {
		key := undoKey(h)
		v, err := s.undoDB.Get(key, nil)
		if err != nil {
			if err == leveldb.ErrNotFound {
				return database.NotFoundError(fmt.Sprintf("undo record not found: height %d", h))
			}
			return fmt.Errorf("undo get: %w", err)
		}
		var undo undoRecord
		if err := json.Unmarshal(v, &undo); err != nil {
			return fmt.Errorf("unmarshal undo record: %w", err)
		}

		utxoBatch := new(leveldb.Batch)
		// Reverse the block: what it inserted is removed, what it
		// spent is restored to its exact pre-image.
		for _, u := range undo.Inserted {
			utxoBatch.Delete(outpointKey(u.Outpoint))
		}
		for _, u := range undo.Spent {
			uj, err := json.Marshal(u)
			if err != nil {
				return fmt.Errorf("marshal restored utxo: %w", err)
			}
			utxoBatch.Put(outpointKey(u.Outpoint), uj)
		}

		if err := s.utxoDB.Write(utxoBatch, nil); err != nil {
			return fmt.Errorf("utxo rewind write: %w", err)
		}
		if err := s.undoDB.Delete(key, nil); err != nil {
			return fmt.Errorf("undo delete: %w", err)
		}

		_ = s.applyCounters(gabriel.Delta{Inserts: undo.Inserted}, -1) // subtraction never overflows
		if err := s.applyCounters(gabriel.Delta{Inserts: undo.Spent}, 1); err != nil {
			return err
		}
	}

	newHash, err := s.hashAtHeightLocked(targetHeight)
	if err != nil {
		return fmt.Errorf("rewind: resolve hash at target height: %w", err)
	}
	var newPrevHash [32]byte
	if targetHeight > 0 {
		newPrevHash, err = s.hashAtHeightLocked(targetHeight - 1)
		if err != nil {
			return fmt.Errorf("rewind: resolve prev hash: %w", err)
		}
	}

	newTip := gabriel.ChainTip{Height: targetHeight, Hash: newHash, PrevHash: newPrevHash}
	tj, err := json.Marshal(newTip)
	if err != nil {
		return fmt.Errorf("marshal rewound tip: %w", err)
	}
	if err := s.metaDB.Put([]byte(tipKey), tj, nil); err != nil {
		return fmt.Errorf("persist rewound tip: %w", err)
	}
	s.tip = newTip
	s.hasTip = true

	return nil
}

// HashAtHeight returns the hash committed at height, as recorded in the
// undo log, for the Reorg Controller's ancestor walk.
func (s *Store) HashAtHeight(height uint32) ([32]byte, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.hashAtHeightLocked(height)
}

func (s *Store) hashAtHeightLocked(height uint32) ([32]byte, error) {
	v, err := s.undoDB.Get(undoKey(height), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return [32]byte{}, database.NotFoundError(fmt.Sprintf("no hash recorded at height %d", height))
		}
		return [32]byte{}, fmt.Errorf("hash at height: %w", err)
	}
	var undo undoRecord
	if err := json.Unmarshal(v, &undo); err != nil {
		return [32]byte{}, fmt.Errorf("unmarshal undo record: %w", err)
	}
	return undo.Hash, nil
}

// applyCounters folds a block's delta into the in-memory counters. sign
// is +1 when applying a block forward and -1 when undoing one. Bitcoin's
// 21-million-BTC cap keeps total_sats well under 2^64, but a wraparound
// is still checked for and reported rather than silently corrupting the
// running total.
func (s *Store) applyCounters(delta gabriel.Delta, sign int) error {
	for _, u := range delta.Inserts {
		c, ok := s.counters[u.ScriptKind]
		if !ok {
			continue
		}
		if sign > 0 {
			newSats := c.sats + u.ValueSats
			if newSats < c.sats {
				return fmt.Errorf("counter overflow: kind %v sats %d + %d", u.ScriptKind, c.sats, u.ValueSats)
			}
			c.count++
			c.sats = newSats
		} else {
			if c.count > 0 {
				c.count--
			}
			if c.sats >= u.ValueSats {
				c.sats -= u.ValueSats
			} else {
				c.sats = 0
			}
		}
	}
	return nil
}

// Get returns one tracked UTXO by outpoint, or database.NotFoundError.
func (s *Store) Get(o gabriel.Outpoint) (gabriel.TrackedUtxo, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	v, err := s.utxoDB.Get(outpointKey(o), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return gabriel.TrackedUtxo{}, database.NotFoundError(fmt.Sprintf("utxo not found: %s", o))
		}
		return gabriel.TrackedUtxo{}, err
	}
	var u gabriel.TrackedUtxo
	if err := json.Unmarshal(v, &u); err != nil {
		return gabriel.TrackedUtxo{}, fmt.Errorf("unmarshal utxo: %w", err)
	}
	return u, nil
}

// ForEach walks every tracked UTXO in key order. fn returning an error
// stops the walk and is returned to the caller unwrapped.
func (s *Store) ForEach(fn func(gabriel.TrackedUtxo) error) error {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	it := s.utxoDB.NewIterator(util.BytesPrefix(nil), nil)
	defer it.Release()
	for it.Next() {
		var u gabriel.TrackedUtxo
		if err := json.Unmarshal(it.Value(), &u); err != nil {
			return fmt.Errorf("unmarshal utxo: %w", err)
		}
		if err := fn(u); err != nil {
			return err
		}
	}
	return it.Error()
}

// VerifyCounters recomputes the per-kind (count, total sats) totals by
// walking the utxo table with ForEach and compares them against the
// in-memory counters rebuilt at Open. A mismatch means the counters
// drifted from the table they're supposed to summarize, which
// rebuildCounters alone can't catch since it's the only other reader
// of this data.
func (s *Store) VerifyCounters() error {
	want := make(map[gabriel.ScriptKind]*kindCounter, len(gabriel.TrackedKinds))
	for _, k := range gabriel.TrackedKinds {
		want[k] = &kindCounter{}
	}
	if err := s.ForEach(func(u gabriel.TrackedUtxo) error {
		c, ok := want[u.ScriptKind]
		if !ok {
			return nil
		}
		c.count++
		c.sats += u.ValueSats
		return nil
	}); err != nil {
		return fmt.Errorf("verify counters: walk utxo table: %w", err)
	}

	s.mtx.RLock()
	defer s.mtx.RUnlock()
	for k, c := range want {
		got, ok := s.counters[k]
		if !ok || got.count != c.count || got.sats != c.sats {
			return fmt.Errorf("verify counters: kind %v want count=%d sats=%d, have count=%d sats=%d",
				k, c.count, c.sats, got.count, got.sats)
		}
	}
	return nil
}
