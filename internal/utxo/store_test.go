package utxo

import (
	"testing"

	"github.com/SurmountSystems/gabriel-v3/internal/gabriel"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeOutpoint(b byte, vout uint32) gabriel.Outpoint {
	var txid [32]byte
	txid[0] = b
	return gabriel.Outpoint{Txid: txid, Vout: vout}
}

func makeUtxo(b byte, vout uint32, sats uint64, kind gabriel.ScriptKind) gabriel.TrackedUtxo {
	return gabriel.TrackedUtxo{
		Outpoint:    makeOutpoint(b, vout),
		ValueSats:   sats,
		ScriptKind:  kind,
		PubkeyOrTag: []byte{b},
	}
}

func TestStore_ApplyDeltaThenGet(t *testing.T) {
	s := testStore(t)
	u := makeUtxo(0x01, 0, 5000, gabriel.P2PK)

	err := s.ApplyDelta(1, [32]byte{0xAA}, [32]byte{}, gabriel.Delta{
		Inserts: []gabriel.TrackedUtxo{u},
	})
	if err != nil {
		t.Fatalf("ApplyDelta() error: %v", err)
	}

	got, err := s.Get(u.Outpoint)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ValueSats != u.ValueSats {
		t.Errorf("ValueSats = %d, want %d", got.ValueSats, u.ValueSats)
	}
	if got.ScriptKind != u.ScriptKind {
		t.Errorf("ScriptKind = %v, want %v", got.ScriptKind, u.ScriptKind)
	}

	counts := s.Counts()
	if counts[gabriel.P2PK].TotalUtxos != 1 {
		t.Errorf("TotalUtxos = %d, want 1", counts[gabriel.P2PK].TotalUtxos)
	}
	if counts[gabriel.P2PK].TotalSats != 5000 {
		t.Errorf("TotalSats = %d, want 5000", counts[gabriel.P2PK].TotalSats)
	}

	tip, ok := s.Tip()
	if !ok {
		t.Fatal("Tip() ok = false, want true")
	}
	if tip.Height != 1 {
		t.Errorf("Tip height = %d, want 1", tip.Height)
	}
}

func TestStore_ApplyDeltaSpendRemovesUtxoAndCounter(t *testing.T) {
	s := testStore(t)
	u := makeUtxo(0x02, 0, 1000, gabriel.P2TR)

	if err := s.ApplyDelta(1, [32]byte{0x01}, [32]byte{}, gabriel.Delta{
		Inserts: []gabriel.TrackedUtxo{u},
	}); err != nil {
		t.Fatalf("ApplyDelta(insert) error: %v", err)
	}
	if err := s.ApplyDelta(2, [32]byte{0x02}, [32]byte{0x01}, gabriel.Delta{
		Deletes: []gabriel.Outpoint{u.Outpoint},
	}); err != nil {
		t.Fatalf("ApplyDelta(spend) error: %v", err)
	}

	if _, err := s.Get(u.Outpoint); err == nil {
		t.Fatal("Get() after spend: want error, got nil")
	}

	counts := s.Counts()
	if counts[gabriel.P2TR].TotalUtxos != 0 {
		t.Errorf("TotalUtxos = %d, want 0", counts[gabriel.P2TR].TotalUtxos)
	}
}

func TestStore_RewindToReversesInserts(t *testing.T) {
	s := testStore(t)
	u1 := makeUtxo(0x03, 0, 2000, gabriel.P2PK)
	u2 := makeUtxo(0x04, 0, 3000, gabriel.P2PK)

	if err := s.ApplyDelta(1, [32]byte{0x01}, [32]byte{}, gabriel.Delta{
		Inserts: []gabriel.TrackedUtxo{u1},
	}); err != nil {
		t.Fatalf("ApplyDelta(1) error: %v", err)
	}
	if err := s.ApplyDelta(2, [32]byte{0x02}, [32]byte{0x01}, gabriel.Delta{
		Inserts: []gabriel.TrackedUtxo{u2},
	}); err != nil {
		t.Fatalf("ApplyDelta(2) error: %v", err)
	}

	if err := s.RewindTo(1); err != nil {
		t.Fatalf("RewindTo(1) error: %v", err)
	}

	if _, err := s.Get(u2.Outpoint); err == nil {
		t.Fatal("u2 should have been rewound away")
	}
	if _, err := s.Get(u1.Outpoint); err != nil {
		t.Fatalf("u1 should still exist: %v", err)
	}

	counts := s.Counts()
	if counts[gabriel.P2PK].TotalUtxos != 1 {
		t.Errorf("TotalUtxos = %d, want 1", counts[gabriel.P2PK].TotalUtxos)
	}
	if counts[gabriel.P2PK].TotalSats != u1.ValueSats {
		t.Errorf("TotalSats = %d, want %d", counts[gabriel.P2PK].TotalSats, u1.ValueSats)
	}

	tip, ok := s.Tip()
	if !ok || tip.Height != 1 {
		t.Errorf("Tip() = %+v, %v; want height 1", tip, ok)
	}
}

func TestStore_ReopenRebuildsCountersAndTip(t *testing.T) {
	home := t.TempDir()
	s, err := Open(home)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	u := makeUtxo(0x05, 0, 750, gabriel.P2TR)
	if err := s.ApplyDelta(1, [32]byte{0x01}, [32]byte{}, gabriel.Delta{
		Inserts: []gabriel.TrackedUtxo{u},
	}); err != nil {
		t.Fatalf("ApplyDelta() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := Open(home)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	counts := reopened.Counts()
	if counts[gabriel.P2TR].TotalUtxos != 1 {
		t.Errorf("TotalUtxos after reopen = %d, want 1", counts[gabriel.P2TR].TotalUtxos)
	}
	tip, ok := reopened.Tip()
	if !ok || tip.Height != 1 {
		t.Errorf("Tip() after reopen = %+v, %v; want height 1", tip, ok)
	}
}

func TestStore_VerifyCountersAgreesWithTable(t *testing.T) {
	s := testStore(t)
	u1 := makeUtxo(0x01, 0, 1000, gabriel.P2PK)
	u2 := makeUtxo(0x02, 0, 2000, gabriel.P2TR)
	if err := s.ApplyDelta(1, [32]byte{0xAA}, [32]byte{}, gabriel.Delta{
		Inserts: []gabriel.TrackedUtxo{u1, u2},
	}); err != nil {
		t.Fatalf("ApplyDelta() error: %v", err)
	}

	if err := s.VerifyCounters(); err != nil {
		t.Fatalf("VerifyCounters() error: %v", err)
	}
}

func TestStore_VerifyCountersCatchesDrift(t *testing.T) {
	s := testStore(t)
	u := makeUtxo(0x01, 0, 1000, gabriel.P2PK)
	if err := s.ApplyDelta(1, [32]byte{0xAA}, [32]byte{}, gabriel.Delta{
		Inserts: []gabriel.TrackedUtxo{u},
	}); err != nil {
		t.Fatalf("ApplyDelta() error: %v", err)
	}

	s.counters[gabriel.P2PK].sats += 1 // simulate drift between counter and table

	if err := s.VerifyCounters(); err == nil {
		t.Fatal("VerifyCounters() error = nil, want mismatch error")
	}
}
