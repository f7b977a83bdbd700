package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SurmountSystems/gabriel-v3/internal/aggregates"
	"github.com/SurmountSystems/gabriel-v3/internal/bus"
	"github.com/SurmountSystems/gabriel-v3/internal/gabriel"
)

func testServer(t *testing.T) (*Server, *aggregates.Store) {
	t.Helper()
	dir := t.TempDir()
	as, err := aggregates.Open(dir + "/aggregates.db")
	if err != nil {
		t.Fatalf("aggregates.Open: %v", err)
	}
	t.Cleanup(func() { as.Close() })

	b := bus.New(16)
	s := New(as, b, "127.0.0.1:0")
	return s, as
}

func seedBlock(t *testing.T, as *aggregates.Store, height uint32, hash byte, utxos, sats uint64) [32]byte {
	t.Helper()
	var blockHash [32]byte
	blockHash[0] = hash
	rows := []gabriel.AggregateRow{
		{BlockHeight: height, BlockHash: blockHash, Date: time.Unix(1231006505, 0), ScriptKind: gabriel.P2PK, TotalUtxos: utxos, TotalSats: sats},
		{BlockHeight: height, BlockHash: blockHash, Date: time.Unix(1231006505, 0), ScriptKind: gabriel.P2TR, TotalUtxos: 0, TotalSats: 0},
	}
	if err := as.AppendRows(rows, gabriel.ChainTip{Height: height, Hash: blockHash}); err != nil {
		t.Fatalf("AppendRows: %v", err)
	}
	return blockHash
}

func TestHandleLatest_DefaultsToP2PK(t *testing.T) {
	s, as := testServer(t)
	seedBlock(t, as, 0, 0xAA, 1, 5000000000)

	req := httptest.NewRequest(http.MethodGet, "/api/blocks/latest", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got []aggregateRowJSON
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].AddressType != "P2PK" {
		t.Fatalf("got %+v, want exactly one P2PK row", got)
	}
}

func TestHandleLatest_RejectsBadAddressType(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/blocks/latest?address_type=bogus", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleByHeight_NotFound(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/block/height/42", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleByHeight_Found(t *testing.T) {
	s, as := testServer(t)
	seedBlock(t, as, 7, 0xBB, 3, 900)

	req := httptest.NewRequest(http.MethodGet, "/api/block/height/7", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got []aggregateRowJSON
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2 (one per tracked kind)", len(got))
	}
}

func TestHandleByDateRange_FiltersToWindow(t *testing.T) {
	s, as := testServer(t)
	seedBlock(t, as, 1, 0x01, 1, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/blocks/range?from=2009-01-03&to=2009-01-03", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got []aggregateRowJSON
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2 (one per tracked kind)", len(got))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/blocks/range?from=2030-01-01&to=2030-01-02", nil)
	w = httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	got = nil
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("rows = %d, want 0 outside window", len(got))
	}
}

func TestHandleByDateRange_RequiresBothBounds(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/blocks/range?from=2009-01-01", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleByHash_BadHex(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/block/hash/not-hex", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleByHash_Found(t *testing.T) {
	s, as := testServer(t)
	hash := seedBlock(t, as, 3, 0xCC, 2, 400)

	// The path param is display (big-endian) order; the store keys
	// rows by the internal order BlockEvent carries, so a correct
	// lookup has to reverse one or the other.
	display := gabriel.ReverseHash(hash)
	req := httptest.NewRequest(http.MethodGet, "/api/block/hash/"+hex.EncodeToString(display[:]), nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got []aggregateRowJSON
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2", len(got))
	}
}
