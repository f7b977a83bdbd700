package httpapi

import (
	"encoding/hex"
	"time"

	"github.com/SurmountSystems/gabriel-v3/internal/gabriel"
)

// aggregateRowJSON is the public JSON shape of an AggregateRow:
// block_hash renders big-endian (display order) hex.
type aggregateRowJSON struct {
	BlockHeight uint32 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	Date        string `json:"date"`
	TotalUtxos  uint64 `json:"total_utxos"`
	TotalSats   uint64 `json:"total_sats"`
	AddressType string `json:"address_type"`
}

func renderRow(r gabriel.AggregateRow) aggregateRowJSON {
	display := gabriel.ReverseHash(r.BlockHash)
	return aggregateRowJSON{
		BlockHeight: r.BlockHeight,
		BlockHash:   hex.EncodeToString(display[:]),
		Date:        r.Date.UTC().Format(time.RFC3339),
		TotalUtxos:  r.TotalUtxos,
		TotalSats:   r.TotalSats,
		AddressType: r.ScriptKind.String(),
	}
}

func renderRows(rows []gabriel.AggregateRow) []aggregateRowJSON {
	out := make([]aggregateRowJSON, len(rows))
	for i, r := range rows {
		out[i] = renderRow(r)
	}
	return out
}
