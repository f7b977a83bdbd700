// Package classify implements a pure, no-I/O script classifier: a
// byte-level match of a locking script against the patterns for
// pay-to-public-key and pay-to-taproot, first match wins, everything
// else is Other. Matching is done by manual prefix-byte/opcode and
// length checks rather than a full script interpreter.
package classify

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"

	"github.com/SurmountSystems/gabriel-v3/internal/gabriel"
)

const (
	compressedPubKeyLen   = 33
	uncompressedPubKeyLen = 65
	xOnlyPubKeyLen        = 32
)

// Script classifies one output locking script into a ScriptKind and, for
// P2PK and P2TR, extracts the key bytes the kind is keyed by. Classify
// never allocates cross-call state and never mutates its input: the same
// script byte string always yields the same result.
func Script(pkScript []byte) (gabriel.ScriptKind, []byte) {
	if kind, tag, ok := matchP2PK(pkScript); ok {
		return kind, tag
	}
	if kind, tag, ok := matchP2TR(pkScript); ok {
		return kind, tag
	}
	return gabriel.Other, nil
}

// matchP2PK matches "<PUSH 33|65> <PUBKEY> OP_CHECKSIG" strictly: the push
// length must be exactly 33 or 65 bytes and OP_CHECKSIG must be the very
// next and very last byte. The pushed bytes must also parse as a point on
// secp256k1: a byte string that merely has the right length but isn't a
// real public key is not quantum-exposed and must not be counted.
func matchP2PK(s []byte) (gabriel.ScriptKind, []byte, bool) {
	switch len(s) {
	case 1 + compressedPubKeyLen + 1:
		if s[0] != txscript.OP_DATA_33 || s[len(s)-1] != txscript.OP_CHECKSIG {
			return 0, nil, false
		}
	case 1 + uncompressedPubKeyLen + 1:
		if s[0] != txscript.OP_DATA_65 || s[len(s)-1] != txscript.OP_CHECKSIG {
			return 0, nil, false
		}
	default:
		return 0, nil, false
	}

	pubkey := s[1 : len(s)-1]
	if _, err := btcec.ParsePubKey(pubkey); err != nil {
		return 0, nil, false
	}

	tag := make([]byte, len(pubkey))
	copy(tag, pubkey)
	return gabriel.P2PK, tag, true
}

// matchP2TR matches "OP_1 <PUSH 32> <x-only-pubkey>" strictly: the key push
// must be exactly 32 bytes and there must be nothing else in the script.
func matchP2TR(s []byte) (gabriel.ScriptKind, []byte, bool) {
	if len(s) != 2+xOnlyPubKeyLen {
		return 0, nil, false
	}
	if s[0] != txscript.OP_1 || s[1] != txscript.OP_DATA_32 {
		return 0, nil, false
	}

	tag := make([]byte, xOnlyPubKeyLen)
	copy(tag, s[2:])
	return gabriel.P2TR, tag, true
}
