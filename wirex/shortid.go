// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wirex

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/aead/siphash"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ShortIDKey derives the SipHash key used for the short transaction ids
// of a compact block.  Per BIP0152 it is the first 16 bytes of the single
// SHA-256 of the serialized block header followed by the little-endian
// nonce.
func ShortIDKey(header *wire.BlockHeader, nonce uint64) [16]byte {
	var buf bytes.Buffer
	_ = header.Serialize(&buf)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	buf.Write(n[:])

	sum := sha256.Sum256(buf.Bytes())
	var key [16]byte
	copy(key[:], sum[0:16])
	return key
}

// ShortID computes the 48-bit short id of a transaction hash under the
// given key.
func ShortID(hash *chainhash.Hash, key *[16]byte) uint64 {
	return siphash.Sum64(hash[:], key) & 0xffffffffffff
}
