// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wirex

import (
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// testBlock builds a block with the passed number of transactions and a
// valid merkle root.
func testBlock(numTx int) *btcutil.Block {
	msgBlock := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version: 1,
			Bits:    0x1d00ffff,
		},
	}
	for i := 0; i < numTx; i++ {
		msgBlock.AddTransaction(testTx(uint32(i)))
	}

	block := btcutil.NewBlock(msgBlock)
	merkles := blockchain.BuildMerkleTreeStore(block.Transactions(), false)
	msgBlock.Header.MerkleRoot = *merkles[len(merkles)-1]
	return btcutil.NewBlock(msgBlock)
}

// TestExtractMatches builds merkleblocks against a filter and verifies
// the matched hashes are recovered in block order.
func TestExtractMatches(t *testing.T) {
	block := testBlock(5)
	txs := block.Transactions()

	filter := bloom.NewFilter(10, 0, 0.000001, wire.BloomUpdateNone)
	filter.Add(txs[1].Hash()[:])
	filter.Add(txs[4].Hash()[:])

	msg, _ := bloom.NewMerkleBlock(block, filter)

	matches, err := ExtractMatches(msg)
	if err != nil {
		t.Fatalf("ExtractMatches: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matched %d hashes, want 2", len(matches))
	}
	if !matches[0].IsEqual(txs[1].Hash()) || !matches[1].IsEqual(txs[4].Hash()) {
		t.Fatalf("unexpected matches %v", matches)
	}
}

// TestExtractMatchesNone ensures a merkleblock matching nothing yields
// no hashes but still verifies.
func TestExtractMatchesNone(t *testing.T) {
	block := testBlock(3)

	filter := bloom.NewFilter(10, 0, 0.000001, wire.BloomUpdateNone)
	msg, _ := bloom.NewMerkleBlock(block, filter)

	matches, err := ExtractMatches(msg)
	if err != nil {
		t.Fatalf("ExtractMatches: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("matched %d hashes, want 0", len(matches))
	}
}

// TestExtractMatchesTampered ensures a merkleblock whose hashes do not
// commit to the header is rejected.
func TestExtractMatchesTampered(t *testing.T) {
	block := testBlock(4)
	txs := block.Transactions()

	filter := bloom.NewFilter(10, 0, 0.000001, wire.BloomUpdateNone)
	filter.Add(txs[2].Hash()[:])
	msg, _ := bloom.NewMerkleBlock(block, filter)

	// Corrupt one of the carried hashes.
	bogus := chainhash.DoubleHashH([]byte("bogus"))
	msg.Hashes[0] = &bogus

	if _, err := ExtractMatches(msg); err == nil {
		t.Fatal("expected tampered merkleblock to be rejected")
	}

	// A zero transaction count is malformed outright.
	msg.Transactions = 0
	if _, err := ExtractMatches(msg); err == nil {
		t.Fatal("expected empty merkleblock to be rejected")
	}
}
