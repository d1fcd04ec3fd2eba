// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wirex

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// maxTxPerBlock is a sanity cap on the declared number of transactions in
// a merkleblock.  A transaction serializes to no less than 60 bytes.
const maxTxPerBlock = wire.MaxBlockPayload / 60

// merkleExtract houses intermediate state while walking the partial
// merkle tree of a merkleblock message depth-first, mirroring the
// traversal the sender used to build it.
type merkleExtract struct {
	numTx    uint32
	hashes   []*chainhash.Hash
	bits     []byte
	bitsUsed int
	hashUsed int
	matches  []*chainhash.Hash
	bad      bool
}

// calcTreeWidth calculates and returns the number of nodes (width) of a
// merkle tree at the given depth-first height.
func (m *merkleExtract) calcTreeWidth(height uint32) uint32 {
	return (m.numTx + (1 << height) - 1) >> height
}

// hashMerkleBranches concatenates the left and right children of a merkle
// node and returns their double SHA-256.
func hashMerkleBranches(left, right *chainhash.Hash) *chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])

	newHash := chainhash.DoubleHashH(buf[:])
	return &newHash
}

// traverse walks the partial tree rooted at the given height and node
// position, consuming flag bits and hashes, collecting matched leaf
// hashes, and returning the computed hash of the sub-tree.
func (m *merkleExtract) traverse(height, pos uint32) *chainhash.Hash {
	if m.bitsUsed >= len(m.bits) {
		m.bad = true
		return nil
	}
	parent := m.bits[m.bitsUsed]
	m.bitsUsed++

	if height == 0 || parent == 0x00 {
		// Leaf node or an unmatched sub-tree; the hash is carried
		// directly in the message.
		if m.hashUsed >= len(m.hashes) {
			m.bad = true
			return nil
		}
		hash := m.hashes[m.hashUsed]
		m.hashUsed++
		if height == 0 && parent == 0x01 {
			m.matches = append(m.matches, hash)
		}
		return hash
	}

	left := m.traverse(height-1, pos*2)
	if m.bad {
		return nil
	}
	var right *chainhash.Hash
	if pos*2+1 < m.calcTreeWidth(height-1) {
		right = m.traverse(height-1, pos*2+1)
		if m.bad {
			return nil
		}
		if left.IsEqual(right) {
			// Duplicate hashes can be used to fake the tree.
			m.bad = true
			return nil
		}
	} else {
		right = left
	}
	return hashMerkleBranches(left, right)
}

// ExtractMatches verifies the partial merkle tree carried by the passed
// merkleblock message against its header and returns the matched
// transaction hashes in block order.  An error is returned when the tree
// is malformed or its computed root does not commit to the header.
func ExtractMatches(msg *wire.MsgMerkleBlock) ([]*chainhash.Hash, error) {
	if msg.Transactions == 0 {
		return nil, messageError("ExtractMatches",
			"merkleblock declares zero transactions")
	}
	if msg.Transactions > maxTxPerBlock {
		return nil, messageError("ExtractMatches",
			"merkleblock declares too many transactions")
	}
	if uint32(len(msg.Hashes)) > msg.Transactions {
		return nil, messageError("ExtractMatches",
			"merkleblock carries more hashes than transactions")
	}
	if len(msg.Flags)*8 < len(msg.Hashes) {
		return nil, messageError("ExtractMatches",
			"merkleblock carries fewer flag bits than hashes")
	}

	m := merkleExtract{
		numTx:  msg.Transactions,
		hashes: msg.Hashes,
		bits:   make([]byte, 0, len(msg.Flags)*8),
	}
	for _, flag := range msg.Flags {
		for i := uint8(0); i < 8; i++ {
			m.bits = append(m.bits, (flag>>i)&0x01)
		}
	}

	// Calculate the height of the tree and walk it.
	height := uint32(0)
	for m.calcTreeWidth(height) > 1 {
		height++
	}
	root := m.traverse(height, 0)
	if m.bad || root == nil {
		return nil, messageError("ExtractMatches",
			"merkleblock partial tree is malformed")
	}

	// Everything carried by the message must have been consumed, modulo
	// the padding bits of the final flag byte.
	if (m.bitsUsed+7)/8 != len(msg.Flags) {
		return nil, messageError("ExtractMatches",
			"merkleblock carries unused flag bits")
	}
	if m.hashUsed != len(msg.Hashes) {
		return nil, messageError("ExtractMatches",
			"merkleblock carries unused hashes")
	}

	if !root.IsEqual(&msg.Header.MerkleRoot) {
		return nil, messageError("ExtractMatches",
			"merkleblock root does not match the header")
	}

	return m.matches, nil
}
