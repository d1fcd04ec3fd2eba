// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bityogi/bcoin/peer"
)

var errBlockNotFound = errors.New("block not found")

// memChain is a genesis-only chain source.  It is enough for the peer to
// negotiate, sync and relay against a live node; everything the daemon
// learns is surfaced through the peer listeners rather than stored.
type memChain struct {
	params *chaincfg.Params
}

func newMemChain(params *chaincfg.Params) *memChain {
	return &memChain{params: params}
}

// BestHeight returns the height of the chain tip, which is always the
// genesis block.
func (c *memChain) BestHeight() int32 {
	return 0
}

// BestHash returns the hash of the chain tip.
func (c *memChain) BestHash() *chainhash.Hash {
	return c.params.GenesisHash
}

// IsCurrent reports the chain as never synced so the peer keeps asking
// for more blocks and refuses to serve stale data.
func (c *memChain) IsCurrent() bool {
	return false
}

// IsPruned reports whether historical blocks are unavailable.
func (c *memChain) IsPruned() bool {
	return false
}

// LatestLocator returns a block locator for the chain tip.
func (c *memChain) LatestLocator() blockchain.BlockLocator {
	return blockchain.BlockLocator{c.params.GenesisHash}
}

// LocatorFork resolves the passed locator against the chain.
func (c *memChain) LocatorFork(locator blockchain.BlockLocator) *chainhash.Hash {
	for _, hash := range locator {
		if hash.IsEqual(c.params.GenesisHash) {
			return c.params.GenesisHash
		}
	}
	return nil
}

// NextHash returns the hash following the passed one on the main chain.
func (c *memChain) NextHash(hash *chainhash.Hash) *chainhash.Hash {
	return nil
}

// HeightByHash returns the main chain height of the passed hash.
func (c *memChain) HeightByHash(hash *chainhash.Hash) (int32, error) {
	if hash.IsEqual(c.params.GenesisHash) {
		return 0, nil
	}
	return 0, errBlockNotFound
}

// HeaderByHash returns the header of the block with the passed hash.
func (c *memChain) HeaderByHash(hash *chainhash.Hash) (*wire.BlockHeader, error) {
	if hash.IsEqual(c.params.GenesisHash) {
		header := c.params.GenesisBlock.Header
		return &header, nil
	}
	return nil, errBlockNotFound
}

// BlockByHash returns the block with the passed hash.
func (c *memChain) BlockByHash(hash *chainhash.Hash) (*btcutil.Block, error) {
	if hash.IsEqual(c.params.GenesisHash) {
		return btcutil.NewBlock(c.params.GenesisBlock), nil
	}
	return nil, errBlockNotFound
}

// FetchUtxoEntry returns the unspent output for the passed outpoint.
func (c *memChain) FetchUtxoEntry(op wire.OutPoint) (*peer.UtxoEntry, error) {
	return nil, nil
}
