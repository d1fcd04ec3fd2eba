// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bityogi/bcoin/wirex"
)

// UtxoEntry describes an unspent transaction output as seen by the utxo
// serving code.  Height is the confirmation height of the containing
// transaction, or wirex.MempoolHeight for unconfirmed outputs.
type UtxoEntry struct {
	TxVersion uint32
	Height    uint32
	Coinbase  bool
	TxOut     wire.TxOut
}

// ChainSource is the interface the peer uses to read the block chain
// while serving remote requests and constructing sync requests.  All
// methods must be safe for concurrent access.
type ChainSource interface {
	// BestHeight returns the height of the current chain tip.
	BestHeight() int32

	// BestHash returns the hash of the current chain tip.
	BestHash() *chainhash.Hash

	// IsCurrent returns whether the chain believes it is fully synced
	// with the network.  Serve-side handlers refuse to serve stale
	// chains.
	IsCurrent() bool

	// IsPruned returns whether historical blocks have been pruned, in
	// which case block serving is disabled.
	IsPruned() bool

	// LatestLocator returns a block locator for the current chain tip.
	LatestLocator() blockchain.BlockLocator

	// LocatorFork returns the hash of the most recent block the chain
	// knows from the passed locator, or nil when none of the locator
	// entries are known.
	LocatorFork(locator blockchain.BlockLocator) *chainhash.Hash

	// NextHash returns the hash of the main chain block following the
	// passed one, or nil when the passed hash is the tip or is not on
	// the main chain.
	NextHash(hash *chainhash.Hash) *chainhash.Hash

	// HeightByHash returns the main chain height of the passed block
	// hash.
	HeightByHash(hash *chainhash.Hash) (int32, error)

	// HeaderByHash returns the header of the block with the passed
	// hash.
	HeaderByHash(hash *chainhash.Hash) (*wire.BlockHeader, error)

	// BlockByHash returns the block with the passed hash.
	BlockByHash(hash *chainhash.Hash) (*btcutil.Block, error)

	// FetchUtxoEntry returns the unspent output for the passed
	// outpoint, or nil when it does not exist or is spent.
	FetchUtxoEntry(op wire.OutPoint) (*UtxoEntry, error)
}

// MempoolSource is the interface the peer uses to read the transaction
// memory pool.  All methods must be safe for concurrent access.
type MempoolSource interface {
	// HaveTransaction returns whether the passed transaction is in the
	// pool.
	HaveTransaction(hash *chainhash.Hash) bool

	// FetchTransaction returns the requested transaction from the pool.
	FetchTransaction(hash *chainhash.Hash) (*btcutil.Tx, error)

	// FeeRate returns the fee rate of the pool entry for the passed
	// transaction in satoshi per kilobyte, and whether the entry
	// exists.
	FeeRate(hash *chainhash.Hash) (int64, bool)

	// UnspentOutput returns the passed outpoint when it is created by a
	// pool transaction and not spent by another one, or nil.
	UnspentOutput(op wire.OutPoint) *UtxoEntry

	// IsSpent returns whether the passed outpoint is spent by a pool
	// transaction.
	IsSpent(op wire.OutPoint) bool

	// Snapshot returns the transactions currently in the pool.
	Snapshot() []*btcutil.Tx
}

// EncryptionHandshake drives one BIP0151 encrypted transport session.
// The cryptographic internals live behind this interface; the peer only
// sequences the messages.  Implementations need not be safe for
// concurrent access since the peer drives the handshake from a single
// goroutine.
type EncryptionHandshake interface {
	// ToEncinit produces the encinit message opening the handshake.
	ToEncinit() (*wirex.MsgEncinit, error)

	// Encinit applies a remote encinit message.
	Encinit(pubKey [wirex.PubKeySize]byte, cipher uint8) error

	// ToEncack produces the encack message answering a remote encinit.
	ToEncack() (*wirex.MsgEncack, error)

	// Encack applies a remote encack message.  An all-zero key is a
	// rekey on an established session.
	Encack(pubKey [wirex.PubKeySize]byte) error

	// Complete finishes the handshake, with a nil error on success.
	// Completing an already complete handshake is a no-op.
	Complete(err error)

	// Completed returns whether the handshake has finished, regardless
	// of outcome.
	Completed() bool

	// Established returns whether the handshake finished successfully
	// and the channel is encrypted.
	Established() bool

	// Destroy releases handshake resources.  It is idempotent.
	Destroy()
}

// AuthHandshake drives one BIP0150 peer authentication session layered
// over an established BIP0151 channel.  Implementations need not be safe
// for concurrent access.
type AuthHandshake interface {
	// ToChallenge produces the authchallenge message for the expected
	// remote identity.
	ToChallenge() (*wirex.MsgAuthChallenge, error)

	// Challenge applies a remote challenge and produces the authreply
	// answering it.
	Challenge(hash [32]byte) (*wirex.MsgAuthReply, error)

	// Reply applies a remote authreply.
	Reply(sig [wirex.SignatureSize]byte) error

	// Propose applies a remote authpropose and produces the challenge
	// answering it, or nil when the proposed identity is unknown.
	Propose(hash [32]byte) (*wirex.MsgAuthChallenge, error)

	// Complete finishes the handshake, with a nil error on success.
	// Completing an already complete handshake is a no-op.
	Complete(err error)

	// Completed returns whether the handshake has finished, regardless
	// of outcome.
	Completed() bool

	// Authed returns whether the remote identity was proven.
	Authed() bool

	// Destroy releases handshake resources.  It is idempotent.
	Destroy()
}
