// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// AnnounceTransaction announces the passed transaction to the peer after
// applying the per-peer relay policy: the remote bloom filter, the relay
// flag, the remote fee filter and the known inventory cache all get a
// veto.  Surviving announcements are trickled through the inventory
// queue.
//
// This function is safe for concurrent access.
func (p *Peer) AnnounceTransaction(tx *btcutil.Tx) {
	// Respect a loaded bloom filter.
	if filter := p.filter.Load(); filter != nil {
		if !filter.MatchTxAndUpdate(tx) {
			return
		}
	}

	// Respect the relay flag of the version handshake.
	if !p.RelayTxes() {
		return
	}

	// Respect the advertised minimum fee rate when the mempool knows
	// the transaction.
	if feeFilter := p.FeeFilter(); feeFilter > 0 && p.cfg.Mempool != nil {
		if rate, ok := p.cfg.Mempool.FeeRate(tx.Hash()); ok &&
			rate < feeFilter {

			return
		}
	}

	if p.knownInventory.Contains(*tx.Hash()) {
		return
	}

	invType := wire.InvTypeTx
	if p.IsWitnessEnabled() {
		invType = wire.InvTypeWitnessTx
	}
	p.QueueInventory(wire.NewInvVect(invType, tx.Hash()))
}

// AnnounceBlock announces the passed block header to the peer.  Peers
// that asked for header announcements via sendheaders receive a headers
// message; everyone else gets a block inventory vector.  Either way a
// hash announced once is never announced again on the same peer.
//
// This function is safe for concurrent access.
func (p *Peer) AnnounceBlock(header *wire.BlockHeader) {
	hash := header.BlockHash()
	if p.knownInventory.Contains(hash) {
		return
	}

	if p.WantsHeaders() {
		p.PushHeadersMsg([]*wire.BlockHeader{header})
		return
	}

	p.QueueInventory(wire.NewInvVect(wire.InvTypeBlock, &hash))
}

// PushHeadersMsg sends the passed block headers to the peer, chunked to
// the maximum number of headers per message and deduplicated against the
// known inventory cache.
//
// This function is safe for concurrent access.
func (p *Peer) PushHeadersMsg(headers []*wire.BlockHeader) {
	msg := &wire.MsgHeaders{}
	for _, header := range headers {
		hash := header.BlockHash()
		if p.knownInventory.Contains(hash) {
			continue
		}
		p.AddKnownInventory(&hash)

		msg.AddBlockHeader(header)
		if len(msg.Headers) >= wire.MaxBlockHeadersPerMsg {
			p.QueueMessage(msg, nil)
			msg = &wire.MsgHeaders{}
		}
	}
	if len(msg.Headers) > 0 {
		p.QueueMessage(msg, nil)
	}
}

// pushInvMsg sends the passed inventory immediately, bypassing the
// trickle queue, chunked to the maximum number of entries per message.
// Every pushed hash is added to the known inventory cache.  This is used
// by the serve-side handlers whose responses must not be delayed.
func (p *Peer) pushInvMsg(invVects []*wire.InvVect) {
	invMsg := wire.NewMsgInvSizeHint(uint(len(invVects)))
	for _, iv := range invVects {
		p.AddKnownInventory(&iv.Hash)

		invMsg.AddInvVect(iv)
		if len(invMsg.InvList) >= wire.MaxInvPerMsg {
			p.QueueMessage(invMsg, nil)
			invMsg = wire.NewMsgInvSizeHint(uint(len(invVects)))
		}
	}
	if len(invMsg.InvList) > 0 {
		p.QueueMessage(invMsg, nil)
	}
}

// continueInv emits the follow-up inventory for a getblocks sweep that
// was truncated at the per-message limit: once the peer requests the
// recorded continue hash, a single inv with the current chain tip
// prompts it to issue the next getblocks.  The serve mutex must be held.
func (p *Peer) continueInv(requested *chainhash.Hash) {
	if p.hashContinue == nil || !p.hashContinue.IsEqual(requested) {
		return
	}

	best := p.cfg.Chain.BestHash()
	invMsg := wire.NewMsgInvSizeHint(1)
	invMsg.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, best))
	p.QueueMessage(invMsg, nil)
	p.hashContinue = nil
}
