// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"errors"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bityogi/bcoin/wirex"
)

const (
	// maxCmpctBlockDepth is how deep below the chain tip a block may be
	// and still be served in compact form.  Deeper blocks are served in
	// full since the requester's mempool cannot be expected to
	// reconstruct them.
	maxCmpctBlockDepth = 10

	// maxBlockTxnDepth is how deep below the chain tip a block may be
	// and still have a getblocktxn request answered for it.
	maxBlockTxnDepth = 15
)

// errNotFound is the internal sentinel the push helpers return when the
// requested item cannot be served, which batches it into the trailing
// notfound message.
var errNotFound = errors.New("item not found")

// canServeChain returns whether the serve-side chain handlers are
// allowed to run at all: the chain must be present and synced and the
// peer must not be operating selfishly, as an SPV client, or on top of a
// pruned store.
func (p *Peer) canServeChain() bool {
	chain := p.cfg.Chain
	return chain != nil && chain.IsCurrent() && !p.cfg.Selfish &&
		!p.cfg.SPV && !chain.IsPruned()
}

// handleGetHeadersMsg is invoked when a peer receives a getheaders
// bitcoin message.
func (p *Peer) handleGetHeadersMsg(msg *wire.MsgGetHeaders) {
	if !p.serveMtx.TryLock() {
		log.Debugf("Dropping getheaders from %s -- already serving", p)
		return
	}
	defer p.serveMtx.Unlock()

	if !p.canServeChain() {
		return
	}
	chain := p.cfg.Chain

	headersMsg := &wire.MsgHeaders{}

	// There are no block locators so a specific header is being
	// requested as identified by the stop hash.
	if len(msg.BlockLocatorHashes) == 0 {
		header, err := chain.HeaderByHash(&msg.HashStop)
		if err != nil {
			// No header with the stop hash was found so there is
			// nothing to do.  This behavior mirrors the reference
			// implementation.
			return
		}
		headersMsg.AddBlockHeader(header)
		p.QueueMessage(headersMsg, nil)
		return
	}

	// Find the most recent known block from the block locator and walk
	// forward from the block after it.
	fork := chain.LocatorFork(blockchain.BlockLocator(msg.BlockLocatorHashes))
	if fork == nil {
		return
	}
	next := chain.NextHash(fork)
	for next != nil && len(headersMsg.Headers) < wire.MaxBlockHeadersPerMsg {
		header, err := chain.HeaderByHash(next)
		if err != nil {
			log.Warnf("Lookup of known block header %v failed: %v",
				next, err)
			break
		}
		headersMsg.AddBlockHeader(header)
		if next.IsEqual(&msg.HashStop) {
			break
		}
		next = chain.NextHash(next)
	}

	p.QueueMessage(headersMsg, nil)
}

// handleGetBlocksMsg is invoked when a peer receives a getblocks bitcoin
// message.  Sweeps longer than the per-message limit record a continue
// hash which, once requested via getdata, triggers one trailing
// inventory with the chain tip to keep the sweep going.
func (p *Peer) handleGetBlocksMsg(msg *wire.MsgGetBlocks) {
	if !p.serveMtx.TryLock() {
		log.Debugf("Dropping getblocks from %s -- already serving", p)
		return
	}
	defer p.serveMtx.Unlock()

	if !p.canServeChain() {
		return
	}
	chain := p.cfg.Chain

	// Find the most recent known block from the block locator and walk
	// forward from the block after it, emitting block inventory.
	fork := chain.LocatorFork(blockchain.BlockLocator(msg.BlockLocatorHashes))
	if fork == nil {
		return
	}

	invVects := make([]*wire.InvVect, 0, wire.MaxBlocksPerMsg)
	next := chain.NextHash(fork)
	for next != nil && len(invVects) < wire.MaxBlocksPerMsg {
		invVects = append(invVects, wire.NewInvVect(wire.InvTypeBlock, next))
		if next.IsEqual(&msg.HashStop) {
			break
		}
		next = chain.NextHash(next)
	}
	if len(invVects) == 0 {
		return
	}

	// When the sweep was truncated at the limit, record the final hash
	// so the matching getdata can prompt the peer to continue.
	if len(invVects) == wire.MaxBlocksPerMsg {
		continueHash := invVects[len(invVects)-1].Hash
		p.hashContinue = &continueHash
	}

	p.pushInvMsg(invVects)
}

// handleGetDataMsg is invoked when a peer receives a getdata bitcoin
// message and is used to deliver block and transaction information.
// Items that cannot be served are batched into a trailing notfound
// message.
func (p *Peer) handleGetDataMsg(msg *wire.MsgGetData) {
	// The request is refused outright, with no partial serving, when it
	// exceeds the protocol limit.
	if len(msg.InvList) > wire.MaxInvPerMsg {
		p.addBanScore(severeBanScore, 0, "oversized getdata")
		return
	}

	if !p.serveMtx.TryLock() {
		log.Debugf("Dropping getdata from %s -- already serving", p)
		return
	}
	defer p.serveMtx.Unlock()

	notFound := wire.NewMsgNotFound()
	for _, iv := range msg.InvList {
		var err error
		switch iv.Type {
		case wire.InvTypeTx, wire.InvTypeWitnessTx:
			err = p.pushTxMsg(iv)
		case wire.InvTypeBlock, wire.InvTypeWitnessBlock:
			err = p.pushBlockMsg(iv)
		case wire.InvTypeFilteredBlock, wire.InvTypeFilteredWitnessBlock:
			err = p.pushMerkleBlockMsg(iv)
		case wirex.InvTypeCmpctBlock:
			err = p.pushCmpctBlockMsg(iv)
		default:
			log.Warnf("Unknown type in inventory request %d from %s",
				iv.Type, p)
			err = errNotFound
		}
		if err != nil {
			notFound.AddInvVect(iv)
		}
	}
	if len(notFound.InvList) != 0 {
		p.QueueMessage(notFound, nil)
	}
}

// fetchBroadcast serves an item from the actively broadcast inventory
// when the pool provides one, short-circuiting the mempool and chain
// lookups.
func (p *Peer) fetchBroadcast(iv *wire.InvVect) bool {
	if p.cfg.FetchBroadcast == nil {
		return false
	}
	msg := p.cfg.FetchBroadcast(iv)
	if msg == nil {
		return false
	}

	p.AddKnownInventory(&iv.Hash)
	p.QueueMessageWithEncoding(msg, nil, p.dataEncoding(iv))
	return true
}

// dataEncoding returns the message encoding a data item requested via
// the passed inventory vector must be sent with.
func (p *Peer) dataEncoding(iv *wire.InvVect) wire.MessageEncoding {
	if iv.Type&wire.InvWitnessFlag != 0 {
		return wire.WitnessEncoding
	}
	return wire.BaseEncoding
}

// pushTxMsg sends a tx message for the provided transaction hash to the
// connected peer.  An error is returned if the transaction is unknown or
// blocked by policy.
func (p *Peer) pushTxMsg(iv *wire.InvVect) error {
	if p.fetchBroadcast(iv) {
		return nil
	}

	if p.cfg.Selfish || p.cfg.Mempool == nil {
		return errNotFound
	}

	tx, err := p.cfg.Mempool.FetchTransaction(&iv.Hash)
	if err != nil {
		log.Tracef("Unable to fetch requested tx %v: %v", iv.Hash, err)
		return errNotFound
	}

	// Never serve a coinbase on its own.
	if blockchain.IsCoinBase(tx) {
		log.Warnf("Peer %s requested a coinbase tx %v", p, iv.Hash)
		p.addBanScore(severeBanScore, 0, "requested coinbase tx")
		return errNotFound
	}

	// The framing checksum of a tx payload is the leading bytes of its
	// txid (or wtxid under witness encoding), both of which the tx
	// wrapper caches.
	enc := p.dataEncoding(iv)
	checksum := tx.Hash()[0:4]
	if enc == wire.WitnessEncoding {
		checksum = tx.WitnessHash()[0:4]
	}

	p.AddKnownInventory(&iv.Hash)
	p.queueMessage(outMsg{
		msg:      tx.MsgTx(),
		encoding: enc,
		checksum: checksum,
	})
	return nil
}

// fetchServableBlock looks up the block for the passed inventory vector,
// applying the policy gates that disable block serving.
func (p *Peer) fetchServableBlock(hash *chainhash.Hash) (*btcutil.Block, error) {
	chain := p.cfg.Chain
	if chain == nil || p.cfg.Selfish || p.cfg.SPV || chain.IsPruned() {
		return nil, errNotFound
	}

	block, err := chain.BlockByHash(hash)
	if err != nil {
		log.Tracef("Unable to fetch requested block %v: %v", hash, err)
		return nil, errNotFound
	}
	return block, nil
}

// pushBlockMsg sends a block message for the provided block hash to the
// connected peer.  An error is returned if the block hash is not known.
func (p *Peer) pushBlockMsg(iv *wire.InvVect) error {
	if p.fetchBroadcast(iv) {
		return nil
	}

	block, err := p.fetchServableBlock(&iv.Hash)
	if err != nil {
		return err
	}

	p.AddKnownInventory(&iv.Hash)
	p.QueueMessageWithEncoding(block.MsgBlock(), nil, p.dataEncoding(iv))

	// When the peer requests the final block that was advertised in
	// response to a getblocks message which requested more blocks than
	// would fit into a single message, send it a new inventory message
	// to trigger it to issue another getblocks message for the next
	// batch of inventory.
	p.continueInv(&iv.Hash)
	return nil
}

// pushMerkleBlockMsg sends a merkleblock message for the provided block
// hash to the connected peer, followed by the transactions matching the
// bloom filter the peer loaded.  Since a merkleblock requires a loaded
// filter, one is reported as not found without it.
func (p *Peer) pushMerkleBlockMsg(iv *wire.InvVect) error {
	filter := p.filter.Load()
	if filter == nil || !filter.IsLoaded() {
		log.Debugf("Peer %s requested a filtered block with no "+
			"filter loaded", p)
		return errNotFound
	}

	block, err := p.fetchServableBlock(&iv.Hash)
	if err != nil {
		return err
	}

	merkle, matchedIndices := bloom.NewMerkleBlock(block, filter)

	p.AddKnownInventory(&iv.Hash)
	p.QueueMessage(merkle, nil)

	// Send any matched transactions in the block as separate tx
	// messages following the merkleblock.
	enc := p.dataEncoding(iv)
	blkTransactions := block.MsgBlock().Transactions
	for _, txIndex := range matchedIndices {
		if txIndex < uint32(len(blkTransactions)) {
			p.QueueMessageWithEncoding(blkTransactions[txIndex],
				nil, enc)
		}
	}

	p.continueInv(&iv.Hash)
	return nil
}

// pushCmpctBlockMsg sends a cmpctblock message for the provided block
// hash to the connected peer.  Blocks too deep below the tip for the
// requester's mempool to reconstruct are sent in full instead.
func (p *Peer) pushCmpctBlockMsg(iv *wire.InvVect) error {
	chain := p.cfg.Chain
	block, err := p.fetchServableBlock(&iv.Hash)
	if err != nil {
		return err
	}

	height, err := chain.HeightByHash(&iv.Hash)
	if err != nil || chain.BestHeight()-height > maxCmpctBlockDepth {
		// Too deep to fill from a mempool; fall back to a full block.
		p.AddKnownInventory(&iv.Hash)
		p.QueueMessageWithEncoding(block.MsgBlock(), nil,
			p.dataEncoding(iv))
		p.continueInv(&iv.Hash)
		return nil
	}

	cmpct, err := buildCmpctBlock(block)
	if err != nil {
		log.Warnf("Unable to build compact block %v: %v", iv.Hash, err)
		p.AddKnownInventory(&iv.Hash)
		p.QueueMessageWithEncoding(block.MsgBlock(), nil,
			p.dataEncoding(iv))
		p.continueInv(&iv.Hash)
		return nil
	}

	p.AddKnownInventory(&iv.Hash)
	p.QueueMessage(cmpct, nil)
	p.continueInv(&iv.Hash)
	return nil
}

// handleGetUTXOsMsg is invoked when a peer receives a getutxos message.
// The mempool is consulted first for queries that asked for it, followed
// by the chain's utxo set.  Oversized queries are ignored without a
// response.
func (p *Peer) handleGetUTXOsMsg(msg *wirex.MsgGetUTXOs) {
	if len(msg.OutPoints) > wirex.MaxGetUTXOsOutPoints {
		log.Debugf("Ignoring oversized getutxos from %s", p)
		return
	}

	if !p.serveMtx.TryLock() {
		log.Debugf("Dropping getutxos from %s -- already serving", p)
		return
	}
	defer p.serveMtx.Unlock()

	chain := p.cfg.Chain
	if chain == nil || !chain.IsCurrent() || p.cfg.Selfish || p.cfg.SPV {
		return
	}

	reply := wirex.NewMsgUTXOs(uint32(chain.BestHeight()), chain.BestHash())
	reply.HitMap = make([]byte, (len(msg.OutPoints)+7)/8)
	for i := range msg.OutPoints {
		op := msg.OutPoints[i]

		var entry *UtxoEntry
		if msg.CheckMempool && p.cfg.Mempool != nil {
			if p.cfg.Mempool.IsSpent(op) {
				continue
			}
			entry = p.cfg.Mempool.UnspentOutput(op)
		}
		if entry == nil {
			chainEntry, err := chain.FetchUtxoEntry(op)
			if err != nil {
				log.Errorf("Utxo lookup failed for %v: %v", op, err)
				return
			}
			entry = chainEntry
		}
		if entry == nil {
			continue
		}

		reply.HitMap[i/8] |= 1 << uint(i%8)
		reply.UTXOs = append(reply.UTXOs, &wirex.UTXO{
			TxVersion: entry.TxVersion,
			Height:    entry.Height,
			TxOut:     entry.TxOut,
		})
	}

	p.QueueMessage(reply, nil)
}

// handleMemPoolMsg is invoked when a peer receives a mempool bitcoin
// message.  It serves a snapshot of the pool as inventory, reduced
// through the peer's bloom filter when one is loaded.
func (p *Peer) handleMemPoolMsg(msg *wire.MsgMemPool) {
	if !p.serveMtx.TryLock() {
		log.Debugf("Dropping mempool request from %s -- already serving", p)
		return
	}
	defer p.serveMtx.Unlock()

	mp := p.cfg.Mempool
	chain := p.cfg.Chain
	if mp == nil || chain == nil || !chain.IsCurrent() || p.cfg.Selfish {
		return
	}

	filter := p.filter.Load()
	txs := mp.Snapshot()
	invVects := make([]*wire.InvVect, 0, len(txs))
	for _, tx := range txs {
		// Another thread might have removed the transaction from the
		// pool by now, and the peer's filter gets a veto.
		if !mp.HaveTransaction(tx.Hash()) {
			continue
		}
		if filter != nil && !filter.MatchTxAndUpdate(tx) {
			continue
		}
		invVects = append(invVects, wire.NewInvVect(wire.InvTypeTx, tx.Hash()))
	}
	if len(invVects) == 0 {
		return
	}

	p.pushInvMsg(invVects)
}

// handleGetBlockTxnMsg is invoked when a peer receives a getblocktxn
// message.  Requests for unknown blocks are scored; requests for blocks
// too deep below the tip are silently dropped since the requester could
// not have a compact block outstanding for them.
func (p *Peer) handleGetBlockTxnMsg(msg *wirex.MsgGetBlockTxn) {
	if !p.serveMtx.TryLock() {
		log.Debugf("Dropping getblocktxn from %s -- already serving", p)
		return
	}
	defer p.serveMtx.Unlock()

	chain := p.cfg.Chain
	if chain == nil || p.cfg.Selfish || p.cfg.SPV || chain.IsPruned() {
		return
	}

	block, err := chain.BlockByHash(&msg.BlockHash)
	if err != nil {
		p.addBanScore(severeBanScore, 0, "getblocktxn for unknown block")
		return
	}
	height, err := chain.HeightByHash(&msg.BlockHash)
	if err != nil {
		p.addBanScore(severeBanScore, 0, "getblocktxn for unknown block")
		return
	}
	if chain.BestHeight()-height > maxBlockTxnDepth {
		log.Debugf("Ignoring getblocktxn from %s for deep block %v",
			p, msg.BlockHash)
		return
	}

	resp := wirex.NewMsgBlockTxn(&msg.BlockHash)
	txs := block.Transactions()
	for _, index := range msg.Indexes {
		if index >= uint32(len(txs)) {
			p.addBanScore(severeBanScore, 0,
				"getblocktxn index out of range")
			return
		}
		resp.Transactions = append(resp.Transactions, txs[index].MsgTx())
	}

	enc := wire.BaseEncoding
	if p.IsWitnessEnabled() {
		enc = wire.WitnessEncoding
	}
	p.QueueMessageWithEncoding(resp, nil, enc)
}
