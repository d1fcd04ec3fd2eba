// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bityogi/bcoin/wirex"
)

const (
	// cmpctBlockTimeout is how long a partially reconstructed compact
	// block waits for its blocktxn before the slot is evicted.
	cmpctBlockTimeout = 10 * time.Second

	// maxShortIDAttempts bounds the number of nonces tried while
	// constructing a compact block whose short ids collide.
	maxShortIDAttempts = 16
)

// cmpctBlockSlot is a partially reconstructed compact block awaiting the
// transactions a getblocktxn request asked for.
type cmpctBlockSlot struct {
	header wire.BlockHeader
	txs    []*wire.MsgTx // nil entries are still missing
	timer  *time.Timer
}

// CompactEnabled returns whether the remote peer negotiated compact
// block relay via sendcmpct.
//
// This function is safe for concurrent access.
func (p *Peer) CompactEnabled() bool {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.compactEnabled
}

// CompactHighBandwidth returns whether the remote peer asked for high
// bandwidth compact block announcements.
//
// This function is safe for concurrent access.
func (p *Peer) CompactHighBandwidth() bool {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.compactHighBandwidth
}

// handleSendCmpctMsg is invoked when a peer receives a sendcmpct
// message.  Only version 1 (txid based short ids, mode 0 or 1) is
// understood; other versions are ignored.
func (p *Peer) handleSendCmpctMsg(msg *wirex.MsgSendCmpct) {
	if msg.Version != 1 {
		log.Debugf("Ignoring sendcmpct version %d from %s", msg.Version, p)
		return
	}

	p.flagsMtx.Lock()
	p.compactEnabled = true
	p.compactHighBandwidth = msg.Announce
	p.flagsMtx.Unlock()
}

// handleCmpctBlockMsg is invoked when a peer receives a cmpctblock
// message.  The block is filled from the mempool; transactions that
// remain missing are requested via getblocktxn with a bounded wait.  A
// fully reconstructed block is surfaced through the OnBlock listener.
func (p *Peer) handleCmpctBlockMsg(msg *wirex.MsgCmpctBlock) {
	if !p.cfg.Compact {
		log.Debugf("Ignoring cmpctblock from %s -- compact relay "+
			"not negotiated", p)
		return
	}
	if p.cfg.Mempool == nil {
		log.Debugf("Ignoring cmpctblock from %s -- no mempool to "+
			"fill from", p)
		return
	}

	blockHash := msg.BlockHash()

	p.cmpctMtx.Lock()
	_, exists := p.cmpctBlocks[blockHash]
	p.cmpctMtx.Unlock()
	if exists {
		log.Debugf("Ignoring duplicate cmpctblock %v from %s",
			blockHash, p)
		return
	}

	total := msg.TotalTxns()
	txs := make([]*wire.MsgTx, total)
	for _, ptx := range msg.PrefilledTxs {
		if int(ptx.Index) >= total {
			p.addBanScore(severeBanScore, 0,
				"cmpctblock prefilled index out of range")
			return
		}
		txs[ptx.Index] = ptx.Tx
	}

	// Map each short id to the block position it stands for.  A short
	// id collision within the message leaves both positions missing so
	// they are recovered via getblocktxn.
	idToPos := make(map[uint64]int, len(msg.ShortIDs))
	sidIndex := 0
	for pos := 0; pos < total && sidIndex < len(msg.ShortIDs); pos++ {
		if txs[pos] != nil {
			continue
		}
		id := msg.ShortIDs[sidIndex]
		sidIndex++
		if _, ok := idToPos[id]; ok {
			delete(idToPos, id)
			continue
		}
		idToPos[id] = pos
	}

	// Fill from the mempool.
	key := wirex.ShortIDKey(&msg.Header, msg.Nonce)
	for _, tx := range p.cfg.Mempool.Snapshot() {
		pos, ok := idToPos[wirex.ShortID(tx.Hash(), &key)]
		if !ok || txs[pos] != nil {
			continue
		}
		txs[pos] = tx.MsgTx()
	}

	missing := make([]uint32, 0)
	for pos, tx := range txs {
		if tx == nil {
			missing = append(missing, uint32(pos))
		}
	}
	if len(missing) == 0 {
		log.Debugf("Filled compact block %v from the mempool", blockHash)
		p.emitReconstructedBlock(&msg.Header, txs)
		return
	}

	// Park the partial block and request what the mempool could not
	// provide.  The slot is evicted if the blocktxn never arrives.
	slot := &cmpctBlockSlot{
		header: msg.Header,
		txs:    txs,
	}
	slot.timer = time.AfterFunc(cmpctBlockTimeout, func() {
		p.cmpctMtx.Lock()
		if p.cmpctBlocks[blockHash] == slot {
			delete(p.cmpctBlocks, blockHash)
		}
		p.cmpctMtx.Unlock()
		log.Debugf("Timed out waiting for blocktxn %v from %s",
			blockHash, p)
	})
	p.cmpctMtx.Lock()
	p.cmpctBlocks[blockHash] = slot
	p.cmpctMtx.Unlock()

	log.Debugf("Requesting %d missing txs of compact block %v from %s",
		len(missing), blockHash, p)
	p.QueueMessage(wirex.NewMsgGetBlockTxn(&blockHash, missing), nil)
}

// handleBlockTxnMsg is invoked when a peer receives a blocktxn message.
// The carried transactions complete the matching partial compact block;
// a response that still leaves gaps is a protocol violation.
func (p *Peer) handleBlockTxnMsg(msg *wirex.MsgBlockTxn) {
	p.cmpctMtx.Lock()
	slot, ok := p.cmpctBlocks[msg.BlockHash]
	if ok {
		delete(p.cmpctBlocks, msg.BlockHash)
	}
	p.cmpctMtx.Unlock()
	if !ok {
		log.Debugf("Ignoring unsolicited blocktxn %v from %s",
			msg.BlockHash, p)
		return
	}
	slot.timer.Stop()

	// Place the carried transactions into the missing positions in
	// order.
	next := 0
	for pos := range slot.txs {
		if slot.txs[pos] != nil {
			continue
		}
		if next >= len(msg.Transactions) {
			p.addBanScore(severeBanScore, 0, "short blocktxn response")
			return
		}
		slot.txs[pos] = msg.Transactions[next]
		next++
	}
	if next != len(msg.Transactions) {
		p.addBanScore(severeBanScore, 0, "excess txs in blocktxn response")
		return
	}

	log.Debugf("Completed compact block %v with %d txs from %s",
		msg.BlockHash, next, p)
	p.emitReconstructedBlock(&slot.header, slot.txs)
}

// emitReconstructedBlock assembles a full block message from the header
// and ordered transactions of a reconstructed compact block and
// surfaces it through the OnBlock listener.
func (p *Peer) emitReconstructedBlock(header *wire.BlockHeader, txs []*wire.MsgTx) {
	msgBlock := &wire.MsgBlock{Header: *header}
	for _, tx := range txs {
		msgBlock.AddTransaction(tx)
	}

	p.AddKnownInventory(blockHash(msgBlock))
	if p.cfg.Listeners.OnBlock != nil {
		p.cfg.Listeners.OnBlock(p, msgBlock, nil)
	}
}

// clearCmpctSlots evicts every partial compact block, stopping their
// timers.  It is called on disconnect.
func (p *Peer) clearCmpctSlots() {
	p.cmpctMtx.Lock()
	for hash, slot := range p.cmpctBlocks {
		slot.timer.Stop()
		delete(p.cmpctBlocks, hash)
	}
	p.cmpctMtx.Unlock()
}

// buildCmpctBlock converts a block into its compact form with the
// coinbase prefilled.  A fresh short id nonce is chosen when the block's
// own transactions collide under the current one; construction fails
// after too many attempts rather than looping forever.
func buildCmpctBlock(block *btcutil.Block) (*wirex.MsgCmpctBlock, error) {
	header := block.MsgBlock().Header
	txs := block.Transactions()
	if len(txs) == 0 {
		return nil, errors.New("block carries no transactions")
	}

	for attempt := 0; attempt < maxShortIDAttempts; attempt++ {
		nonce, err := wire.RandomUint64()
		if err != nil {
			return nil, err
		}

		key := wirex.ShortIDKey(&header, nonce)
		ids := make([]uint64, 0, len(txs)-1)
		seen := make(map[uint64]struct{}, len(txs))
		collision := false
		for _, tx := range txs[1:] {
			id := wirex.ShortID(tx.Hash(), &key)
			if _, ok := seen[id]; ok {
				collision = true
				break
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if collision {
			continue
		}

		msg := wirex.NewMsgCmpctBlock(&header)
		msg.Nonce = nonce
		msg.ShortIDs = ids
		msg.PrefilledTxs = []*wirex.PrefilledTx{{
			Index: 0,
			Tx:    txs[0].MsgTx(),
		}}
		return msg, nil
	}

	return nil, errors.New("too many short id collisions")
}

// handleMerkleBlockMsg is invoked when a peer receives a merkleblock
// bitcoin message.  The partial merkle tree is verified against the
// header and the matched transactions are collected from the tx
// messages that follow; any other message flushes the collection.
func (p *Peer) handleMerkleBlockMsg(msg *wire.MsgMerkleBlock) {
	if !p.cfg.SPV {
		log.Debugf("Ignoring merkleblock from %s -- not in SPV mode", p)
		return
	}

	matches, err := wirex.ExtractMatches(msg)
	if err != nil {
		log.Debugf("Invalid merkleblock from %s: %v", p, err)
		blockHash := msg.Header.BlockHash()
		p.PushRejectMsg(wire.CmdMerkleBlock, wire.RejectInvalid,
			"bad merkleblock", &blockHash, false)
		p.addBanScore(severeBanScore, 0, "invalid merkleblock")
		return
	}

	// The read handler flushed any previous collection before this
	// message was dispatched.
	p.merkleBlock = msg
	p.merkleTxs = nil
	p.merkleWant = make(map[chainhash.Hash]struct{}, len(matches))
	for _, hash := range matches {
		p.merkleWant[*hash] = struct{}{}
	}
	p.merkleWaiting = len(matches)

	if p.merkleWaiting == 0 {
		p.flushMerkleSlot()
	}
}

// collectMerkleTx offers a transaction to the in-flight merkleblock
// collection.  It returns whether the transaction was claimed by it.
func (p *Peer) collectMerkleTx(tx *btcutil.Tx) bool {
	if p.merkleBlock == nil {
		return false
	}
	if _, ok := p.merkleWant[*tx.Hash()]; !ok {
		return false
	}

	delete(p.merkleWant, *tx.Hash())
	p.merkleTxs = append(p.merkleTxs, tx)
	p.merkleWaiting--

	if p.merkleWaiting == 0 {
		p.flushMerkleSlot()
	}
	return true
}

// flushMerkleSlot emits the in-flight merkleblock upward along with the
// matched transactions that arrived, and clears the slot.  A merkleblock
// is emitted exactly once, either here after all of its transactions
// arrived or when a non-transaction message ends the collection early.
func (p *Peer) flushMerkleSlot() {
	if p.merkleBlock == nil {
		return
	}

	msg := p.merkleBlock
	txs := p.merkleTxs
	p.merkleBlock = nil
	p.merkleTxs = nil
	p.merkleWant = nil
	p.merkleWaiting = 0

	hash := msg.Header.BlockHash()
	p.AddKnownInventory(&hash)
	if p.cfg.Listeners.OnMerkleBlock != nil {
		p.cfg.Listeners.OnMerkleBlock(p, msg, txs)
	}
}
