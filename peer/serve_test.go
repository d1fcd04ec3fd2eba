// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bityogi/bcoin/wirex"
)

// TestServeGetHeaders walks a locator forward and serves the headers in
// a single message.
func TestServeGetHeaders(t *testing.T) {
	chain := newFakeChain(10)
	cfg := testPeerConfig()
	cfg.Chain = chain
	p, remote := newTestPeer(t, cfg)
	msgs := collectMessages(remote)

	getHeaders := wire.NewMsgGetHeaders()
	getHeaders.AddBlockLocatorHash(&chain.hashes[4])
	p.handleGetHeadersMsg(getHeaders)

	msg := waitMsg(t, msgs, 3*time.Second)
	headers, ok := msg.(*wire.MsgHeaders)
	if !ok {
		t.Fatalf("expected headers, got %v", msg.Command())
	}
	// Blocks 5 through 10 follow the locator fork point.
	if len(headers.Headers) != 6 {
		t.Fatalf("served %d headers, want 6", len(headers.Headers))
	}
	if headers.Headers[0].Nonce != 5 {
		t.Fatalf("headers walk started at %d, want 5",
			headers.Headers[0].Nonce)
	}

	// With no locator, the single header at the stop hash is served.
	getHeaders = wire.NewMsgGetHeaders()
	getHeaders.HashStop = chain.hashes[3]
	p.handleGetHeadersMsg(getHeaders)

	msg = waitMsg(t, msgs, 3*time.Second)
	headers, ok = msg.(*wire.MsgHeaders)
	if !ok {
		t.Fatalf("expected headers, got %v", msg.Command())
	}
	if len(headers.Headers) != 1 || headers.Headers[0].Nonce != 3 {
		t.Fatalf("unexpected stop hash headers: %v", headers.Headers)
	}
}

// TestServeGetHeadersGates ensures headers are not served while the
// chain is syncing or the peer is selfish.
func TestServeGetHeadersGates(t *testing.T) {
	chain := newFakeChain(5)
	chain.current = false
	cfg := testPeerConfig()
	cfg.Chain = chain
	p, remote := newTestPeer(t, cfg)
	msgs := collectMessages(remote)

	getHeaders := wire.NewMsgGetHeaders()
	getHeaders.AddBlockLocatorHash(&chain.hashes[0])
	p.handleGetHeadersMsg(getHeaders)
	expectNoMsg(t, msgs, 100*time.Millisecond)

	chain.current = true
	p.cfg.Selfish = true
	p.handleGetHeadersMsg(getHeaders)
	expectNoMsg(t, msgs, 100*time.Millisecond)
}

// TestServeGetBlocksContinue walks a long chain, capping the sweep at
// the per-message limit, and continues it when the final block is
// requested.
func TestServeGetBlocksContinue(t *testing.T) {
	chain := newFakeChain(600)
	chain.addBlock(500, 0)
	cfg := testPeerConfig()
	cfg.Chain = chain
	p, remote := newTestPeer(t, cfg)
	msgs := collectMessages(remote)

	getBlocks := wire.NewMsgGetBlocks(&zeroHash)
	getBlocks.AddBlockLocatorHash(&chain.hashes[0])
	p.handleGetBlocksMsg(getBlocks)

	msg := waitMsg(t, msgs, 3*time.Second)
	inv, ok := msg.(*wire.MsgInv)
	if !ok {
		t.Fatalf("expected inv, got %v", msg.Command())
	}
	if len(inv.InvList) != wire.MaxBlocksPerMsg {
		t.Fatalf("served %d inv entries, want %d", len(inv.InvList),
			wire.MaxBlocksPerMsg)
	}
	last := inv.InvList[len(inv.InvList)-1].Hash
	if !last.IsEqual(&chain.hashes[500]) {
		t.Fatalf("sweep ended at %v, want %v", last, chain.hashes[500])
	}
	if p.hashContinue == nil || !p.hashContinue.IsEqual(&chain.hashes[500]) {
		t.Fatal("continue hash was not recorded")
	}

	// Requesting the recorded hash serves the block and a trailing inv
	// with the chain tip.
	getData := wire.NewMsgGetData()
	getData.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &chain.hashes[500]))
	p.handleGetDataMsg(getData)

	msg = waitMsg(t, msgs, 3*time.Second)
	if _, ok := msg.(*wire.MsgBlock); !ok {
		t.Fatalf("expected block, got %v", msg.Command())
	}
	msg = waitMsg(t, msgs, 3*time.Second)
	inv, ok = msg.(*wire.MsgInv)
	if !ok {
		t.Fatalf("expected trailing inv, got %v", msg.Command())
	}
	if len(inv.InvList) != 1 || !inv.InvList[0].Hash.IsEqual(chain.BestHash()) {
		t.Fatalf("unexpected trailing inv: %v", inv.InvList)
	}
	if p.hashContinue != nil {
		t.Fatal("continue hash was not cleared")
	}
}

// TestServeGetData serves a mempool transaction and reports unknown
// items in a trailing notfound.
func TestServeGetData(t *testing.T) {
	tx := testTx(123)
	mp := newFakeMempool(tx)
	chain := newFakeChain(3)
	cfg := testPeerConfig()
	cfg.Chain = chain
	cfg.Mempool = mp
	p, remote := newTestPeer(t, cfg)
	msgs := collectMessages(remote)

	txHash := tx.TxHash()
	unknown := chainhash.DoubleHashH([]byte("unknown"))
	getData := wire.NewMsgGetData()
	getData.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &txHash))
	getData.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &unknown))
	p.handleGetDataMsg(getData)

	msg := waitMsg(t, msgs, 3*time.Second)
	served, ok := msg.(*wire.MsgTx)
	if !ok {
		t.Fatalf("expected tx, got %v", msg.Command())
	}
	if served.TxHash() != txHash {
		t.Fatalf("served wrong tx %v", served.TxHash())
	}

	msg = waitMsg(t, msgs, 3*time.Second)
	notFound, ok := msg.(*wire.MsgNotFound)
	if !ok {
		t.Fatalf("expected notfound, got %v", msg.Command())
	}
	if len(notFound.InvList) != 1 || !notFound.InvList[0].Hash.IsEqual(&unknown) {
		t.Fatalf("unexpected notfound contents: %v", notFound.InvList)
	}
}

// TestServeGetDataCoinbase ensures a coinbase transaction request is
// refused and scored.
func TestServeGetDataCoinbase(t *testing.T) {
	coinbase := testCoinbaseTx()
	mp := newFakeMempool(coinbase)
	cfg := testPeerConfig()
	cfg.Chain = newFakeChain(3)
	cfg.Mempool = mp
	p, _ := newTestPeer(t, cfg)

	cbHash := coinbase.TxHash()
	getData := wire.NewMsgGetData()
	getData.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &cbHash))
	p.handleGetDataMsg(getData)

	if p.BanScore() < BanThreshold {
		t.Fatalf("coinbase request scored %d, want >= %d", p.BanScore(),
			BanThreshold)
	}
}

// TestServeCmpctDepth ensures compact block requests deep below the tip
// fall back to a full block.
func TestServeCmpctDepth(t *testing.T) {
	chain := newFakeChain(30)
	chain.addBlock(5, 2)  // depth 25: full block fallback
	chain.addBlock(25, 2) // depth 5: compact form
	cfg := testPeerConfig()
	cfg.Chain = chain
	p, remote := newTestPeer(t, cfg)
	msgs := collectMessages(remote)

	getData := wire.NewMsgGetData()
	getData.AddInvVect(wire.NewInvVect(wirex.InvTypeCmpctBlock, &chain.hashes[5]))
	p.handleGetDataMsg(getData)
	msg := waitMsg(t, msgs, 3*time.Second)
	if _, ok := msg.(*wire.MsgBlock); !ok {
		t.Fatalf("expected full block fallback, got %v", msg.Command())
	}

	getData = wire.NewMsgGetData()
	getData.AddInvVect(wire.NewInvVect(wirex.InvTypeCmpctBlock, &chain.hashes[25]))
	p.handleGetDataMsg(getData)
	msg = waitMsg(t, msgs, 3*time.Second)
	cmpct, ok := msg.(*wirex.MsgCmpctBlock)
	if !ok {
		t.Fatalf("expected cmpctblock, got %v", msg.Command())
	}
	if cmpct.TotalTxns() != 2 || len(cmpct.PrefilledTxs) != 1 {
		t.Fatalf("unexpected compact block shape: %d txs, %d prefilled",
			cmpct.TotalTxns(), len(cmpct.PrefilledTxs))
	}
}

// TestServeGetBlockTxn serves the requested block transactions, drops
// requests for deep blocks, and scores unknown blocks.
func TestServeGetBlockTxn(t *testing.T) {
	chain := newFakeChain(30)
	block := chain.addBlock(25, 3)
	chain.addBlock(5, 2)
	cfg := testPeerConfig()
	cfg.Chain = chain
	p, remote := newTestPeer(t, cfg)
	msgs := collectMessages(remote)

	p.handleGetBlockTxnMsg(wirex.NewMsgGetBlockTxn(&chain.hashes[25],
		[]uint32{1, 2}))
	msg := waitMsg(t, msgs, 3*time.Second)
	resp, ok := msg.(*wirex.MsgBlockTxn)
	if !ok {
		t.Fatalf("expected blocktxn, got %v", msg.Command())
	}
	if len(resp.Transactions) != 2 {
		t.Fatalf("served %d txs, want 2", len(resp.Transactions))
	}
	want := block.Transactions()[1].Hash()
	if got := resp.Transactions[0].TxHash(); got != *want {
		t.Fatalf("served wrong tx %v, want %v", got, want)
	}

	// Deep blocks are silently dropped.
	p.handleGetBlockTxnMsg(wirex.NewMsgGetBlockTxn(&chain.hashes[5],
		[]uint32{0}))
	expectNoMsg(t, msgs, 100*time.Millisecond)
	if p.BanScore() != 0 {
		t.Fatalf("deep getblocktxn scored %d", p.BanScore())
	}

	// Unknown blocks are a violation.
	unknown := chainhash.DoubleHashH([]byte("nope"))
	p.handleGetBlockTxnMsg(wirex.NewMsgGetBlockTxn(&unknown, []uint32{0}))
	if p.BanScore() < BanThreshold {
		t.Fatalf("unknown getblocktxn scored %d", p.BanScore())
	}
}

// TestServeGetUTXOs serves hits from the chain and the mempool with a
// correct hit bitmap.
func TestServeGetUTXOs(t *testing.T) {
	chain := newFakeChain(8)
	mp := newFakeMempool()
	cfg := testPeerConfig()
	cfg.Chain = chain
	cfg.Mempool = mp
	p, remote := newTestPeer(t, cfg)
	msgs := collectMessages(remote)

	chainOp := wire.OutPoint{Hash: chainhash.DoubleHashH([]byte("a")), Index: 0}
	memOp := wire.OutPoint{Hash: chainhash.DoubleHashH([]byte("b")), Index: 1}
	missOp := wire.OutPoint{Hash: chainhash.DoubleHashH([]byte("c")), Index: 2}

	chain.utxos[chainOp] = &UtxoEntry{
		TxVersion: 1,
		Height:    3,
		TxOut:     wire.TxOut{Value: 1000, PkScript: []byte{0x51}},
	}
	mp.coins[memOp] = &UtxoEntry{
		TxVersion: 1,
		Height:    wirex.MempoolHeight,
		TxOut:     wire.TxOut{Value: 2000, PkScript: []byte{0x52}},
	}

	query := wirex.NewMsgGetUTXOs(true)
	query.AddOutPoint(&chainOp)
	query.AddOutPoint(&memOp)
	query.AddOutPoint(&missOp)
	p.handleGetUTXOsMsg(query)

	msg := waitMsg(t, msgs, 3*time.Second)
	reply, ok := msg.(*wirex.MsgUTXOs)
	if !ok {
		t.Fatalf("expected utxos, got %v", msg.Command())
	}
	if reply.Height != uint32(chain.BestHeight()) {
		t.Fatalf("reply height %d, want %d", reply.Height,
			chain.BestHeight())
	}
	if len(reply.HitMap) != 1 || reply.HitMap[0] != 0x03 {
		t.Fatalf("unexpected hit map %x", reply.HitMap)
	}
	if len(reply.UTXOs) != 2 {
		t.Fatalf("served %d utxos, want 2", len(reply.UTXOs))
	}
	if reply.UTXOs[1].Height != wirex.MempoolHeight {
		t.Fatal("mempool hit not marked with the mempool height")
	}
}

// TestServeMemPool serves a snapshot of the pool as inventory.
func TestServeMemPool(t *testing.T) {
	txA := testTx(1)
	txB := testTx(2)
	mp := newFakeMempool(txA, txB)
	cfg := testPeerConfig()
	cfg.Chain = newFakeChain(3)
	cfg.Mempool = mp
	p, remote := newTestPeer(t, cfg)
	msgs := collectMessages(remote)

	p.handleMemPoolMsg(&wire.MsgMemPool{})

	msg := waitMsg(t, msgs, 3*time.Second)
	inv, ok := msg.(*wire.MsgInv)
	if !ok {
		t.Fatalf("expected inv, got %v", msg.Command())
	}
	if len(inv.InvList) != 2 {
		t.Fatalf("served %d inv entries, want 2", len(inv.InvList))
	}
}
