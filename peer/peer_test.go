// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bityogi/bcoin/wirex"
)

// conn mocks a network connection by implementing the net.Conn
// interface.  It is used to test peer connections without actually
// opening a network connection.
type conn struct {
	io.Reader
	io.Writer
	io.Closer

	// local network, address for the connection.
	lnet, laddr string

	// remote network, address for the connection.
	rnet, raddr string
}

// LocalAddr returns the local address for the connection.
func (c conn) LocalAddr() net.Addr {
	return &addr{c.lnet, c.laddr}
}

// RemoteAddr returns the remote address for the connection.
func (c conn) RemoteAddr() net.Addr {
	return &addr{c.rnet, c.raddr}
}

// Close handles closing the connection.
func (c conn) Close() error {
	if c.Closer == nil {
		return nil
	}
	return c.Closer.Close()
}

func (c conn) SetDeadline(t time.Time) error      { return nil }
func (c conn) SetReadDeadline(t time.Time) error  { return nil }
func (c conn) SetWriteDeadline(t time.Time) error { return nil }

// addr mocks a network address.
type addr struct {
	net, address string
}

func (m addr) Network() string { return m.net }
func (m addr) String() string  { return m.address }

// pipe turns two mock connections into a full-duplex connection similar
// to net.Pipe to allow pipe's with (fake) addresses.
func pipe(c1, c2 *conn) (*conn, *conn) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()

	c1.Writer = w1
	c1.Closer = w1
	c2.Reader = r1
	c1.Reader = r2
	c2.Writer = w2
	c2.Closer = w2

	return c1, c2
}

// testTx returns a minimal transaction whose hash varies with the
// passed lock time.
func testTx(lockTime uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.DoubleHashH([]byte{byte(lockTime)}),
			Index: 0,
		},
		SignatureScript: []byte{0x51},
		Sequence:        0xffffffff,
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    5000000000,
		PkScript: []byte{0x51},
	})
	tx.LockTime = lockTime
	return tx
}

// testCoinbaseTx returns a transaction shaped like a coinbase.
func testCoinbaseTx() *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  []byte{0x04, 0x31, 0xdc, 0x00, 0x1b},
		Sequence:         0xffffffff,
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    5000000000,
		PkScript: []byte{0x51},
	})
	return tx
}

// fakeChain is an in-memory ChainSource backed by a linear list of
// synthetic block hashes.
type fakeChain struct {
	hashes  []chainhash.Hash
	heights map[chainhash.Hash]int32
	headers map[chainhash.Hash]*wire.BlockHeader
	blocks  map[chainhash.Hash]*btcutil.Block
	utxos   map[wire.OutPoint]*UtxoEntry
	current bool
	pruned  bool
}

func newFakeChain(height int32) *fakeChain {
	c := &fakeChain{
		heights: make(map[chainhash.Hash]int32),
		headers: make(map[chainhash.Hash]*wire.BlockHeader),
		blocks:  make(map[chainhash.Hash]*btcutil.Block),
		utxos:   make(map[wire.OutPoint]*UtxoEntry),
		current: true,
	}
	for i := int32(0); i <= height; i++ {
		var seed [4]byte
		binary.LittleEndian.PutUint32(seed[:], uint32(i))
		hash := chainhash.DoubleHashH(seed[:])
		c.hashes = append(c.hashes, hash)
		c.heights[hash] = i

		header := &wire.BlockHeader{Version: 1, Nonce: uint32(i)}
		if i > 0 {
			header.PrevBlock = c.hashes[i-1]
		}
		c.headers[hash] = header
	}
	return c
}

// addBlock attaches a full block at the given height.
func (c *fakeChain) addBlock(height int32, numTx int) *btcutil.Block {
	msgBlock := &wire.MsgBlock{Header: *c.headers[c.hashes[height]]}
	if numTx > 0 {
		msgBlock.AddTransaction(testCoinbaseTx())
		for i := 1; i < numTx; i++ {
			msgBlock.AddTransaction(testTx(uint32(height)*1000 + uint32(i)))
		}
	}
	block := btcutil.NewBlock(msgBlock)
	c.blocks[c.hashes[height]] = block
	return block
}

func (c *fakeChain) BestHeight() int32 {
	return int32(len(c.hashes) - 1)
}

func (c *fakeChain) BestHash() *chainhash.Hash {
	return &c.hashes[len(c.hashes)-1]
}

func (c *fakeChain) IsCurrent() bool {
	return c.current
}

func (c *fakeChain) IsPruned() bool {
	return c.pruned
}

func (c *fakeChain) LatestLocator() blockchain.BlockLocator {
	return blockchain.BlockLocator{c.BestHash()}
}

func (c *fakeChain) LocatorFork(locator blockchain.BlockLocator) *chainhash.Hash {
	for _, hash := range locator {
		if _, ok := c.heights[*hash]; ok {
			return hash
		}
	}
	return nil
}

func (c *fakeChain) NextHash(hash *chainhash.Hash) *chainhash.Hash {
	height, ok := c.heights[*hash]
	if !ok || int(height+1) >= len(c.hashes) {
		return nil
	}
	return &c.hashes[height+1]
}

func (c *fakeChain) HeightByHash(hash *chainhash.Hash) (int32, error) {
	height, ok := c.heights[*hash]
	if !ok {
		return 0, errors.New("block not found")
	}
	return height, nil
}

func (c *fakeChain) HeaderByHash(hash *chainhash.Hash) (*wire.BlockHeader, error) {
	header, ok := c.headers[*hash]
	if !ok {
		return nil, errors.New("block not found")
	}
	return header, nil
}

func (c *fakeChain) BlockByHash(hash *chainhash.Hash) (*btcutil.Block, error) {
	block, ok := c.blocks[*hash]
	if !ok {
		return nil, errors.New("block not found")
	}
	return block, nil
}

func (c *fakeChain) FetchUtxoEntry(op wire.OutPoint) (*UtxoEntry, error) {
	return c.utxos[op], nil
}

// fakeMempool is an in-memory MempoolSource.
type fakeMempool struct {
	txs   map[chainhash.Hash]*btcutil.Tx
	order []*btcutil.Tx
	rates map[chainhash.Hash]int64
	coins map[wire.OutPoint]*UtxoEntry
	spent map[wire.OutPoint]bool
}

func newFakeMempool(txs ...*wire.MsgTx) *fakeMempool {
	mp := &fakeMempool{
		txs:   make(map[chainhash.Hash]*btcutil.Tx),
		rates: make(map[chainhash.Hash]int64),
		coins: make(map[wire.OutPoint]*UtxoEntry),
		spent: make(map[wire.OutPoint]bool),
	}
	for _, tx := range txs {
		utx := btcutil.NewTx(tx)
		mp.txs[*utx.Hash()] = utx
		mp.order = append(mp.order, utx)
	}
	return mp
}

func (mp *fakeMempool) HaveTransaction(hash *chainhash.Hash) bool {
	_, ok := mp.txs[*hash]
	return ok
}

func (mp *fakeMempool) FetchTransaction(hash *chainhash.Hash) (*btcutil.Tx, error) {
	tx, ok := mp.txs[*hash]
	if !ok {
		return nil, errors.New("transaction not in pool")
	}
	return tx, nil
}

func (mp *fakeMempool) FeeRate(hash *chainhash.Hash) (int64, bool) {
	rate, ok := mp.rates[*hash]
	return rate, ok
}

func (mp *fakeMempool) UnspentOutput(op wire.OutPoint) *UtxoEntry {
	return mp.coins[op]
}

func (mp *fakeMempool) IsSpent(op wire.OutPoint) bool {
	return mp.spent[op]
}

func (mp *fakeMempool) Snapshot() []*btcutil.Tx {
	return mp.order
}

// testPeerConfig returns a config suitable for the tests.
func testPeerConfig() *Config {
	return &Config{
		UserAgentName:    "peer",
		UserAgentVersion: "1.0",
		ChainParams:      &chaincfg.SimNetParams,
		Services: wire.SFNodeNetwork | wire.SFNodeWitness |
			wire.SFNodeBloom,
		AllowSelfConns: true,
	}
}

// newTestPeer returns an outbound peer wired to one end of an in-memory
// pipe with its output handlers running, plus the remote end of the
// pipe.  The input handler is intentionally not started so tests can
// drive the message handlers directly.
func newTestPeer(t *testing.T, cfg *Config) (*Peer, net.Conn) {
	t.Helper()

	p, err := NewOutboundPeer(cfg, "10.0.0.1:18555")
	if err != nil {
		t.Fatalf("NewOutboundPeer: %v", err)
	}

	local, remote := net.Pipe()
	p.conn = local
	atomic.StoreInt32(&p.connected, 1)
	p.wg.Add(3)
	go p.writeHandler()
	go p.queueHandler()
	go p.writeInvVectQueueHandler()

	t.Cleanup(func() {
		p.Disconnect()
		remote.Close()
	})
	return p, remote
}

// collectMessages reads framed messages arriving on the remote end of a
// test pipe into a channel.
func collectMessages(conn net.Conn) <-chan wire.Message {
	msgs := make(chan wire.Message, 64)
	go func() {
		for {
			_, msg, _, err := wirex.ReadMessageN(conn,
				MaxProtocolVersion, wire.SimNet)
			if err != nil {
				if _, ok := err.(*wirex.UnknownCommandError); ok {
					continue
				}
				close(msgs)
				return
			}
			msgs <- msg
		}
	}()
	return msgs
}

// waitMsg waits for the next message or fails the test.
func waitMsg(t *testing.T, msgs <-chan wire.Message, timeout time.Duration) wire.Message {
	t.Helper()

	select {
	case msg, ok := <-msgs:
		if !ok {
			t.Fatal("message stream closed")
		}
		return msg
	case <-time.After(timeout):
		t.Fatal("timeout waiting for message")
	}
	return nil
}

// expectNoMsg asserts no message arrives within the timeout.
func expectNoMsg(t *testing.T, msgs <-chan wire.Message, timeout time.Duration) {
	t.Helper()

	select {
	case msg, ok := <-msgs:
		if ok {
			t.Fatalf("unexpected message %v", msg.Command())
		}
	case <-time.After(timeout):
	}
}

// TestPeerHandshake connects an inbound and an outbound peer over an
// in-memory pipe and exercises the full version handshake plus a
// ping/pong round trip.
func TestPeerHandshake(t *testing.T) {
	inReady := make(chan struct{}, 1)
	outReady := make(chan struct{}, 1)

	inCfg := testPeerConfig()
	inCfg.ID = 1
	inCfg.Listeners.OnReady = func(p *Peer) {
		inReady <- struct{}{}
	}
	outCfg := testPeerConfig()
	outCfg.ID = 2
	outCfg.Listeners.OnReady = func(p *Peer) {
		outReady <- struct{}{}
	}

	inConn, outConn := pipe(
		&conn{raddr: "10.0.0.1:18555", rnet: "tcp"},
		&conn{raddr: "10.0.0.2:18555", rnet: "tcp"},
	)
	inPeer := NewInboundPeer(inCfg)
	inPeer.AssociateConnection(inConn)
	outPeer, err := NewOutboundPeer(outCfg, "10.0.0.1:18555")
	if err != nil {
		t.Fatalf("NewOutboundPeer: %v", err)
	}
	outPeer.AssociateConnection(outConn)

	for i, ready := range []chan struct{}{inReady, outReady} {
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
			t.Fatalf("handshake %d timed out", i)
		}
	}

	if !outPeer.Ack() || !inPeer.Ack() {
		t.Fatal("handshake did not complete in both directions")
	}
	if !outPeer.VersionKnown() || outPeer.ProtocolVersion() != MaxProtocolVersion {
		t.Fatalf("unexpected negotiated version %d",
			outPeer.ProtocolVersion())
	}
	if outPeer.UserAgent() == "" {
		t.Fatal("remote user agent not recorded")
	}
	if !outPeer.IsWitnessEnabled() {
		t.Fatal("witness service bit not honored")
	}

	// Ping round trip updates the minimum observed latency and clears
	// the challenge.
	outPeer.sendPing()
	deadline := time.Now().Add(3 * time.Second)
	for outPeer.MinPingMicros() < 0 {
		if time.Now().After(deadline) {
			t.Fatal("ping round trip never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if outPeer.LastPingNonce() != 0 {
		t.Fatal("ping challenge was not cleared")
	}

	outPeer.Disconnect()
	inPeer.Disconnect()
	outPeer.WaitForDisconnect()
	inPeer.WaitForDisconnect()
}

// TestSelfConnect ensures a peer that receives its own version nonce
// tears the session down without completing the handshake.
func TestSelfConnect(t *testing.T) {
	cfgIn := testPeerConfig()
	cfgIn.AllowSelfConns = false
	cfgIn.LocalNonce = 0xdeadbeefcafe
	cfgOut := testPeerConfig()
	cfgOut.AllowSelfConns = false
	cfgOut.LocalNonce = 0xdeadbeefcafe

	inConn, outConn := pipe(
		&conn{raddr: "10.0.0.1:18555", rnet: "tcp"},
		&conn{raddr: "10.0.0.2:18555", rnet: "tcp"},
	)
	inPeer := NewInboundPeer(cfgIn)
	inPeer.AssociateConnection(inConn)
	outPeer, err := NewOutboundPeer(cfgOut, "10.0.0.1:18555")
	if err != nil {
		t.Fatalf("NewOutboundPeer: %v", err)
	}
	outPeer.AssociateConnection(outConn)

	done := make(chan struct{})
	go func() {
		inPeer.WaitForDisconnect()
		outPeer.WaitForDisconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("self connection was not torn down")
	}

	if inPeer.Ack() || outPeer.Ack() {
		t.Fatal("self connection completed the handshake")
	}
}

// TestHandlePong exercises the challenge semantics of pong handling.
func TestHandlePong(t *testing.T) {
	p, err := NewOutboundPeer(testPeerConfig(), "10.0.0.1:18555")
	if err != nil {
		t.Fatalf("NewOutboundPeer: %v", err)
	}

	// A pong with no outstanding challenge is ignored.
	p.handlePongMsg(wire.NewMsgPong(12))
	if p.MinPingMicros() != -1 {
		t.Fatal("unsolicited pong updated the round trip time")
	}

	// A mismatched nonce keeps the challenge outstanding.
	p.statsMtx.Lock()
	p.lastPingNonce = 5
	p.lastPingTime = time.Now().Add(-40 * time.Millisecond)
	p.statsMtx.Unlock()
	p.handlePongMsg(wire.NewMsgPong(7))
	if p.LastPingNonce() != 5 {
		t.Fatal("mismatched pong cleared the challenge")
	}

	// The matching nonce records the sample and clears the challenge.
	p.handlePongMsg(wire.NewMsgPong(5))
	if p.LastPingNonce() != 0 {
		t.Fatal("matching pong did not clear the challenge")
	}
	first := p.MinPingMicros()
	if first < 40000 {
		t.Fatalf("implausible round trip time %d", first)
	}

	// A slower sample does not lower the minimum.
	p.statsMtx.Lock()
	p.lastPingNonce = 6
	p.lastPingTime = time.Now().Add(-400 * time.Millisecond)
	p.statsMtx.Unlock()
	p.handlePongMsg(wire.NewMsgPong(6))
	if p.MinPingMicros() != first {
		t.Fatalf("slower sample changed the minimum: %d -> %d", first,
			p.MinPingMicros())
	}

	// A zero nonce clears the challenge silently.
	p.statsMtx.Lock()
	p.lastPingNonce = 9
	p.statsMtx.Unlock()
	p.handlePongMsg(wire.NewMsgPong(0))
	if p.LastPingNonce() != 0 {
		t.Fatal("zero nonce did not clear the challenge")
	}
}

// TestOversizedAnnouncements ensures inventory and header announcements
// beyond the protocol limits are scored without producing an event.
func TestOversizedAnnouncements(t *testing.T) {
	invoked := false
	cfg := testPeerConfig()
	cfg.Listeners.OnInv = func(p *Peer, msg *wire.MsgInv) {
		invoked = true
	}
	cfg.Listeners.OnHeaders = func(p *Peer, msg *wire.MsgHeaders) {
		invoked = true
	}
	p, err := NewOutboundPeer(cfg, "10.0.0.1:18555")
	if err != nil {
		t.Fatalf("NewOutboundPeer: %v", err)
	}

	inv := &wire.MsgInv{InvList: make([]*wire.InvVect, wire.MaxInvPerMsg+1)}
	for i := range inv.InvList {
		inv.InvList[i] = wire.NewInvVect(wire.InvTypeTx, &zeroHash)
	}
	p.handleInvMsg(inv)
	if invoked {
		t.Fatal("oversized inv produced an event")
	}
	if p.BanScore() < BanThreshold {
		t.Fatalf("oversized inv scored %d, want >= %d", p.BanScore(),
			BanThreshold)
	}

	p2, err := NewOutboundPeer(cfg, "10.0.0.1:18555")
	if err != nil {
		t.Fatalf("NewOutboundPeer: %v", err)
	}
	headers := &wire.MsgHeaders{
		Headers: make([]*wire.BlockHeader, wire.MaxBlockHeadersPerMsg+1),
	}
	for i := range headers.Headers {
		headers.Headers[i] = &wire.BlockHeader{}
	}
	p2.handleHeadersMsg(headers)
	if invoked {
		t.Fatal("oversized headers produced an event")
	}
	if p2.BanScore() < BanThreshold {
		t.Fatalf("oversized headers scored %d, want >= %d",
			p2.BanScore(), BanThreshold)
	}
}

// TestFilterLifecycle exercises filterload, filteradd and filterclear
// including the relay flag side effects.
func TestFilterLifecycle(t *testing.T) {
	p, err := NewOutboundPeer(testPeerConfig(), "10.0.0.1:18555")
	if err != nil {
		t.Fatalf("NewOutboundPeer: %v", err)
	}

	// Adding to a missing filter is a violation.
	if p.handleFilterAddMsg(&wire.MsgFilterAdd{Data: []byte{0x01}}) {
		t.Fatal("filteradd with no filter loaded was accepted")
	}

	p.flagsMtx.Lock()
	p.relayTxes = false
	p.flagsMtx.Unlock()

	load := wire.NewMsgFilterLoad(make([]byte, 16), 4, 0, wire.BloomUpdateNone)
	if !p.handleFilterLoadMsg(load) {
		t.Fatal("valid filterload was rejected")
	}
	if p.Filter() == nil {
		t.Fatal("filter was not installed")
	}
	if !p.RelayTxes() {
		t.Fatal("filterload did not enable relay")
	}

	if !p.handleFilterAddMsg(&wire.MsgFilterAdd{Data: []byte{0x02, 0x03}}) {
		t.Fatal("valid filteradd was rejected")
	}
	if p.handleFilterAddMsg(&wire.MsgFilterAdd{
		Data: make([]byte, wire.MaxFilterAddDataSize+1),
	}) {
		t.Fatal("oversized filteradd was accepted")
	}

	p.flagsMtx.Lock()
	p.relayTxes = false
	p.flagsMtx.Unlock()
	p.handleFilterClearMsg(&wire.MsgFilterClear{})
	if p.Filter() != nil {
		t.Fatal("filterclear left a filter installed")
	}
	if !p.RelayTxes() {
		t.Fatal("filterclear did not enable relay")
	}

	// An oversized filterload is a violation.
	p2, err := NewOutboundPeer(testPeerConfig(), "10.0.0.1:18555")
	if err != nil {
		t.Fatalf("NewOutboundPeer: %v", err)
	}
	big := &wire.MsgFilterLoad{
		Filter:    make([]byte, wire.MaxFilterLoadFilterSize+1),
		HashFuncs: 4,
	}
	if p2.handleFilterLoadMsg(big) {
		t.Fatal("oversized filterload was accepted")
	}
	if p2.BanScore() < BanThreshold {
		t.Fatalf("oversized filterload scored %d", p2.BanScore())
	}
}

// TestGetAddrOnce ensures repeated getaddr requests are served at most
// once.
func TestGetAddrOnce(t *testing.T) {
	calls := 0
	cfg := testPeerConfig()
	cfg.Listeners.OnGetAddr = func(p *Peer, msg *wire.MsgGetAddr) {
		calls++
	}
	p, err := NewOutboundPeer(cfg, "10.0.0.1:18555")
	if err != nil {
		t.Fatalf("NewOutboundPeer: %v", err)
	}

	p.handleGetAddrMsg(&wire.MsgGetAddr{})
	p.handleGetAddrMsg(&wire.MsgGetAddr{})
	if calls != 1 {
		t.Fatalf("getaddr served %d times, want 1", calls)
	}
}

// TestAnnounceDedup ensures an announced hash reaches the wire exactly
// once per peer.
func TestAnnounceDedup(t *testing.T) {
	cfg := testPeerConfig()
	cfg.TrickleInterval = 20 * time.Millisecond
	p, remote := newTestPeer(t, cfg)
	msgs := collectMessages(remote)

	tx := btcutil.NewTx(testTx(77))
	p.AnnounceTransaction(tx)

	msg := waitMsg(t, msgs, 3*time.Second)
	inv, ok := msg.(*wire.MsgInv)
	if !ok {
		t.Fatalf("expected inv, got %v", msg.Command())
	}
	if len(inv.InvList) != 1 || !inv.InvList[0].Hash.IsEqual(tx.Hash()) {
		t.Fatalf("unexpected inv contents: %v", inv.InvList)
	}

	// Announcing the same hash again produces nothing.
	p.AnnounceTransaction(tx)
	expectNoMsg(t, msgs, 100*time.Millisecond)
}

// TestAnnouncePolicy ensures the relay flag and fee filter suppress
// transaction announcements.
func TestAnnouncePolicy(t *testing.T) {
	tx := btcutil.NewTx(testTx(33))

	// relay disabled by the version message
	cfg := testPeerConfig()
	cfg.TrickleInterval = 20 * time.Millisecond
	p, remote := newTestPeer(t, cfg)
	msgs := collectMessages(remote)
	p.flagsMtx.Lock()
	p.relayTxes = false
	p.flagsMtx.Unlock()
	p.AnnounceTransaction(tx)
	expectNoMsg(t, msgs, 100*time.Millisecond)

	// fee rate below the advertised filter
	mp := newFakeMempool(tx.MsgTx())
	mp.rates[*tx.Hash()] = 10
	cfg2 := testPeerConfig()
	cfg2.TrickleInterval = 20 * time.Millisecond
	cfg2.Mempool = mp
	p2, remote2 := newTestPeer(t, cfg2)
	msgs2 := collectMessages(remote2)
	p2.flagsMtx.Lock()
	p2.feeFilter = 1000
	p2.flagsMtx.Unlock()
	p2.AnnounceTransaction(tx)
	expectNoMsg(t, msgs2, 100*time.Millisecond)
}

// TestDestroyIdempotent ensures tearing a peer down twice is
// indistinguishable from doing it once.
func TestDestroyIdempotent(t *testing.T) {
	p, _ := newTestPeer(t, testPeerConfig())

	entryFailed := make(chan error, 2)
	p.Request(wire.CmdPong, func(msg wire.Message, err error) bool {
		entryFailed <- err
		return false
	})

	p.Disconnect()
	p.Disconnect()

	select {
	case err := <-entryFailed:
		if err != ErrPeerDisconnected {
			t.Fatalf("request failed with %v, want %v", err,
				ErrPeerDisconnected)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request was not destroyed")
	}

	// A second failure for the same entry would be a double destroy.
	select {
	case <-entryFailed:
		t.Fatal("request entry destroyed twice")
	case <-time.After(50 * time.Millisecond):
	}

	if p.Connected() {
		t.Fatal("peer still connected after destroy")
	}
}
