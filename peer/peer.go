// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/go-socks/socks"
	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/lru"

	"github.com/bityogi/bcoin/wirex"
)

const (
	// MaxProtocolVersion is the max protocol version the peer supports.
	MaxProtocolVersion = wirex.CompactWitnessVersion

	// MinAcceptableProtocolVersion is the lowest protocol version that a
	// connected peer may support.
	MinAcceptableProtocolVersion = wire.BIP0037Version

	// outputBufferSize is the number of elements the output channels use.
	outputBufferSize = 50

	// maxInvTrickleSize is the maximum amount of inventory to send in a
	// single message when trickling inventory to remote peers.
	maxInvTrickleSize = 1000

	// maxKnownInventory is the maximum number of items to keep in the
	// known inventory cache.
	maxKnownInventory = 50000

	// maxKnownAddresses is the maximum number of addresses to keep in
	// the known addresses cache used to deduplicate addr relays.
	maxKnownAddresses = 5000

	// pingInterval is the interval of time to wait in between sending
	// ping messages.
	pingInterval = 2 * time.Minute

	// negotiateTimeout is the total time a peer is given to complete the
	// version negotiation before we time it out.
	negotiateTimeout = 30 * time.Second

	// handshakeTimeout is the duration allotted to each of the BIP0151
	// and BIP0150 handshake phases.
	handshakeTimeout = 3 * time.Second

	// idleTimeout is the duration of inactivity before we time out a
	// peer.
	idleTimeout = 5 * time.Minute

	// trickleTimeout is the duration of the ticker which trickles down
	// the inventory to a peer.
	trickleTimeout = 10 * time.Second

	// malformedBanScore is the ban score assessed for messages that do
	// not survive the wire codec.
	malformedBanScore = 10

	// severeBanScore is the ban score assessed for protocol violations
	// that warrant an immediate ban.
	severeBanScore = 100
)

var (
	// zeroHash is the zero value hash (all zeros).  It is defined as a
	// convenience.
	zeroHash chainhash.Hash

	// ErrPeerDisconnected is the error passed to outstanding request
	// handlers when the peer is torn down.
	ErrPeerDisconnected = errors.New("peer disconnected")
)

// MessageListeners defines callback function pointers to invoke with
// message listeners for a peer.  Any listener which is not set to a
// concrete callback during peer initialization is ignored.  Execution of
// multiple message listeners occurs serially, so one callback blocks the
// execution of the next.
//
// NOTE: Unless otherwise documented, these listeners must NOT directly
// call any blocking calls (such as WaitForDisconnect) on the peer
// instance since the input handler goroutine blocks until the callback
// has completed.  Doing so will result in a deadlock.
type MessageListeners struct {
	// OnGetAddr is invoked when a peer receives a getaddr bitcoin
	// message.  It runs at most once per peer; repeated requests are
	// dropped before reaching it.
	OnGetAddr func(p *Peer, msg *wire.MsgGetAddr)

	// OnAddr is invoked when a peer receives an addr bitcoin message.
	// Addresses already relayed by this peer have been filtered out.
	OnAddr func(p *Peer, msg *wire.MsgAddr)

	// OnPing is invoked when a peer receives a ping bitcoin message.
	OnPing func(p *Peer, msg *wire.MsgPing)

	// OnPong is invoked when a peer receives a pong bitcoin message.
	OnPong func(p *Peer, msg *wire.MsgPong)

	// OnAlert is invoked when a peer receives an alert bitcoin message.
	OnAlert func(p *Peer, msg *wirex.MsgAlert)

	// OnMemPool is invoked when a peer receives a mempool bitcoin
	// message.  The snapshot has already been served by the peer.
	OnMemPool func(p *Peer, msg *wire.MsgMemPool)

	// OnTx is invoked when a peer receives a tx bitcoin message that is
	// not collected by an in-flight merkleblock.
	OnTx func(p *Peer, msg *wire.MsgTx)

	// OnBlock is invoked when a peer receives a block bitcoin message or
	// completes the reconstruction of a compact block.  The buf is nil
	// for reconstructed blocks.
	OnBlock func(p *Peer, msg *wire.MsgBlock, buf []byte)

	// OnInv is invoked when a peer receives an inv bitcoin message.
	OnInv func(p *Peer, msg *wire.MsgInv)

	// OnHeaders is invoked when a peer receives a headers bitcoin
	// message.
	OnHeaders func(p *Peer, msg *wire.MsgHeaders)

	// OnNotFound is invoked when a peer receives a notfound bitcoin
	// message.
	OnNotFound func(p *Peer, msg *wire.MsgNotFound)

	// OnGetData is invoked when a peer receives a getdata bitcoin
	// message.  The request has already been served by the peer.
	OnGetData func(p *Peer, msg *wire.MsgGetData)

	// OnGetBlocks is invoked when a peer receives a getblocks bitcoin
	// message.  The request has already been served by the peer.
	OnGetBlocks func(p *Peer, msg *wire.MsgGetBlocks)

	// OnGetHeaders is invoked when a peer receives a getheaders bitcoin
	// message.  The request has already been served by the peer.
	OnGetHeaders func(p *Peer, msg *wire.MsgGetHeaders)

	// OnGetUTXOs is invoked when a peer receives a getutxos message.
	// The query has already been served by the peer.
	OnGetUTXOs func(p *Peer, msg *wirex.MsgGetUTXOs)

	// OnUTXOs is invoked when a peer receives a utxos message.
	OnUTXOs func(p *Peer, msg *wirex.MsgUTXOs)

	// OnFeeFilter is invoked when a peer receives a feefilter bitcoin
	// message.
	OnFeeFilter func(p *Peer, msg *wire.MsgFeeFilter)

	// OnFilterAdd is invoked when a peer receives a filteradd bitcoin
	// message.
	OnFilterAdd func(p *Peer, msg *wire.MsgFilterAdd)

	// OnFilterClear is invoked when a peer receives a filterclear
	// bitcoin message.
	OnFilterClear func(p *Peer, msg *wire.MsgFilterClear)

	// OnFilterLoad is invoked when a peer receives a filterload bitcoin
	// message.
	OnFilterLoad func(p *Peer, msg *wire.MsgFilterLoad)

	// OnMerkleBlock is invoked when an in-flight merkleblock is flushed,
	// either because all of its matched transactions arrived or a
	// non-transaction message ended the collection.  The txs slice
	// carries the matched transactions that arrived, in order.
	OnMerkleBlock func(p *Peer, msg *wire.MsgMerkleBlock, txs []*btcutil.Tx)

	// OnVersion is invoked when a peer receives a version bitcoin
	// message.  The caller may return a reject message in which case the
	// message will be sent to the peer and the peer will be
	// disconnected.
	OnVersion func(p *Peer, msg *wire.MsgVersion) *wire.MsgReject

	// OnVerAck is invoked when a peer receives a verack bitcoin message.
	OnVerAck func(p *Peer, msg *wire.MsgVerAck)

	// OnReject is invoked when a peer receives a reject bitcoin message.
	OnReject func(p *Peer, msg *wire.MsgReject)

	// OnSendHeaders is invoked when a peer receives a sendheaders
	// bitcoin message.
	OnSendHeaders func(p *Peer, msg *wire.MsgSendHeaders)

	// OnSendCmpct is invoked when a peer receives a sendcmpct message.
	OnSendCmpct func(p *Peer, msg *wirex.MsgSendCmpct)

	// OnCmpctBlock is invoked when a peer receives a cmpctblock message.
	// Reconstruction has already been attempted by the peer; a fully
	// reconstructed block is surfaced through OnBlock.
	OnCmpctBlock func(p *Peer, msg *wirex.MsgCmpctBlock)

	// OnGetBlockTxn is invoked when a peer receives a getblocktxn
	// message.  The request has already been served by the peer.
	OnGetBlockTxn func(p *Peer, msg *wirex.MsgGetBlockTxn)

	// OnBlockTxn is invoked when a peer receives a blocktxn message.
	OnBlockTxn func(p *Peer, msg *wirex.MsgBlockTxn)

	// OnHaveWitness is invoked when a peer receives a havewitness
	// message.
	OnHaveWitness func(p *Peer, msg *wirex.MsgHaveWitness)

	// OnEncinit, OnEncack, OnAuthChallenge, OnAuthReply and
	// OnAuthPropose are invoked as the BIP0151/BIP0150 handshake
	// messages arrive.  The handshake objects have already been driven
	// by the peer when these run.
	OnEncinit       func(p *Peer, msg *wirex.MsgEncinit)
	OnEncack        func(p *Peer, msg *wirex.MsgEncack)
	OnAuthChallenge func(p *Peer, msg *wirex.MsgAuthChallenge)
	OnAuthReply     func(p *Peer, msg *wirex.MsgAuthReply)
	OnAuthPropose   func(p *Peer, msg *wirex.MsgAuthPropose)

	// OnUnknown is invoked when a peer receives a message with a command
	// outside the known message sets.
	OnUnknown func(p *Peer, command string)

	// OnReady is invoked once the version handshake has completed and
	// the initial on-ready messages have been queued.
	OnReady func(p *Peer)

	// OnRead is invoked when a peer receives a bitcoin message.  It
	// consists of the number of bytes read, the message, and whether or
	// not an error in the read occurred.
	OnRead func(p *Peer, bytesRead int, msg wire.Message, err error)

	// OnWrite is invoked when we write a bitcoin message to a peer.  It
	// consists of the number of bytes written, the message, and whether
	// or not an error in the write occurred.
	OnWrite func(p *Peer, bytesWritten int, msg wire.Message, err error)
}

// HostToNetAddrFunc is a func which takes a host, port, services and
// returns the netaddress.
type HostToNetAddrFunc func(host string, port uint16,
	services wire.ServiceFlag) (*wire.NetAddress, error)

// Config is the struct to hold configuration options useful to Peer.
type Config struct {
	// ID is the session id the pool assigned to this peer.
	ID int32

	// LocalNonce is the nonce advertised in the local version message
	// and compared against inbound version nonces to detect self
	// connections.  A random nonce is generated when it is zero.
	LocalNonce uint64

	// AllowSelfConns disables the self connection check.  It is only
	// useful for tests.
	AllowSelfConns bool

	// HostToNetAddress returns the netaddress for the given host.  This
	// can be nil in which case the host will be parsed as an IP address.
	HostToNetAddress HostToNetAddrFunc

	// Proxy indicates a proxy is being used for connections.  The only
	// effect this has is to prevent leaking the tor proxy address, so it
	// only needs to be specified if using a tor proxy.
	Proxy string

	// UserAgentName specifies the user agent name to advertise.  It is
	// highly recommended to specify this value.
	UserAgentName string

	// UserAgentVersion specifies the user agent version to advertise.
	// It is highly recommended to specify this value and that it follows
	// the form "major.minor.revision" e.g. "2.6.41".
	UserAgentVersion string

	// UserAgentComments specify the user agent comments to advertise.
	// These values must not contain the illegal characters specified in
	// BIP 14: '/', ':', '(', ')'.
	UserAgentComments []string

	// ChainParams identifies which chain parameters the peer is
	// associated with.  It is highly recommended to specify this field,
	// however it can be omitted in which case the test network will be
	// used.
	ChainParams *chaincfg.Params

	// Services specifies which services to advertise as supported by the
	// local peer.  This field can be omitted in which case it will be 0
	// and therefore advertise no supported services.
	Services wire.ServiceFlag

	// RequiredServices specifies which service bits the remote peer must
	// advertise beyond the ones the policy flags below already imply.
	RequiredServices wire.ServiceFlag

	// ProtocolVersion specifies the maximum protocol version to use and
	// advertise.  This field can be omitted in which case
	// peer.MaxProtocolVersion will be used.
	ProtocolVersion uint32

	// DisableRelayTx specifies if the remote peer should be informed to
	// not send inv messages for transactions.
	DisableRelayTx bool

	// Chain provides read access to the block chain for serving and
	// sync requests.  Serving is disabled when nil.
	Chain ChainSource

	// Mempool provides read access to the transaction memory pool.
	Mempool MempoolSource

	// FetchBroadcast looks up an actively broadcast inventory item,
	// consulted before the mempool and chain while serving getdata.
	FetchBroadcast func(iv *wire.InvVect) wire.Message

	// BroadcastItems returns the inventory currently being broadcast so
	// it can be announced once the peer is ready.
	BroadcastItems func() []*wire.InvVect

	// Misbehaving is called whenever the peer's ban score increases so
	// the pool can track misbehavior across connections.
	Misbehaving func(p *Peer, score uint32, reason string)

	// Ignore is called when the peer fails on the transport or during
	// the handshake so the pool can deprioritize the host.
	Ignore func(p *Peer, err error)

	// Encryption, when non-nil, enables the BIP0151 encrypted transport
	// handshake driven through the passed object.
	Encryption EncryptionHandshake

	// RequireEncryption makes a failed BIP0151 handshake fatal rather
	// than falling back to plaintext.
	RequireEncryption bool

	// Auth, when non-nil, enables the BIP0150 authentication handshake
	// driven through the passed object.  Authentication failures are
	// always fatal.
	Auth AuthHandshake

	// KnownIdentity is the expected identity key of the remote peer.
	// Outbound connections with a known identity open the BIP0150
	// handshake with a challenge.
	KnownIdentity *btcec.PublicKey

	// Witness requires the remote peer to support segregated witness.
	Witness bool

	// WitnessProbe enables the havewitness upgrade probe used on
	// networks whose version handshake predates the witness service
	// bit.  When Witness is also set, a peer that advertises no witness
	// service is given one request timeout to produce a havewitness
	// message instead of being rejected outright.
	WitnessProbe bool

	// HeadersFirst prefers header announcements and getheaders based
	// sync.
	HeadersFirst bool

	// SPV operates the peer as an SPV client: the remote must serve
	// bloom filters, the pool-wide filter is pushed on ready, and the
	// serve-side handlers are disabled.
	SPV bool

	// Selfish disables serving chain and mempool data to the remote
	// peer.
	Selfish bool

	// Compact negotiates BIP0152 compact block relay.
	Compact bool

	// FeeFilter is the minimum fee rate, in satoshi per kilobyte, to
	// request the remote peer limit its transaction relay to.  Zero
	// disables the request.
	FeeFilter int64

	// SPVFilter is the pool-wide bloom filter pushed to the remote peer
	// on ready when operating in SPV mode.
	SPVFilter *bloom.Filter

	// TrickleInterval is the duration of the ticker which trickles down
	// the inventory to a peer.
	TrickleInterval time.Duration

	// Listeners houses callback functions to be invoked on receiving
	// peer messages.
	Listeners MessageListeners
}

// newNetAddress attempts to extract the IP address and port from the
// passed net.Addr interface and create a bitcoin NetAddress structure
// using that information.
func newNetAddress(addr net.Addr, services wire.ServiceFlag) (*wire.NetAddress, error) {
	// addr will be a net.TCPAddr when not using a proxy.
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		ip := tcpAddr.IP
		port := uint16(tcpAddr.Port)
		na := wire.NewNetAddressIPPort(ip, port, services)
		return na, nil
	}

	// addr will be a socks.ProxiedAddr when using a proxy.
	if proxiedAddr, ok := addr.(*socks.ProxiedAddr); ok {
		ip := net.ParseIP(proxiedAddr.Host)
		if ip == nil {
			ip = net.ParseIP("0.0.0.0")
		}
		port := uint16(proxiedAddr.Port)
		na := wire.NewNetAddressIPPort(ip, port, services)
		return na, nil
	}

	// For the most part, addr should be one of the two above cases, but
	// to be safe, fall back to trying to parse the information from the
	// address string as a last resort.
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	na := wire.NewNetAddressIPPort(ip, uint16(port), services)
	return na, nil
}

// outMsg is used to house a message to be sent along with a channel to
// signal when the message has been sent (or won't be sent due to things
// such as shutdown).  The checksum, when non-nil, is the precomputed
// framing checksum for the payload.
type outMsg struct {
	msg      wire.Message
	doneChan chan<- struct{}
	encoding wire.MessageEncoding
	checksum []byte
}

// StatsSnap is a snapshot of peer stats at a point in time.
type StatsSnap struct {
	ID             int32
	Addr           string
	Services       wire.ServiceFlag
	LastSend       time.Time
	LastRecv       time.Time
	BytesSent      uint64
	BytesRecv      uint64
	ConnTime       time.Time
	TimeOffset     int64
	Version        uint32
	UserAgent      string
	Inbound        bool
	StartingHeight int32
	LastBlock      int32
	LastPingNonce  uint64
	LastPingTime   time.Time
	LastPingMicros int64
	MinPingMicros  int64
	BanScore       uint32
}

// NOTE: The overall data flow of a peer is split into 5 goroutines.
// Inbound messages are read via the readHandler goroutine and generally
// dispatched to their own handler.  The data flow for outbound messages
// is split into 2 goroutines, queueHandler and writeHandler.
// The first is used as a way for external entities to queue messages
// quickly regardless of whether the peer is currently sending or not.
// It acts as the traffic cop between the external world and the actual
// goroutine which writes to the network socket.  Inventory announcements
// additionally pass through writeInvVectQueueHandler which batches them
// on a trickle timer.

// Peer provides a bitcoin peer session for handling bitcoin
// communications via the peer-to-peer protocol.  It provides full duplex
// reading and writing, automatic handling of the encryption,
// authentication and version handshake phases, keep-alive pings with
// round-trip tracking, inventory relay with per-peer policy and dedup,
// request/response tracking with timeouts, merkleblock and compact block
// reassembly, serving of chain and mempool data, and misbehavior
// scoring.
//
// Outbound messages are typically queued via QueueMessage or
// QueueInventory.  QueueMessage is intended for all messages, including
// responses to data such as blocks and transactions.  QueueInventory, on
// the other hand, is only intended for relaying inventory as it employs
// a trickling mechanism to batch the inventory together.
type Peer struct {
	// The following variables must only be used atomically.
	bytesReceived uint64
	bytesSent     uint64
	connected     int32
	disconnect    int32

	conn net.Conn

	// These fields are set at creation time and never modified, so they
	// are safe to read from concurrently without a mutex.
	addr    string
	cfg     Config
	inbound bool

	flagsMtx             sync.Mutex // protects the peer flags below
	na                   *wire.NetAddress
	id                   int32
	userAgent            string
	services             wire.ServiceFlag
	versionKnown         bool
	advertisedProtoVer   uint32 // protocol version advertised by remote
	protocolVersion      uint32 // negotiated protocol version
	verAckReceived       bool
	ack                  bool // version and verack both seen
	witnessEnabled       bool
	sendHeadersPreferred bool // peer sent a sendheaders message
	relayTxes            bool
	compactEnabled       bool // peer sent a sendcmpct message
	compactHighBandwidth bool
	sentAddr             bool
	syncSent             bool
	feeFilter            int64 // remote minimum relay fee rate, -1 unset

	knownInventory lru.Cache // hashes announced to the peer
	knownAddresses lru.Cache // addresses relayed to or by the peer

	// filter is the bloom filter the remote peer loaded, used to select
	// which transactions are relayed and to build filtered blocks.  The
	// bloom filter type is internally synchronized.
	filter atomic.Pointer[bloom.Filter]

	prevGetBlocksMtx   sync.Mutex
	prevGetBlocksBegin *chainhash.Hash
	prevGetBlocksStop  *chainhash.Hash
	prevGetHdrsMtx     sync.Mutex
	prevGetHdrsBegin   *chainhash.Hash
	prevGetHdrsStop    *chainhash.Hash

	// These fields keep track of statistics for the peer and are
	// protected by the statsMtx mutex.
	statsMtx           sync.RWMutex
	timeOffset         int64
	timeConnected      time.Time
	lastSend           time.Time
	lastRecv           time.Time
	startingHeight     int32
	lastBlock          int32
	lastAnnouncedBlock *chainhash.Hash
	lastPingNonce      uint64    // Set to nonce if we have a pending ping.
	lastPingTime       time.Time // Time we sent last ping.
	lastPingMicros     int64     // Time for last ping to return.
	minPingMicros      int64     // Best ping round trip, -1 unset.

	// reqs tracks outstanding waits for inbound messages.
	reqs *requestTable

	// ban tracks misbehavior.
	ban banScore

	// serveMtx serializes the serve-side handlers.  It is acquired with
	// TryLock; a second serve request arriving while one is being
	// served is dropped rather than queued.  hashContinue is only
	// accessed while it is held.
	serveMtx     sync.Mutex
	hashContinue *chainhash.Hash

	// Compact block reassembly state, protected by cmpctMtx since the
	// eviction timers fire off the input handler.
	cmpctMtx    sync.Mutex
	cmpctBlocks map[chainhash.Hash]*cmpctBlockSlot

	// Merkleblock collection state, only touched by the input handler.
	merkleBlock   *wire.MsgMerkleBlock
	merkleTxs     []*btcutil.Tx
	merkleWant    map[chainhash.Hash]struct{}
	merkleWaiting int

	localNonce uint64

	wg   sync.WaitGroup
	quit chan struct{}

	sendQueue         chan outMsg
	sendDoneQueue     chan struct{}
	outputQueue       chan outMsg
	writeInvVectQueue chan *wire.InvVect
}

// String returns the peer's address and directionality as a
// human-readable string.
//
// This function is safe for concurrent access.
func (p *Peer) String() string {
	return fmt.Sprintf("%s (%s)", p.addr, directionString(p.inbound))
}

// UpdateLastBlockHeight updates the last known block for the peer.
//
// This function is safe for concurrent access.
func (p *Peer) UpdateLastBlockHeight(newHeight int32) {
	p.statsMtx.Lock()
	log.Tracef("Updating last block height of peer %v from %v to %v",
		p.addr, p.lastBlock, newHeight)
	p.lastBlock = newHeight
	p.statsMtx.Unlock()
}

// UpdateLastAnnouncedBlock updates meta-data about the last block hash
// this peer is known to have announced.
//
// This function is safe for concurrent access.
func (p *Peer) UpdateLastAnnouncedBlock(blkHash *chainhash.Hash) {
	log.Tracef("Updating last blk for peer %v, %v", p.addr, blkHash)

	p.statsMtx.Lock()
	p.lastAnnouncedBlock = blkHash
	p.statsMtx.Unlock()
}

// AddKnownInventory adds the passed hash to the cache of inventory known
// to be held by the peer, suppressing re-announcements.
//
// This function is safe for concurrent access.
func (p *Peer) AddKnownInventory(hash *chainhash.Hash) {
	p.knownInventory.Add(*hash)
}

// IsKnownInventory returns whether the passed hash is in the known
// inventory cache.
//
// This function is safe for concurrent access.
func (p *Peer) IsKnownInventory(hash *chainhash.Hash) bool {
	return p.knownInventory.Contains(*hash)
}

// StatsSnapshot returns a snapshot of the current peer flags and
// statistics.
//
// This function is safe for concurrent access.
func (p *Peer) StatsSnapshot() *StatsSnap {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	p.flagsMtx.Lock()
	id := p.id
	addr := p.addr
	userAgent := p.userAgent
	services := p.services
	protocolVersion := p.advertisedProtoVer
	p.flagsMtx.Unlock()

	// Get a copy of all relevant flags and stats.
	return &StatsSnap{
		ID:             id,
		Addr:           addr,
		UserAgent:      userAgent,
		Services:       services,
		LastSend:       p.lastSend,
		LastRecv:       p.lastRecv,
		BytesSent:      atomic.LoadUint64(&p.bytesSent),
		BytesRecv:      atomic.LoadUint64(&p.bytesReceived),
		ConnTime:       p.timeConnected,
		TimeOffset:     p.timeOffset,
		Version:        protocolVersion,
		Inbound:        p.inbound,
		StartingHeight: p.startingHeight,
		LastBlock:      p.lastBlock,
		LastPingNonce:  p.lastPingNonce,
		LastPingMicros: p.lastPingMicros,
		LastPingTime:   p.lastPingTime,
		MinPingMicros:  p.minPingMicros,
		BanScore:       p.ban.value(),
	}
}

// ID returns the peer id.
//
// This function is safe for concurrent access.
func (p *Peer) ID() int32 {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.id
}

// NA returns the peer network address.
//
// This function is safe for concurrent access.
func (p *Peer) NA() *wire.NetAddress {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.na
}

// Addr returns the peer address.
//
// This function is safe for concurrent access.
func (p *Peer) Addr() string {
	// The address doesn't change after initialization, therefore it is
	// not protected by a mutex.
	return p.addr
}

// Inbound returns whether the peer is inbound.
//
// This function is safe for concurrent access.
func (p *Peer) Inbound() bool {
	return p.inbound
}

// Services returns the services flag of the remote peer.
//
// This function is safe for concurrent access.
func (p *Peer) Services() wire.ServiceFlag {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.services
}

// UserAgent returns the user agent of the remote peer.
//
// This function is safe for concurrent access.
func (p *Peer) UserAgent() string {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.userAgent
}

// LastAnnouncedBlock returns the last announced block of the remote
// peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastAnnouncedBlock() *chainhash.Hash {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.lastAnnouncedBlock
}

// LastPingNonce returns the last ping nonce of the remote peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastPingNonce() uint64 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.lastPingNonce
}

// LastPingTime returns the last ping time of the remote peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastPingTime() time.Time {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.lastPingTime
}

// LastPingMicros returns the last ping micros of the remote peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastPingMicros() int64 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.lastPingMicros
}

// MinPingMicros returns the best ping round trip observed for the peer,
// or -1 when no ping has completed yet.
//
// This function is safe for concurrent access.
func (p *Peer) MinPingMicros() int64 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.minPingMicros
}

// VersionKnown returns the whether or not the version of a peer is
// known locally.
//
// This function is safe for concurrent access.
func (p *Peer) VersionKnown() bool {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.versionKnown
}

// VerAckReceived returns whether or not a verack message was received by
// the peer.
//
// This function is safe for concurrent access.
func (p *Peer) VerAckReceived() bool {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.verAckReceived
}

// Ack returns whether the version handshake completed in both
// directions.  Ack implies the remote version message is present.
//
// This function is safe for concurrent access.
func (p *Peer) Ack() bool {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.ack
}

// ProtocolVersion returns the negotiated peer protocol version.
//
// This function is safe for concurrent access.
func (p *Peer) ProtocolVersion() uint32 {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.protocolVersion
}

// IsWitnessEnabled returns true if the peer has signalled that it
// supports segregated witness, either via the service bit or a
// havewitness upgrade.
//
// This function is safe for concurrent access.
func (p *Peer) IsWitnessEnabled() bool {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.witnessEnabled
}

// WantsHeaders returns if the peer wants header messages instead of
// inventory vectors for blocks.
//
// This function is safe for concurrent access.
func (p *Peer) WantsHeaders() bool {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.sendHeadersPreferred
}

// RelayTxes returns whether the remote peer asked for transaction
// inventory to be relayed to it.
//
// This function is safe for concurrent access.
func (p *Peer) RelayTxes() bool {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.relayTxes
}

// FeeFilter returns the minimum fee rate, in satoshi per kilobyte, the
// remote peer asked transaction relay to be limited to, or -1 when no
// feefilter message has been received.
//
// This function is safe for concurrent access.
func (p *Peer) FeeFilter() int64 {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.feeFilter
}

// Filter returns the bloom filter the remote peer loaded, or nil.
//
// This function is safe for concurrent access.
func (p *Peer) Filter() *bloom.Filter {
	return p.filter.Load()
}

// BanScore returns the current ban score of the peer.
//
// This function is safe for concurrent access.
func (p *Peer) BanScore() uint32 {
	return p.ban.value()
}

// LastBlock returns the last block of the peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastBlock() int32 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.lastBlock
}

// LastSend returns the last send time of the peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastSend() time.Time {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.lastSend
}

// LastRecv returns the last recv time of the peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastRecv() time.Time {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.lastRecv
}

// BytesSent returns the total number of bytes sent by the peer.
//
// This function is safe for concurrent access.
func (p *Peer) BytesSent() uint64 {
	return atomic.LoadUint64(&p.bytesSent)
}

// BytesReceived returns the total number of bytes received by the peer.
//
// This function is safe for concurrent access.
func (p *Peer) BytesReceived() uint64 {
	return atomic.LoadUint64(&p.bytesReceived)
}

// TimeConnected returns the time at which the peer connected.
//
// This function is safe for concurrent access.
func (p *Peer) TimeConnected() time.Time {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.timeConnected
}

// TimeOffset returns the number of seconds the local time was offset
// from the time the peer reported during the initial negotiation phase.
// Negative values indicate the remote peer's time is before the local
// time.
//
// This function is safe for concurrent access.
func (p *Peer) TimeOffset() int64 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.timeOffset
}

// StartingHeight returns the last known height the peer reported during
// the initial negotiation phase.
//
// This function is safe for concurrent access.
func (p *Peer) StartingHeight() int32 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.startingHeight
}

// Request registers a wait for the next inbound message of the passed
// command.  The handler runs on the input handler goroutine when a
// matching message arrives, or on the timeout timer with
// ErrRequestTimeout.  Returning true from the handler keeps the entry
// armed for a further message of the same command.
func (p *Peer) Request(cmd string, handler ResponseHandler) *RequestEntry {
	return p.reqs.request(cmd, handler)
}

// localVersionMsg creates a version message that can be used to send to
// the remote peer.
func (p *Peer) localVersionMsg() (*wire.MsgVersion, error) {
	var blockNum int32
	if p.cfg.Chain != nil {
		blockNum = p.cfg.Chain.BestHeight()
	}

	theirNA := p.na

	// If we are behind a proxy and the connection comes from the proxy
	// then we return an unroutable address as their address.  This is to
	// prevent leaking the tor proxy address.
	if p.cfg.Proxy != "" {
		proxyaddress, _, err := net.SplitHostPort(p.cfg.Proxy)
		// invalid proxy means poorly configured, be on the safe side.
		if err != nil || p.na.IP.String() == proxyaddress {
			theirNA = wire.NewNetAddressIPPort(net.IP([]byte{0, 0, 0, 0}),
				0, theirNA.Services)
		}
	}

	// Our address is unknown to us at this layer; the pool can rewrite
	// the relayed address when it knows better.
	ourNA := &wire.NetAddress{
		Services: p.cfg.Services,
	}

	// Version message.
	msg := wire.NewMsgVersion(ourNA, theirNA, p.localNonce, blockNum)
	msg.AddUserAgent(p.cfg.UserAgentName, p.cfg.UserAgentVersion,
		p.cfg.UserAgentComments...)

	// Advertise local services.
	msg.Services = p.cfg.Services

	// Advertise our max supported protocol version.
	msg.ProtocolVersion = int32(p.cfg.protocolVersion())

	// Advertise if inv messages for transactions are desired.
	msg.DisableRelayTx = p.cfg.DisableRelayTx

	return msg, nil
}

// protocolVersion returns the configured maximum protocol version,
// falling back to MaxProtocolVersion.
func (cfg *Config) protocolVersion() uint32 {
	if cfg.ProtocolVersion != 0 {
		return cfg.ProtocolVersion
	}
	return MaxProtocolVersion
}

// PushAddrMsg sends an addr message to the connected peer using the
// provided addresses.  This function is useful over manually sending the
// message via QueueMessage since it automatically limits the addresses
// to the maximum number allowed by the message and randomizes the chosen
// addresses when there are too many.  It also filters addresses already
// relayed through this peer.  It returns the addresses that were
// actually sent and no message will be sent if there are no entries in
// the provided addresses slice.
//
// This function is safe for concurrent access.
func (p *Peer) PushAddrMsg(addresses []*wire.NetAddress) ([]*wire.NetAddress, error) {
	addressCount := len(addresses)

	// Nothing to send.
	if addressCount == 0 {
		return nil, nil
	}

	msg := wire.NewMsgAddr()
	for _, na := range addresses {
		// Filter addresses already known to the peer.
		key := addressKey(na)
		if p.knownAddresses.Contains(key) {
			continue
		}
		msg.AddrList = append(msg.AddrList, na)
	}
	if len(msg.AddrList) == 0 {
		return nil, nil
	}

	// Randomize the addresses sent if there are more than the maximum
	// allowed.
	if len(msg.AddrList) > wire.MaxAddrPerMsg {
		// Shuffle the address list.
		for i := range msg.AddrList {
			j := rand.Intn(i + 1)
			msg.AddrList[i], msg.AddrList[j] = msg.AddrList[j], msg.AddrList[i]
		}

		// Truncate it to the maximum size.
		msg.AddrList = msg.AddrList[:wire.MaxAddrPerMsg]
	}

	for _, na := range msg.AddrList {
		p.knownAddresses.Add(addressKey(na))
	}

	p.QueueMessage(msg, nil)
	return msg.AddrList, nil
}

// addressKey returns the lookup key of a network address used by the
// known addresses cache.
func addressKey(na *wire.NetAddress) string {
	return net.JoinHostPort(na.IP.String(), strconv.Itoa(int(na.Port)))
}

// PushGetBlocksMsg sends a getblocks message for the provided block
// locator and stop hash.  It will ignore back-to-back duplicate
// requests.
//
// This function is safe for concurrent access.
func (p *Peer) PushGetBlocksMsg(locator []*chainhash.Hash, stopHash *chainhash.Hash) error {
	// Extract the begin hash from the block locator, if one was
	// specified, to use for filtering duplicate getblocks requests.
	var beginHash *chainhash.Hash
	if len(locator) > 0 {
		beginHash = locator[0]
	}

	// Filter duplicate getblocks requests.
	p.prevGetBlocksMtx.Lock()
	isDuplicate := p.prevGetBlocksStop != nil && p.prevGetBlocksBegin != nil &&
		beginHash != nil && stopHash.IsEqual(p.prevGetBlocksStop) &&
		beginHash.IsEqual(p.prevGetBlocksBegin)
	p.prevGetBlocksMtx.Unlock()

	if isDuplicate {
		log.Tracef("Filtering duplicate [getblocks] with begin "+
			"hash %v, stop hash %v", beginHash, stopHash)
		return nil
	}

	// Construct the getblocks request and queue it to be sent.
	msg := wire.NewMsgGetBlocks(stopHash)
	for _, hash := range locator {
		if err := msg.AddBlockLocatorHash(hash); err != nil {
			return err
		}
	}
	p.QueueMessage(msg, nil)

	// Update the previous getblocks request information for filtering
	// duplicates.
	p.prevGetBlocksMtx.Lock()
	p.prevGetBlocksBegin = beginHash
	p.prevGetBlocksStop = stopHash
	p.prevGetBlocksMtx.Unlock()
	return nil
}

// PushGetHeadersMsg sends a getheaders message for the provided block
// locator and stop hash.  It will ignore back-to-back duplicate
// requests.
//
// This function is safe for concurrent access.
func (p *Peer) PushGetHeadersMsg(locator []*chainhash.Hash, stopHash *chainhash.Hash) error {
	// Extract the begin hash from the block locator, if one was
	// specified, to use for filtering duplicate getheaders requests.
	var beginHash *chainhash.Hash
	if len(locator) > 0 {
		beginHash = locator[0]
	}

	// Filter duplicate getheaders requests.
	p.prevGetHdrsMtx.Lock()
	isDuplicate := p.prevGetHdrsStop != nil && p.prevGetHdrsBegin != nil &&
		beginHash != nil && stopHash.IsEqual(p.prevGetHdrsStop) &&
		beginHash.IsEqual(p.prevGetHdrsBegin)
	p.prevGetHdrsMtx.Unlock()

	if isDuplicate {
		log.Tracef("Filtering duplicate [getheaders] with begin hash %v",
			beginHash)
		return nil
	}

	// Construct the getheaders request and queue it to be sent.
	msg := wire.NewMsgGetHeaders()
	msg.HashStop = *stopHash
	for _, hash := range locator {
		if err := msg.AddBlockLocatorHash(hash); err != nil {
			return err
		}
	}
	p.QueueMessage(msg, nil)

	// Update the previous getheaders request information for filtering
	// duplicates.
	p.prevGetHdrsMtx.Lock()
	p.prevGetHdrsBegin = beginHash
	p.prevGetHdrsStop = stopHash
	p.prevGetHdrsMtx.Unlock()
	return nil
}

// PushRejectMsg sends a reject message for the provided command, reject
// code, reject reason, and hash.  The hash will only be used when the
// command is a tx or block and should be nil in other cases.  The wait
// parameter will cause the function to block until the reject message
// has actually been sent.
//
// This function is safe for concurrent access.
func (p *Peer) PushRejectMsg(command string, code wire.RejectCode, reason string, hash *chainhash.Hash, wait bool) {
	// Don't bother sending the reject message if the protocol version
	// is too low.
	if p.VersionKnown() && p.ProtocolVersion() < wire.RejectVersion {
		return
	}

	msg := wire.NewMsgReject(command, code, reason)
	if command == wire.CmdTx || command == wire.CmdBlock {
		if hash == nil {
			log.Warnf("Sending a reject message for command "+
				"type %v which should have specified a hash "+
				"but does not", command)
			hash = &zeroHash
		}
		msg.Hash = *hash
	}

	// Send the message without waiting if the caller has not requested
	// it.
	if !wait {
		p.QueueMessage(msg, nil)
		return
	}

	// Send the message and block until it has been sent before
	// returning.
	doneChan := make(chan struct{}, 1)
	p.QueueMessage(msg, doneChan)
	<-doneChan
}

// addBanScore increases the persistent and decaying ban scores of the
// peer and reports the result to the pool.  The peer is disconnected
// when the total score crosses the ban threshold, and true is returned.
func (p *Peer) addBanScore(persistent, transient uint32, reason string) bool {
	if persistent == 0 && transient == 0 {
		// The score is not being increased, but a warning message is
		// still logged if the score is above the warn threshold.
		score := p.ban.value()
		if score > WarnThreshold {
			log.Warnf("Misbehaving peer %s: %s -- ban score is %d, "+
				"it was not increased this time", p, reason, score)
		}
		return false
	}
	score := p.ban.bumpAt(time.Now(), persistent, transient)
	if p.cfg.Misbehaving != nil {
		p.cfg.Misbehaving(p, score, reason)
	}
	if score > WarnThreshold {
		log.Warnf("Misbehaving peer %s: %s -- ban score increased to %d",
			p, reason, score)
	}
	if score >= BanThreshold {
		log.Warnf("Misbehaving peer %s -- banning and disconnecting", p)
		p.Disconnect()
		return true
	}
	return false
}

// handleRemoteVersionMsg is invoked when a version bitcoin message is
// received from the remote peer.  It applies the negotiation policy
// checks and updates the peer state accordingly.
func (p *Peer) handleRemoteVersionMsg(msg *wire.MsgVersion) error {
	// Detect self connections.
	if !p.cfg.AllowSelfConns && msg.Nonce == p.localNonce {
		return errors.New("disconnecting peer connected to self")
	}

	// Notify and disconnect clients that have a protocol version that
	// is too old.
	if uint32(msg.ProtocolVersion) < MinAcceptableProtocolVersion {
		// Send a reject message indicating the protocol version is
		// obsolete and wait for the message to be sent before
		// disconnecting.
		reason := fmt.Sprintf("protocol version must be %d or greater",
			MinAcceptableProtocolVersion)
		rejectMsg := wire.NewMsgReject(msg.Command(), wire.RejectObsolete,
			reason)
		_ = p.writeMessage(rejectMsg, wire.BaseEncoding, nil)
		return errors.New(reason)
	}

	// Outbound connections must be to full nodes.
	requiredServices := p.cfg.RequiredServices
	if !p.inbound {
		requiredServices |= wire.SFNodeNetwork
	}

	// SPV mode requires bloom filter support on the remote.
	if p.cfg.SPV {
		requiredServices |= wire.SFNodeBloom
	}

	// Witness support is required when configured, with the havewitness
	// probe as a fallback on networks whose handshake predates the
	// service bit.
	witnessEnabled := msg.HasService(wire.SFNodeWitness)
	if p.cfg.Witness && !p.cfg.WitnessProbe {
		requiredServices |= wire.SFNodeWitness
	}

	if missing := requiredServices & ^msg.Services; missing != 0 {
		reason := fmt.Sprintf("required services %v not offered",
			missing)
		rejectMsg := wire.NewMsgReject(msg.Command(),
			wire.RejectNonstandard, reason)
		_ = p.writeMessage(rejectMsg, wire.BaseEncoding, nil)
		return errors.New(reason)
	}

	// Updating a bunch of stats including block based stats, and the
	// peer's time offset.
	p.statsMtx.Lock()
	p.lastBlock = msg.LastBlock
	p.startingHeight = msg.LastBlock
	p.timeOffset = msg.Timestamp.Unix() - time.Now().Unix()
	p.statsMtx.Unlock()

	// Negotiate the protocol version and set the services to what the
	// remote peer advertised.
	p.flagsMtx.Lock()
	p.advertisedProtoVer = uint32(msg.ProtocolVersion)
	if p.advertisedProtoVer < p.protocolVersion {
		p.protocolVersion = p.advertisedProtoVer
	}
	p.versionKnown = true
	p.services = msg.Services
	p.userAgent = msg.UserAgent
	p.witnessEnabled = p.witnessEnabled || witnessEnabled
	if uint32(msg.ProtocolVersion) >= wire.BIP0037Version {
		p.relayTxes = !msg.DisableRelayTx
	}
	log.Debugf("Negotiated protocol version %d for peer %s",
		p.protocolVersion, p)
	p.flagsMtx.Unlock()

	return nil
}

// readMessage reads the next bitcoin message from the peer with logging.
func (p *Peer) readMessage(encoding wire.MessageEncoding) (wire.Message, []byte, error) {
	n, msg, buf, err := wirex.ReadMessageWithEncodingN(p.conn,
		p.ProtocolVersion(), p.cfg.ChainParams.Net, encoding)
	atomic.AddUint64(&p.bytesReceived, uint64(n))
	if p.cfg.Listeners.OnRead != nil {
		p.cfg.Listeners.OnRead(p, n, msg, err)
	}
	if err != nil {
		return nil, nil, err
	}

	// Use closures to log expensive operations so they are only run
	// when the logging level requires it.
	log.Debugf("%v", newLogClosure(func() string {
		// Debug summary of message.
		summary := messageSummary(msg)
		if len(summary) > 0 {
			summary = " (" + summary + ")"
		}
		return fmt.Sprintf("Received %v%s from %s",
			msg.Command(), summary, p)
	}))
	log.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(msg)
	}))
	log.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(buf)
	}))

	return msg, buf, nil
}

// writeMessage sends a bitcoin message to the peer with logging.
func (p *Peer) writeMessage(msg wire.Message, enc wire.MessageEncoding, checksum []byte) error {
	// Don't do anything if we're disconnecting.
	if atomic.LoadInt32(&p.disconnect) != 0 {
		return nil
	}

	// Use closures to log expensive operations so they are only run
	// when the logging level requires it.
	log.Debugf("%v", newLogClosure(func() string {
		// Debug summary of message.
		summary := messageSummary(msg)
		if len(summary) > 0 {
			summary = " (" + summary + ")"
		}
		return fmt.Sprintf("Sending %v%s to %s", msg.Command(),
			summary, p)
	}))
	log.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(msg)
	}))

	// Write the message to the peer.
	n, err := wirex.WriteMessageWithEncodingN(p.conn, msg,
		p.ProtocolVersion(), p.cfg.ChainParams.Net, enc, checksum)
	atomic.AddUint64(&p.bytesSent, uint64(n))
	p.statsMtx.Lock()
	p.lastSend = time.Now()
	p.statsMtx.Unlock()
	if p.cfg.Listeners.OnWrite != nil {
		p.cfg.Listeners.OnWrite(p, n, msg, err)
	}
	return err
}

// shouldHandleReadError returns whether or not the passed error, which
// is expected to have come from reading from the remote peer in the
// readHandler, should be logged and responded to with a reject message.
func (p *Peer) shouldHandleReadError(err error) bool {
	// No logging or reject message when the peer is being forcibly
	// disconnected.
	if atomic.LoadInt32(&p.disconnect) != 0 {
		return false
	}

	// No logging or reject message when the remote peer has been
	// disconnected.
	if err == io.EOF {
		return false
	}
	if opErr, ok := err.(*net.OpError); ok && !opErr.Temporary() {
		return false
	}

	return true
}

// handlePingMsg is invoked when a peer receives a ping bitcoin message.
// For recent clients (protocol version > BIP0031Version), it replies
// with a pong message.  For older clients, it does nothing and anything
// other than failure is considered a successful ping.
func (p *Peer) handlePingMsg(msg *wire.MsgPing) {
	// Only reply with pong if the message is from a new enough client.
	if p.ProtocolVersion() > wire.BIP0031Version {
		// Include nonce from ping so pong can be identified.
		p.QueueMessage(wire.NewMsgPong(msg.Nonce), nil)
	}
}

// handlePongMsg is invoked when a peer receives a pong bitcoin message.
// It updates the ping round trip statistics.  A pong is only meaningful
// when it answers the single outstanding ping challenge: a zero nonce
// clears the challenge silently and a mismatched nonce is logged but
// does not clear it.
func (p *Peer) handlePongMsg(msg *wire.MsgPong) {
	if p.ProtocolVersion() <= wire.BIP0031Version {
		return
	}

	p.statsMtx.Lock()
	defer p.statsMtx.Unlock()

	switch {
	case msg.Nonce == 0:
		p.lastPingNonce = 0

	case p.lastPingNonce != 0 && msg.Nonce == p.lastPingNonce:
		micros := time.Since(p.lastPingTime).Microseconds()
		if micros < 0 {
			// The monotonic clock says the pong predates the ping;
			// report but keep the minimum untouched.
			log.Debugf("Timing mismatch for pong from %s", p)
			p.lastPingNonce = 0
			return
		}
		p.lastPingMicros = micros
		if p.minPingMicros < 0 || micros < p.minPingMicros {
			p.minPingMicros = micros
		}
		p.lastPingNonce = 0

	default:
		log.Debugf("Unexpected pong nonce %d from %s", msg.Nonce, p)
	}
}

// sendPing sends a ping challenge to the remote peer.  Old clients get a
// legacy nonce-less ping.  A new challenge is suppressed while a
// previous one is outstanding.
func (p *Peer) sendPing() {
	if p.ProtocolVersion() <= wire.BIP0031Version {
		// The encoding of a ping for old clients carries no nonce
		// and no pong is expected in return.
		p.QueueMessage(wire.NewMsgPing(0), nil)
		return
	}

	p.statsMtx.RLock()
	pending := p.lastPingNonce
	p.statsMtx.RUnlock()
	if pending != 0 {
		log.Debugf("Ping to %s still pending (nonce %d)", p, pending)
		return
	}

	nonce, err := wire.RandomUint64()
	if err != nil {
		log.Errorf("Not sending ping to %s: %v", p, err)
		return
	}
	p.QueueMessage(wire.NewMsgPing(nonce), nil)
}

// handleGetAddrMsg is invoked when a peer receives a getaddr bitcoin
// message.  Addresses are served at most once per connection; repeated
// requests are only logged.
func (p *Peer) handleGetAddrMsg(msg *wire.MsgGetAddr) {
	p.flagsMtx.Lock()
	sentAddr := p.sentAddr
	p.sentAddr = true
	p.flagsMtx.Unlock()

	if sentAddr {
		log.Debugf("Ignoring repeated getaddr request from peer %v", p)
		return
	}

	if p.cfg.Listeners.OnGetAddr != nil {
		p.cfg.Listeners.OnGetAddr(p, msg)
	}
}

// handleAddrMsg is invoked when a peer receives an addr bitcoin message.
// Addresses already relayed through this peer are filtered out before
// the listener runs.
func (p *Peer) handleAddrMsg(msg *wire.MsgAddr) {
	filtered := msg.AddrList[:0]
	for _, na := range msg.AddrList {
		key := addressKey(na)
		if p.knownAddresses.Contains(key) {
			continue
		}
		p.knownAddresses.Add(key)
		filtered = append(filtered, na)
	}
	msg.AddrList = filtered
	if len(msg.AddrList) == 0 {
		return
	}

	if p.cfg.Listeners.OnAddr != nil {
		p.cfg.Listeners.OnAddr(p, msg)
	}
}

// handleFeeFilterMsg is invoked when a peer receives a feefilter bitcoin
// message.  The advertised rate limits subsequent transaction
// announcements to the peer.
func (p *Peer) handleFeeFilterMsg(msg *wire.MsgFeeFilter) bool {
	if msg.MinFee < 0 || msg.MinFee > btcutil.MaxSatoshi {
		p.addBanScore(malformedBanScore, 0, "invalid feefilter rate")
		return false
	}

	p.flagsMtx.Lock()
	p.feeFilter = msg.MinFee
	p.flagsMtx.Unlock()
	return true
}

// handleFilterLoadMsg is invoked when a peer receives a filterload
// bitcoin message.  Loading a filter implicitly turns transaction relay
// back on.
func (p *Peer) handleFilterLoadMsg(msg *wire.MsgFilterLoad) bool {
	if len(msg.Filter) > wire.MaxFilterLoadFilterSize ||
		msg.HashFuncs > wire.MaxFilterLoadHashFuncs {

		p.addBanScore(severeBanScore, 0, "oversized filterload")
		return false
	}

	p.filter.Store(bloom.LoadFilter(msg))
	p.flagsMtx.Lock()
	p.relayTxes = true
	p.flagsMtx.Unlock()
	return true
}

// handleFilterAddMsg is invoked when a peer receives a filteradd bitcoin
// message.
func (p *Peer) handleFilterAddMsg(msg *wire.MsgFilterAdd) bool {
	if len(msg.Data) > wire.MaxFilterAddDataSize {
		p.addBanScore(severeBanScore, 0, "oversized filteradd data")
		return false
	}

	filter := p.filter.Load()
	if filter == nil {
		p.addBanScore(severeBanScore, 0, "filteradd with no filter loaded")
		return false
	}
	filter.Add(msg.Data)
	return true
}

// handleFilterClearMsg is invoked when a peer receives a filterclear
// bitcoin message.
func (p *Peer) handleFilterClearMsg(msg *wire.MsgFilterClear) {
	p.filter.Store(nil)
	p.flagsMtx.Lock()
	p.relayTxes = true
	p.flagsMtx.Unlock()
}

// isValidBIP0111 is a helper function for the bloom filter commands to
// check BIP0111 compliance.
func (p *Peer) isValidBIP0111(cmd string) bool {
	if p.cfg.Services&wire.SFNodeBloom != wire.SFNodeBloom {
		if p.ProtocolVersion() >= wire.BIP0111Version {
			log.Debugf("%s sent an unsupported %s request -- "+
				"disconnecting", p, cmd)
			p.Disconnect()
		} else {
			log.Debugf("Ignoring %s request from %s -- bloom "+
				"support is disabled", cmd, p)
		}
		return false
	}

	return true
}

// handleInvMsg is invoked when a peer receives an inv bitcoin message.
// An announcement beyond the protocol limit is a bannable violation and
// produces no event.
func (p *Peer) handleInvMsg(msg *wire.MsgInv) {
	if len(msg.InvList) > wire.MaxInvPerMsg {
		p.addBanScore(severeBanScore, 0, "oversized inv")
		return
	}

	// Whatever the peer announces, it has.
	for _, iv := range msg.InvList {
		p.AddKnownInventory(&iv.Hash)
	}

	if p.cfg.Listeners.OnInv != nil {
		p.cfg.Listeners.OnInv(p, msg)
	}
}

// handleHeadersMsg is invoked when a peer receives a headers bitcoin
// message.  An announcement beyond the protocol limit is a bannable
// violation and produces no event.
func (p *Peer) handleHeadersMsg(msg *wire.MsgHeaders) {
	if len(msg.Headers) > wire.MaxBlockHeadersPerMsg {
		p.addBanScore(severeBanScore, 0, "oversized headers")
		return
	}

	if p.cfg.Listeners.OnHeaders != nil {
		p.cfg.Listeners.OnHeaders(p, msg)
	}
}

// handleTxMsg is invoked when a peer receives a tx bitcoin message.  The
// transaction is first offered to any in-flight merkleblock collection;
// transactions that are not part of one flow to the OnTx listener.
func (p *Peer) handleTxMsg(msg *wire.MsgTx) {
	tx := btcutil.NewTx(msg)
	if p.collectMerkleTx(tx) {
		return
	}

	if p.cfg.Listeners.OnTx != nil {
		p.cfg.Listeners.OnTx(p, msg)
	}
}

// readHandler handles all incoming messages for the peer.  It must be
// run as a goroutine.
func (p *Peer) readHandler() {
	// The timer is stopped when a new message is received and reset
	// after it is processed.
	idleTimer := time.AfterFunc(idleTimeout, func() {
		log.Warnf("Peer %s no answer for %s -- disconnecting", p, idleTimeout)
		p.Disconnect()
	})

out:
	for atomic.LoadInt32(&p.disconnect) == 0 {
		rmsg, buf, err := p.readMessage(wire.WitnessEncoding)
		idleTimer.Stop()
		if err != nil {
			// A message with an unknown command is not fatal;
			// surface it upward and keep reading.
			if uerr, ok := err.(*wirex.UnknownCommandError); ok {
				p.flushMerkleSlot()
				log.Debugf("Received unknown message command %q "+
					"from %s", uerr.Command, p)
				if p.cfg.Listeners.OnUnknown != nil {
					p.cfg.Listeners.OnUnknown(p, uerr.Command)
				}
				idleTimer.Reset(idleTimeout)
				continue
			}

			// Only log the error and send a reject message if the
			// local peer is not forcibly disconnecting and the
			// remote peer has not disconnected.
			if p.shouldHandleReadError(err) {
				errMsg := fmt.Sprintf("Can't read message from %s: %v", p, err)
				if err != io.ErrUnexpectedEOF {
					log.Errorf(errMsg)
				}

				// Push a reject message for the malformed message
				// and wait for the message to be sent before
				// disconnecting.
				if _, ok := err.(*wire.MessageError); ok {
					p.addBanScore(malformedBanScore, 0,
						"malformed message")
					p.PushRejectMsg("malformed",
						wire.RejectMalformed, errMsg, nil, true)
				}
			}
			break out
		}
		p.statsMtx.Lock()
		p.lastRecv = time.Now()
		p.statsMtx.Unlock()

		// A non-transaction message ends any in-flight merkleblock
		// collection.
		if _, ok := rmsg.(*wire.MsgTx); !ok {
			p.flushMerkleSlot()
		}

		// Fulfill any outstanding request entry waiting on this
		// command before the regular handler observes the message.
		p.reqs.response(rmsg.Command(), rmsg)

		// Handle each supported message type.
		switch msg := rmsg.(type) {
		case *wire.MsgVersion:
			// Limit to one version message per peer.
			p.PushRejectMsg(msg.Command(), wire.RejectDuplicate,
				"duplicate version message", nil, true)
			break out

		case *wire.MsgVerAck:
			log.Infof("Already received 'verack' from peer %v -- "+
				"disconnecting", p)
			break out

		case *wire.MsgGetAddr:
			p.handleGetAddrMsg(msg)

		case *wire.MsgAddr:
			p.handleAddrMsg(msg)

		case *wire.MsgPing:
			p.handlePingMsg(msg)
			if p.cfg.Listeners.OnPing != nil {
				p.cfg.Listeners.OnPing(p, msg)
			}

		case *wire.MsgPong:
			p.handlePongMsg(msg)
			if p.cfg.Listeners.OnPong != nil {
				p.cfg.Listeners.OnPong(p, msg)
			}

		case *wirex.MsgAlert:
			if p.cfg.Listeners.OnAlert != nil {
				p.cfg.Listeners.OnAlert(p, msg)
			}

		case *wire.MsgMemPool:
			p.handleMemPoolMsg(msg)
			if p.cfg.Listeners.OnMemPool != nil {
				p.cfg.Listeners.OnMemPool(p, msg)
			}

		case *wire.MsgTx:
			p.handleTxMsg(msg)

		case *wire.MsgBlock:
			p.AddKnownInventory(blockHash(msg))
			if p.cfg.Listeners.OnBlock != nil {
				p.cfg.Listeners.OnBlock(p, msg, buf)
			}

		case *wire.MsgInv:
			p.handleInvMsg(msg)

		case *wire.MsgHeaders:
			p.handleHeadersMsg(msg)

		case *wire.MsgNotFound:
			if p.cfg.Listeners.OnNotFound != nil {
				p.cfg.Listeners.OnNotFound(p, msg)
			}

		case *wire.MsgGetData:
			p.handleGetDataMsg(msg)
			if p.cfg.Listeners.OnGetData != nil {
				p.cfg.Listeners.OnGetData(p, msg)
			}

		case *wire.MsgGetBlocks:
			p.handleGetBlocksMsg(msg)
			if p.cfg.Listeners.OnGetBlocks != nil {
				p.cfg.Listeners.OnGetBlocks(p, msg)
			}

		case *wire.MsgGetHeaders:
			p.handleGetHeadersMsg(msg)
			if p.cfg.Listeners.OnGetHeaders != nil {
				p.cfg.Listeners.OnGetHeaders(p, msg)
			}

		case *wirex.MsgGetUTXOs:
			p.handleGetUTXOsMsg(msg)
			if p.cfg.Listeners.OnGetUTXOs != nil {
				p.cfg.Listeners.OnGetUTXOs(p, msg)
			}

		case *wirex.MsgUTXOs:
			if p.cfg.Listeners.OnUTXOs != nil {
				p.cfg.Listeners.OnUTXOs(p, msg)
			}

		case *wire.MsgFeeFilter:
			if p.handleFeeFilterMsg(msg) &&
				p.cfg.Listeners.OnFeeFilter != nil {

				p.cfg.Listeners.OnFeeFilter(p, msg)
			}

		case *wire.MsgFilterAdd:
			if p.isValidBIP0111(msg.Command()) &&
				p.handleFilterAddMsg(msg) &&
				p.cfg.Listeners.OnFilterAdd != nil {

				p.cfg.Listeners.OnFilterAdd(p, msg)
			}

		case *wire.MsgFilterClear:
			if p.isValidBIP0111(msg.Command()) {
				p.handleFilterClearMsg(msg)
				if p.cfg.Listeners.OnFilterClear != nil {
					p.cfg.Listeners.OnFilterClear(p, msg)
				}
			}

		case *wire.MsgFilterLoad:
			if p.isValidBIP0111(msg.Command()) &&
				p.handleFilterLoadMsg(msg) &&
				p.cfg.Listeners.OnFilterLoad != nil {

				p.cfg.Listeners.OnFilterLoad(p, msg)
			}

		case *wire.MsgMerkleBlock:
			p.handleMerkleBlockMsg(msg)

		case *wire.MsgReject:
			if p.cfg.Listeners.OnReject != nil {
				p.cfg.Listeners.OnReject(p, msg)
			}

		case *wire.MsgSendHeaders:
			p.flagsMtx.Lock()
			p.sendHeadersPreferred = true
			p.flagsMtx.Unlock()
			if p.cfg.Listeners.OnSendHeaders != nil {
				p.cfg.Listeners.OnSendHeaders(p, msg)
			}

		case *wirex.MsgSendCmpct:
			p.handleSendCmpctMsg(msg)
			if p.cfg.Listeners.OnSendCmpct != nil {
				p.cfg.Listeners.OnSendCmpct(p, msg)
			}

		case *wirex.MsgCmpctBlock:
			p.handleCmpctBlockMsg(msg)
			if p.cfg.Listeners.OnCmpctBlock != nil {
				p.cfg.Listeners.OnCmpctBlock(p, msg)
			}

		case *wirex.MsgGetBlockTxn:
			p.handleGetBlockTxnMsg(msg)
			if p.cfg.Listeners.OnGetBlockTxn != nil {
				p.cfg.Listeners.OnGetBlockTxn(p, msg)
			}

		case *wirex.MsgBlockTxn:
			p.handleBlockTxnMsg(msg)
			if p.cfg.Listeners.OnBlockTxn != nil {
				p.cfg.Listeners.OnBlockTxn(p, msg)
			}

		case *wirex.MsgHaveWitness:
			p.flagsMtx.Lock()
			p.witnessEnabled = true
			p.flagsMtx.Unlock()
			if p.cfg.Listeners.OnHaveWitness != nil {
				p.cfg.Listeners.OnHaveWitness(p, msg)
			}

		case *wirex.MsgEncinit:
			// An encinit after the handshake window is a soft
			// anomaly.
			log.Debugf("Received encinit from %s outside the "+
				"handshake", p)
			if p.cfg.Listeners.OnEncinit != nil {
				p.cfg.Listeners.OnEncinit(p, msg)
			}

		case *wirex.MsgEncack:
			// A rekey signal on an established channel is driven
			// into the handshake object.
			if hs := p.cfg.Encryption; hs != nil && msg.Rekey() {
				if err := hs.Encack(msg.PubKey); err != nil {
					log.Debugf("Rekey from %s failed: %v", p, err)
				}
			} else {
				log.Debugf("Received encack from %s outside the "+
					"handshake", p)
			}
			if p.cfg.Listeners.OnEncack != nil {
				p.cfg.Listeners.OnEncack(p, msg)
			}

		case *wirex.MsgAuthChallenge:
			log.Debugf("Received authchallenge from %s outside the "+
				"handshake", p)
			if p.cfg.Listeners.OnAuthChallenge != nil {
				p.cfg.Listeners.OnAuthChallenge(p, msg)
			}

		case *wirex.MsgAuthReply:
			log.Debugf("Received authreply from %s outside the "+
				"handshake", p)
			if p.cfg.Listeners.OnAuthReply != nil {
				p.cfg.Listeners.OnAuthReply(p, msg)
			}

		case *wirex.MsgAuthPropose:
			log.Debugf("Received authpropose from %s outside the "+
				"handshake", p)
			if p.cfg.Listeners.OnAuthPropose != nil {
				p.cfg.Listeners.OnAuthPropose(p, msg)
			}

		default:
			log.Debugf("Received unhandled message of type %v "+
				"from %v", rmsg.Command(), p)
			if p.cfg.Listeners.OnUnknown != nil {
				p.cfg.Listeners.OnUnknown(p, rmsg.Command())
			}
		}
		idleTimer.Reset(idleTimeout)
	}

	idleTimer.Stop()

	// Ensure connection is closed.
	p.Disconnect()

	p.wg.Done()
	log.Tracef("Peer input handler done for %s", p)
}

// blockHash returns the hash of the passed block message as a pointer.
func blockHash(msg *wire.MsgBlock) *chainhash.Hash {
	hash := msg.BlockHash()
	return &hash
}

// queueHandler handles the queuing of outgoing data for the peer.  This
// runs as a muxer for various sources of input so we can ensure that
// the write handler cannot be blocked waiting on callers.  It acts as
// the traffic cop between the external world and the actual goroutine
// which writes to the network socket.  It must be run as a goroutine.
func (p *Peer) queueHandler() {
	pendingMsgs := list.New()

	// We keep the waiting flag so that we know if we have a message
	// queued to the writeHandler or not.  To avoid duplication below.
	waiting := false
	queuePacket := func(msg outMsg, list *list.List, waiting bool) bool {
		if !waiting {
			p.sendQueue <- msg
		} else {
			list.PushBack(msg)
		}
		// we are always waiting now.
		return true
	}
out:
	for {
		select {
		case msg := <-p.outputQueue:
			waiting = queuePacket(msg, pendingMsgs, waiting)

		case <-p.sendDoneQueue:
			// No longer waiting if there are no more messages in
			// the pending messages queue.
			next := pendingMsgs.Front()
			if next == nil {
				waiting = false
				continue
			}

			// Notify the writeHandler about the next item to
			// asynchronously send.
			val := pendingMsgs.Remove(next)
			p.sendQueue <- val.(outMsg)

		case <-p.quit:
			break out
		}
	}

	// Drain any wait channels before going away so there is nothing
	// left waiting on this goroutine.
	for e := pendingMsgs.Front(); e != nil; e = pendingMsgs.Front() {
		val := pendingMsgs.Remove(e)
		msg := val.(outMsg)
		if msg.doneChan != nil {
			msg.doneChan <- struct{}{}
		}
	}
cleanup:
	for {
		select {
		case msg := <-p.outputQueue:
			if msg.doneChan != nil {
				msg.doneChan <- struct{}{}
			}
		default:
			break cleanup
		}
	}

	p.wg.Done()
	log.Tracef("Peer queue handler done for %s", p)
}

// writeInvVectQueueHandler batches queued inventory and trickles it to
// the peer, applying the known inventory filter.  It must be run as a
// goroutine.
func (p *Peer) writeInvVectQueueHandler() {
	trickleInterval := p.cfg.TrickleInterval
	if trickleInterval <= 0 {
		trickleInterval = trickleTimeout
	}
	trickleTicker := time.NewTicker(trickleInterval)
	defer trickleTicker.Stop()

	pendingInvVects := make([]*wire.InvVect, 0)
out:
	for {
		select {
		case <-p.quit:
			break out

		case iv := <-p.writeInvVectQueue:
			pendingInvVects = append(pendingInvVects, iv)

		case <-trickleTicker.C:
			// Don't send anything if we're disconnecting or there
			// is no queued inventory.
			if atomic.LoadInt32(&p.disconnect) != 0 ||
				len(pendingInvVects) == 0 {
				continue
			}

			// Create and send as many inv messages as needed to
			// drain the inventory send queue, skipping anything the
			// peer is already known to have.
			invMsg := wire.NewMsgInvSizeHint(uint(len(pendingInvVects)))
			for _, iv := range pendingInvVects {
				if p.knownInventory.Contains(iv.Hash) {
					continue
				}

				invMsg.AddInvVect(iv)
				if len(invMsg.InvList) >= maxInvTrickleSize {
					p.QueueMessage(invMsg, nil)
					invMsg = wire.NewMsgInvSizeHint(
						uint(len(pendingInvVects)))
				}
				p.AddKnownInventory(&iv.Hash)
			}
			pendingInvVects = pendingInvVects[:0]

			if len(invMsg.InvList) > 0 {
				p.QueueMessage(invMsg, nil)
			}
		}
	}

	p.wg.Done()
	log.Tracef("Peer inventory queue handler done for %s", p)
}

// writeHandler handles the actual writing of messages to the network
// socket.  It must be run as a goroutine.
func (p *Peer) writeHandler() {
out:
	for {
		select {
		case <-p.quit:
			break out
		case msg := <-p.sendQueue:
			switch m := msg.msg.(type) {
			case *wire.MsgPing:
				// Record the outstanding challenge for recent
				// clients.
				if p.ProtocolVersion() > wire.BIP0031Version &&
					m.Nonce != 0 {

					p.statsMtx.Lock()
					p.lastPingNonce = m.Nonce
					p.lastPingTime = time.Now()
					p.statsMtx.Unlock()
				}
			}

			err := p.writeMessage(msg.msg, msg.encoding, msg.checksum)
			if msg.doneChan != nil {
				msg.doneChan <- struct{}{}
			}
			if err != nil {
				if p.shouldLogWriteError(err) {
					log.Errorf("Failed to send message to "+
						"%s: %v", p, err)
				}
				p.Disconnect()
				break out
			}

			// Signal the queue handler the message is fully sent
			// so it can feed the next one.
			select {
			case p.sendDoneQueue <- struct{}{}:
			case <-p.quit:
				break out
			}
		}
	}

	// Drain any wait channels before going away so there is nothing
	// left waiting on this goroutine.
cleanup:
	for {
		select {
		case msg := <-p.sendQueue:
			if msg.doneChan != nil {
				msg.doneChan <- struct{}{}
			}
		default:
			break cleanup
		}
	}
	p.wg.Done()
	log.Tracef("Peer output handler done for %s", p)
}

// shouldLogWriteError returns whether or not the passed error, which is
// expected to have come from writing to the remote peer in the
// writeHandler, should be logged.
func (p *Peer) shouldLogWriteError(err error) bool {
	// No logging when the peer is being forcibly disconnected.
	if atomic.LoadInt32(&p.disconnect) != 0 {
		return false
	}

	// No logging when the remote peer has been disconnected.
	if err == io.EOF {
		return false
	}
	if opErr, ok := err.(*net.OpError); ok && !opErr.Temporary() {
		return false
	}

	return true
}

// pingHandler periodically pings the peer.  It must be run as a
// goroutine.
func (p *Peer) pingHandler() {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

out:
	for {
		select {
		case <-pingTicker.C:
			p.sendPing()

		case <-p.quit:
			break out
		}
	}

	p.wg.Done()
}

// QueueMessage adds the passed bitcoin message to the peer send queue.
//
// This function is safe for concurrent access.
func (p *Peer) QueueMessage(msg wire.Message, doneChan chan<- struct{}) {
	p.QueueMessageWithEncoding(msg, doneChan, wire.BaseEncoding)
}

// QueueMessageWithEncoding adds the passed bitcoin message to the peer
// send queue with the given encoding.
//
// This function is safe for concurrent access.
func (p *Peer) QueueMessageWithEncoding(msg wire.Message, doneChan chan<- struct{},
	encoding wire.MessageEncoding) {

	p.queueMessage(outMsg{msg: msg, doneChan: doneChan, encoding: encoding})
}

// queueMessage enqueues an outbound message, signalling the done channel
// immediately when the peer is shutting down.
func (p *Peer) queueMessage(msg outMsg) {
	// Avoid risk of deadlock if goroutine already exited.  The goroutine
	// we will be sending to hangs around until it knows for a fact that
	// it is marked as disconnected and *then* it drains the channels.
	if !p.Connected() {
		if msg.doneChan != nil {
			go func() {
				msg.doneChan <- struct{}{}
			}()
		}
		return
	}
	p.outputQueue <- msg
}

// QueueInventory adds the passed inventory to the inventory send queue
// which might not be sent right away, rather it is trickled to the peer
// in batches.  Inventory that the peer is already known to have is
// ignored.
//
// This function is safe for concurrent access.
func (p *Peer) QueueInventory(invVect *wire.InvVect) {
	// Don't add the inventory to the send queue if the peer is already
	// known to have it.
	if p.knownInventory.Contains(invVect.Hash) {
		return
	}

	// Avoid risk of deadlock if goroutine already exited.  The goroutine
	// we will be sending to hangs around until it knows for a fact that
	// it is marked as disconnected and *then* it drains the channels.
	if !p.Connected() {
		return
	}

	p.writeInvVectQueue <- invVect
}

// Connected returns whether or not the peer is currently connected.
//
// This function is safe for concurrent access.
func (p *Peer) Connected() bool {
	return atomic.LoadInt32(&p.connected) != 0 &&
		atomic.LoadInt32(&p.disconnect) == 0
}

// Disconnect disconnects the peer by closing the connection.  Calling
// this function when the peer is already disconnected or in the process
// of disconnecting will have no effect.  All outstanding request
// entries, compact block slots and handshake resources are released.
func (p *Peer) Disconnect() {
	if atomic.AddInt32(&p.disconnect, 1) != 1 {
		return
	}

	log.Tracef("Disconnecting %s", p)
	if atomic.LoadInt32(&p.connected) != 0 {
		p.conn.Close()
	}
	close(p.quit)

	// Fail every pending request and drop partial compact blocks.
	p.reqs.destroy(ErrPeerDisconnected)
	p.clearCmpctSlots()

	// Tear down the handshake objects.
	if p.cfg.Encryption != nil {
		p.cfg.Encryption.Destroy()
	}
	if p.cfg.Auth != nil {
		p.cfg.Auth.Destroy()
	}
}

// WaitForDisconnect waits until the peer has completely disconnected.
// This will happen if either the local or remote side has been
// disconnected or the peer is forcibly disconnected via Disconnect.
func (p *Peer) WaitForDisconnect() {
	<-p.quit
	p.wg.Wait()
}

// negotiateEncryption drives the BIP0151 handshake phase.  The phase is
// bounded by handshakeTimeout; a failed optional handshake falls back to
// plaintext while a failed required one is fatal.  Any non-handshake
// message completes the handshake with an error.
func (p *Peer) negotiateEncryption() error {
	hs := p.cfg.Encryption

	if !p.inbound {
		msg, err := hs.ToEncinit()
		if err != nil {
			return err
		}
		if err := p.writeMessage(msg, wire.BaseEncoding, nil); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(handshakeTimeout)
	for !hs.Completed() {
		if err := p.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		rmsg, _, err := p.readMessage(wire.BaseEncoding)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				hs.Complete(errors.New("encryption handshake timeout"))
				break
			}
			if _, ok := err.(*wirex.UnknownCommandError); ok {
				// The remote does not speak BIP0151 and skipped
				// our encinit.
				continue
			}
			return err
		}

		switch msg := rmsg.(type) {
		case *wirex.MsgEncinit:
			if err := hs.Encinit(msg.PubKey, msg.Cipher); err != nil {
				hs.Complete(err)
				break
			}
			ack, err := hs.ToEncack()
			if err != nil {
				hs.Complete(err)
				break
			}
			if err := p.writeMessage(ack, wire.BaseEncoding, nil); err != nil {
				return err
			}
			if p.cfg.Listeners.OnEncinit != nil {
				p.cfg.Listeners.OnEncinit(p, msg)
			}

		case *wirex.MsgEncack:
			if err := hs.Encack(msg.PubKey); err != nil {
				hs.Complete(err)
				break
			}
			if p.cfg.Listeners.OnEncack != nil {
				p.cfg.Listeners.OnEncack(p, msg)
			}

		default:
			// A premature packet completes the handshake with an
			// error and is dropped.
			hs.Complete(fmt.Errorf("premature %s during encryption "+
				"handshake", rmsg.Command()))
		}
	}
	if err := p.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	if !hs.Established() && p.cfg.RequireEncryption {
		return errors.New("encryption handshake failed")
	}
	return nil
}

// negotiateAuth drives the BIP0150 handshake phase.  Unlike encryption,
// authentication failures are always fatal.
func (p *Peer) negotiateAuth() error {
	ah := p.cfg.Auth

	if !p.inbound && p.cfg.KnownIdentity != nil {
		msg, err := ah.ToChallenge()
		if err != nil {
			return err
		}
		if err := p.writeMessage(msg, wire.BaseEncoding, nil); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(handshakeTimeout)
	for !ah.Completed() {
		if err := p.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		rmsg, _, err := p.readMessage(wire.BaseEncoding)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				err := errors.New("authentication handshake timeout")
				ah.Complete(err)
				return err
			}
			return err
		}

		switch msg := rmsg.(type) {
		case *wirex.MsgAuthChallenge:
			reply, err := ah.Challenge(msg.Challenge)
			if err != nil {
				ah.Complete(err)
				return err
			}
			if reply != nil {
				err := p.writeMessage(reply, wire.BaseEncoding, nil)
				if err != nil {
					return err
				}
			}
			if p.cfg.Listeners.OnAuthChallenge != nil {
				p.cfg.Listeners.OnAuthChallenge(p, msg)
			}

		case *wirex.MsgAuthReply:
			if err := ah.Reply(msg.Signature); err != nil {
				ah.Complete(err)
				return err
			}
			if p.cfg.Listeners.OnAuthReply != nil {
				p.cfg.Listeners.OnAuthReply(p, msg)
			}

		case *wirex.MsgAuthPropose:
			challenge, err := ah.Propose(msg.Hash)
			if err != nil {
				ah.Complete(err)
				return err
			}
			if challenge != nil {
				err := p.writeMessage(challenge, wire.BaseEncoding, nil)
				if err != nil {
					return err
				}
			}
			if p.cfg.Listeners.OnAuthPropose != nil {
				p.cfg.Listeners.OnAuthPropose(p, msg)
			}

		default:
			err := fmt.Errorf("premature %s during authentication "+
				"handshake", rmsg.Command())
			ah.Complete(err)
			return err
		}
	}

	if !ah.Authed() {
		return errors.New("authentication handshake failed")
	}
	return nil
}

// negotiateProtocol performs the version handshake.  The local version
// message is pushed first for outbound peers, and in answer to the
// remote version for inbound ones.  The phase tolerates a verack that
// arrives before the remote version; the handshake only completes once
// both have been seen.  Any other message is a protocol violation.
func (p *Peer) negotiateProtocol() error {
	if !p.inbound {
		if err := p.writeLocalVersionMsg(); err != nil {
			return err
		}
	}

	if err := p.conn.SetReadDeadline(time.Now().Add(negotiateTimeout)); err != nil {
		return err
	}

	var verAckDone chan error
	for !p.VersionKnown() || !p.VerAckReceived() {
		rmsg, _, err := p.readMessage(wire.BaseEncoding)
		if err != nil {
			return err
		}

		switch msg := rmsg.(type) {
		case *wire.MsgVersion:
			if p.VersionKnown() {
				return errors.New("duplicate version message")
			}
			if err := p.handleRemoteVersionMsg(msg); err != nil {
				return err
			}
			if p.inbound {
				if err := p.writeLocalVersionMsg(); err != nil {
					return err
				}
			}
			if p.cfg.Listeners.OnVersion != nil {
				rejectMsg := p.cfg.Listeners.OnVersion(p, msg)
				if rejectMsg != nil {
					_ = p.writeMessage(rejectMsg,
						wire.BaseEncoding, nil)
					return errors.New(rejectMsg.Reason)
				}
			}
			// The verack is written from its own goroutine so a
			// transport without write buffering cannot deadlock
			// while the remote writes its own verack.  The write
			// is awaited before the handshake completes.
			verAckDone = make(chan error, 1)
			go func(done chan<- error) {
				done <- p.writeMessage(wire.NewMsgVerAck(),
					wire.BaseEncoding, nil)
			}(verAckDone)

		case *wire.MsgVerAck:
			// A verack that arrives before the remote version is
			// tolerated; the loop keeps waiting for the version.
			p.flagsMtx.Lock()
			duplicate := p.verAckReceived
			p.verAckReceived = true
			p.flagsMtx.Unlock()
			if duplicate {
				return errors.New("duplicate verack message")
			}
			if p.cfg.Listeners.OnVerAck != nil {
				p.cfg.Listeners.OnVerAck(p, msg)
			}

		case *wirex.MsgHaveWitness:
			// Old segwit networks assert witness support between
			// version and verack.
			p.flagsMtx.Lock()
			p.witnessEnabled = true
			p.flagsMtx.Unlock()
			if p.cfg.Listeners.OnHaveWitness != nil {
				p.cfg.Listeners.OnHaveWitness(p, msg)
			}

		case *wire.MsgReject:
			return fmt.Errorf("version handshake rejected: %s",
				sanitizeString(msg.Reason, maxRejectReasonLen))

		default:
			return fmt.Errorf("invalid message %s during handshake",
				rmsg.Command())
		}
	}

	if err := <-verAckDone; err != nil {
		return err
	}

	if err := p.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	p.flagsMtx.Lock()
	p.ack = true
	p.flagsMtx.Unlock()
	return nil
}

// writeLocalVersionMsg writes our version message to the remote peer.
func (p *Peer) writeLocalVersionMsg() error {
	localVerMsg, err := p.localVersionMsg()
	if err != nil {
		return err
	}

	return p.writeMessage(localVerMsg, wire.BaseEncoding, nil)
}

// onReady queues the post-handshake messages and kicks off the initial
// sync.  It runs exactly once, right after the duplex handlers start.
func (p *Peer) onReady() {
	// Ask for header announcements when we prefer them and the remote
	// is recent enough.
	if p.cfg.HeadersFirst && p.ProtocolVersion() >= wire.SendHeadersVersion {
		p.QueueMessage(&wire.MsgSendHeaders{}, nil)
	}

	// Assert witness support on old segwit networks, and demand the
	// same of the remote when witness peers are required.
	if p.cfg.WitnessProbe {
		p.QueueMessage(wirex.NewMsgHaveWitness(), nil)
		if p.cfg.Witness && !p.IsWitnessEnabled() {
			p.Request(wirex.CmdHaveWitness,
				func(msg wire.Message, err error) bool {
					if err != nil {
						log.Debugf("Peer %s never "+
							"asserted witness "+
							"support: %v", p, err)
						p.Disconnect()
					}
					return false
				})
		}
	}

	// Negotiate compact block relay.
	if p.cfg.Compact && p.ProtocolVersion() >= wirex.CompactVersion {
		p.QueueMessage(wirex.NewMsgSendCmpct(false, 1), nil)
	}

	// Solicit addresses.
	p.QueueMessage(wire.NewMsgGetAddr(), nil)

	// Push the pool-wide bloom filter in SPV mode.
	if p.cfg.SPV && p.cfg.SPVFilter != nil {
		p.QueueMessage(p.cfg.SPVFilter.MsgFilterLoad(), nil)
	}

	// Announce the inventory currently being broadcast.
	if p.cfg.BroadcastItems != nil {
		for _, iv := range p.cfg.BroadcastItems() {
			p.QueueInventory(iv)
		}
	}

	// Request relay to respect our minimum fee rate.
	if p.cfg.FeeFilter > 0 && p.ProtocolVersion() >= wire.FeeFilterVersion {
		p.QueueMessage(wire.NewMsgFeeFilter(p.cfg.FeeFilter), nil)
	}

	p.maybeSync()

	if p.cfg.Listeners.OnReady != nil {
		p.cfg.Listeners.OnReady(p)
	}
}

// maybeSync sends the initial chain sync request.  It only ever fires
// once per peer; ack is guaranteed by the caller, so the negotiated
// version is present.
func (p *Peer) maybeSync() {
	if p.cfg.Chain == nil {
		return
	}

	p.flagsMtx.Lock()
	alreadySent := p.syncSent
	p.syncSent = true
	p.flagsMtx.Unlock()
	if alreadySent {
		return
	}

	locator := p.cfg.Chain.LatestLocator()
	if p.cfg.HeadersFirst {
		if err := p.PushGetHeadersMsg(locator, &zeroHash); err != nil {
			log.Errorf("Failed to send getheaders to %s: %v", p, err)
		}
		return
	}
	if err := p.PushGetBlocksMsg(locator, &zeroHash); err != nil {
		log.Errorf("Failed to send getblocks to %s: %v", p, err)
	}
}

// start begins the handshake phases in order and launches the duplex
// message handlers once the session is ready.
func (p *Peer) start() error {
	log.Tracef("Starting peer %s", p)

	if p.cfg.Encryption != nil {
		if err := p.negotiateEncryption(); err != nil {
			return err
		}
	}
	if p.cfg.Auth != nil {
		if err := p.negotiateAuth(); err != nil {
			return err
		}
	}
	if err := p.negotiateProtocol(); err != nil {
		return err
	}

	log.Debugf("Connected to %s", p.Addr())

	// The protocol has been negotiated successfully so start processing
	// input and output messages.
	p.wg.Add(5)
	go p.writeHandler()
	go p.queueHandler()
	go p.writeInvVectQueueHandler()
	go p.readHandler()
	go p.pingHandler()

	p.onReady()
	return nil
}

// AssociateConnection associates the given conn to the peer.  Calling
// this function when the peer is already connected will have no effect.
func (p *Peer) AssociateConnection(conn net.Conn) {
	// Already connected?
	if !atomic.CompareAndSwapInt32(&p.connected, 0, 1) {
		return
	}

	p.conn = conn
	p.statsMtx.Lock()
	p.timeConnected = time.Now()
	p.statsMtx.Unlock()

	if p.inbound {
		p.addr = p.conn.RemoteAddr().String()

		// Set up a NetAddress for the peer to be used with addr
		// manager.  We only know the remote address at this point, so
		// use that.
		na, err := newNetAddress(p.conn.RemoteAddr(), p.cfg.Services)
		if err != nil {
			log.Errorf("Cannot create remote net address: %v", err)
			p.Disconnect()
			return
		}
		p.flagsMtx.Lock()
		p.na = na
		p.flagsMtx.Unlock()
	}

	go func() {
		if err := p.start(); err != nil {
			log.Debugf("Cannot start peer %v: %v", p, err)
			if p.cfg.Ignore != nil {
				p.cfg.Ignore(p, err)
			}
			p.Disconnect()
		}
	}()
}

// newPeerBase returns a new base bitcoin peer based on the inbound flag.
// This is used by the NewInboundPeer and NewOutboundPeer functions to
// perform base setup needed by both types of peers.
func newPeerBase(origCfg *Config, inbound bool) *Peer {
	cfg := *origCfg // Copy to avoid mutating caller.

	// Set the chain parameters to testnet if the caller did not specify
	// any.
	if cfg.ChainParams == nil {
		cfg.ChainParams = &chaincfg.TestNet3Params
	}

	// Set the trickle interval if a non-positive value is specified.
	if cfg.TrickleInterval <= 0 {
		cfg.TrickleInterval = trickleTimeout
	}

	nonce := cfg.LocalNonce
	if nonce == 0 {
		nonce, _ = wire.RandomUint64()
	}

	p := Peer{
		inbound:         inbound,
		knownInventory:  lru.NewCache(maxKnownInventory),
		knownAddresses:  lru.NewCache(maxKnownAddresses),
		quit:            make(chan struct{}),
		cfg:             cfg, // Copy so caller can't mutate.
		id:              cfg.ID,
		localNonce:      nonce,
		protocolVersion: cfg.protocolVersion(),
		feeFilter:       -1,
		minPingMicros:   -1,
		relayTxes:       true,
		reqs:            newRequestTable(requestTimeout),
		cmpctBlocks:     make(map[chainhash.Hash]*cmpctBlockSlot),

		sendQueue:         make(chan outMsg, 1),
		sendDoneQueue:     make(chan struct{}, 1),
		outputQueue:       make(chan outMsg, outputBufferSize),
		writeInvVectQueue: make(chan *wire.InvVect, outputBufferSize),
	}
	return &p
}

// NewInboundPeer returns a new inbound bitcoin peer.  Use
// AssociateConnection to begin processing incoming and outgoing
// messages.
func NewInboundPeer(cfg *Config) *Peer {
	return newPeerBase(cfg, true)
}

// NewOutboundPeer returns a new outbound bitcoin peer.  Use
// AssociateConnection to begin processing incoming and outgoing
// messages.
func NewOutboundPeer(cfg *Config, addr string) (*Peer, error) {
	p := newPeerBase(cfg, false)
	p.addr = addr

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}

	if cfg.HostToNetAddress != nil {
		na, err := cfg.HostToNetAddress(host, uint16(port), cfg.Services)
		if err != nil {
			return nil, err
		}
		p.na = na
	} else {
		p.na = wire.NewNetAddressIPPort(net.ParseIP(host), uint16(port),
			cfg.Services)
	}

	return p, nil
}
