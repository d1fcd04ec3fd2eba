// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/go-socks/socks"

	"github.com/bityogi/bcoin/peer"
)

const (
	// connectTimeout is how long a dial attempt may take before the
	// peer is given up on.
	connectTimeout = 10 * time.Second
)

// dial connects to the passed address, optionally through the configured
// SOCKS5 proxy.
func dial(cfg *config, addr string) (net.Conn, error) {
	if cfg.Proxy != "" {
		proxy := &socks.Proxy{
			Addr:     cfg.Proxy,
			Username: cfg.ProxyUser,
			Password: cfg.ProxyPass,
		}
		return proxy.DialTimeout("tcp", addr, connectTimeout)
	}
	return net.DialTimeout("tcp", addr, connectTimeout)
}

// activeNetParams returns the chain parameters selected by the config.
func activeNetParams(cfg *config) *chaincfg.Params {
	switch {
	case cfg.TestNet3:
		return &chaincfg.TestNet3Params
	case cfg.SimNet:
		return &chaincfg.SimNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

func bcoindMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.LogFile != "" {
		if err := initLogRotator(cfg.LogFile); err != nil {
			return err
		}
		defer logRotator.Close()
	}
	setLogLevels(cfg.DebugLevel)

	params := activeNetParams(cfg)
	chain := newMemChain(params)

	var services wire.ServiceFlag
	if !cfg.SPV && !cfg.Selfish {
		services = wire.SFNodeNetwork | wire.SFNodeWitness
	}

	peerCfg := &peer.Config{
		UserAgentName:    "bcoind",
		UserAgentVersion: "0.1.0",
		ChainParams:      params,
		Services:         services,
		Chain:            chain,
		SPV:              cfg.SPV,
		Selfish:          cfg.Selfish,
		Compact:          cfg.Compact,
		HeadersFirst:     cfg.HeadersFirst,
		DisableRelayTx:   cfg.NoRelay,
		FeeFilter:        cfg.FeeFilter,
		Proxy:            cfg.Proxy,
		Listeners: peer.MessageListeners{
			OnReady: func(p *peer.Peer) {
				mainLog.Infof("Peer %s ready: agent %s, version %d, "+
					"height %d", p, p.UserAgent(),
					p.ProtocolVersion(), p.StartingHeight())
			},
			OnInv: func(p *peer.Peer, msg *wire.MsgInv) {
				mainLog.Infof("Peer %s announced %d inventory items",
					p, len(msg.InvList))
			},
			OnHeaders: func(p *peer.Peer, msg *wire.MsgHeaders) {
				mainLog.Infof("Peer %s sent %d headers", p,
					len(msg.Headers))
			},
			OnBlock: func(p *peer.Peer, msg *wire.MsgBlock, buf []byte) {
				mainLog.Infof("Peer %s sent block %s with %d txs", p,
					msg.BlockHash(), len(msg.Transactions))
			},
			OnTx: func(p *peer.Peer, msg *wire.MsgTx) {
				mainLog.Infof("Peer %s sent tx %s", p, msg.TxHash())
			},
			OnAddr: func(p *peer.Peer, msg *wire.MsgAddr) {
				mainLog.Infof("Peer %s sent %d addresses", p,
					len(msg.AddrList))
			},
		},
	}

	p, err := peer.NewOutboundPeer(peerCfg, cfg.Connect)
	if err != nil {
		return err
	}

	mainLog.Infof("Connecting to %s", cfg.Connect)
	conn, err := dial(cfg, cfg.Connect)
	if err != nil {
		return err
	}
	p.AssociateConnection(conn)

	// Tear the session down on interrupt.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		mainLog.Infof("Shutting down")
		p.Disconnect()
	}()

	p.WaitForDisconnect()
	mainLog.Infof("Peer %s disconnected", p)
	return nil
}

func main() {
	if err := bcoindMain(); err != nil {
		mainLog.Errorf("%v", err)
		os.Exit(1)
	}
}
