// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultLogFilename = "bcoind.log"
	defaultDebugLevel  = "info"
)

// config defines the configuration options for bcoind.
//
// See loadConfig for details on the configuration load process.
type config struct {
	Connect      string `short:"c" long:"connect" description:"Connect to the peer at the given host:port"`
	TestNet3     bool   `long:"testnet" description:"Use the test network"`
	SimNet       bool   `long:"simnet" description:"Use the simulation test network"`
	Proxy        string `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser    string `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass    string `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	DebugLevel   string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogFile      string `long:"logfile" description:"Write logs to the given rotated file"`
	SPV          bool   `long:"spv" description:"Operate as an SPV client"`
	HeadersFirst bool   `long:"headersfirst" description:"Prefer header announcements and getheaders sync"`
	Compact      bool   `long:"compact" description:"Negotiate BIP152 compact block relay"`
	Selfish      bool   `long:"selfish" description:"Do not serve chain or mempool data"`
	NoRelay      bool   `long:"norelay" description:"Ask the remote peer not to relay transactions"`
	FeeFilter    int64  `long:"feefilter" description:"Minimum fee rate (sat/kB) to request relayed transactions respect"`
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, error) {
	cfg := config{
		DebugLevel: defaultDebugLevel,
	}
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if cfg.Connect == "" {
		return nil, fmt.Errorf("the --connect option is required")
	}
	if cfg.TestNet3 && cfg.SimNet {
		return nil, fmt.Errorf("the --testnet and --simnet options " +
			"may not be used together")
	}
	if _, ok := validDebugLevel(cfg.DebugLevel); !ok {
		return nil, fmt.Errorf("the specified debug level [%v] is "+
			"invalid", cfg.DebugLevel)
	}

	return &cfg, nil
}
