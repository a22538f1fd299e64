// Copyright (c) 2024 The scanwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"

	"github.com/electrumsuite/scanwallet/scan"
)

const (
	defaultLogFilename        = "scanwallet.log"
	defaultLogLevel           = "info"
	defaultMainNetServerPort  = "50001"
	defaultTestNet3ServerPort = "51001"
)

var (
	scanwalletHomeDir = btcutil.AppDataDir("scanwallet", false)
	defaultLogDir     = filepath.Join(scanwalletHomeDir, "logs")
)

type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	NoFileLog   bool   `long:"nofilelog" description:"Disable logging to file"`

	Server     string `short:"s" long:"server" description:"Electrum protocol server to query (host or host:port)"`
	TLS        bool   `long:"tls" description:"Connect to the server over TLS"`
	SkipVerify bool   `long:"skipverify" description:"Skip TLS certificate verification (for self-signed servers)"`
	TestNet3   bool   `long:"testnet" description:"Use the test network (default mainnet)"`

	Xpubs     []string `long:"xpub" description:"Account extended public key; repeat for multisig cosigners"`
	Threshold int      `long:"threshold" description:"Signing threshold for multisig accounts" default:"1"`
	PushData  bool     `long:"pushdata" description:"Compute lookup tokens from pushed data items instead of whole output scripts"`

	ReceivingGapLimit   int `long:"recvgaplimit" description:"Gap limit for the receiving subpath" default:"50"`
	ChangeGapLimit      int `long:"changegaplimit" description:"Gap limit for the change subpath" default:"20"`
	TargetSubscriptions int `long:"target" description:"How many lookups to keep outstanding at a time" default:"100"`
}

// chainParams returns the network parameters selected by the config.
func (c *config) chainParams() *chaincfg.Params {
	if c.TestNet3 {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// accountKind maps the supplied key material onto an account kind.
func (c *config) accountKind() scan.AccountKind {
	if len(c.Xpubs) > 1 {
		return scan.AccountMultisig
	}
	return scan.AccountStandard
}

// loadConfig parses command line options, fills in defaults and validates
// the result.
func loadConfig() (*config, error) {
	cfg := config{
		DebugLevel: defaultLogLevel,
		LogDir:     defaultLogDir,
	}
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.ShowVersion {
		fmt.Println(appName, "version", version)
		return &cfg, errVersionRequested
	}

	if cfg.Server == "" {
		return nil, errors.New("an Electrum server must be " +
			"specified with --server")
	}
	if _, _, err := net.SplitHostPort(cfg.Server); err != nil {
		port := defaultMainNetServerPort
		if cfg.TestNet3 {
			port = defaultTestNet3ServerPort
		}
		cfg.Server = net.JoinHostPort(cfg.Server, port)
	}

	if len(cfg.Xpubs) == 0 {
		return nil, errors.New("an account extended public key " +
			"must be specified with --xpub")
	}
	if cfg.Threshold < 1 || cfg.Threshold > len(cfg.Xpubs) {
		return nil, fmt.Errorf("threshold %d is not within 1 to %d",
			cfg.Threshold, len(cfg.Xpubs))
	}
	if cfg.ReceivingGapLimit < 1 || cfg.ChangeGapLimit < 1 {
		return nil, errors.New("gap limits must be positive")
	}
	if cfg.TargetSubscriptions < 1 {
		return nil, errors.New("target subscriptions must be positive")
	}

	if !cfg.NoFileLog {
		initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	}
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return nil, err
	}

	return &cfg, nil
}
