// Copyright (c) 2024 The scanwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/electrumsuite/scanwallet/electrum"
	"github.com/electrumsuite/scanwallet/scan"
)

const (
	appName = "scanwallet"
	version = "0.1.0"

	// progressInterval is how often the number of scanned entries is
	// reported while the scan runs.
	progressInterval = 5 * time.Second
)

// errVersionRequested signals a clean exit after printing the version.
var errVersionRequested = errors.New("version requested")

func main() {
	if err := scanwalletMain(); err != nil {
		var flagsErr *flags.Error
		switch {
		case errors.Is(err, errVersionRequested):
		case errors.As(err, &flagsErr) &&
			flagsErr.Type == flags.ErrHelp:
		default:
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

func scanwalletMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logRotator != nil {
		defer logRotator.Close()
	}

	chainParams := cfg.chainParams()

	var hasher scan.ItemHasher
	if cfg.PushData {
		hasher = scan.NewPushDataHasher(chainParams)
	} else {
		hasher = scan.NewScriptHashHasher(chainParams)
	}

	settings := scan.NewAdvancedSettings()
	settings.SetGapLimit(scan.ReceivingSubpath, cfg.ReceivingGapLimit)
	settings.SetGapLimit(scan.ChangeSubpath, cfg.ChangeGapLimit)

	enumerator := scan.NewSearchKeyEnumerator(hasher, settings)
	err = enumerator.UseAccount(&scan.Account{
		Kind:             cfg.accountKind(),
		MasterPublicKeys: cfg.Xpubs,
		Threshold:        cfg.Threshold,
	})
	if err != nil {
		return fmt.Errorf("unable to use account: %w", err)
	}

	var tlsConfig *tls.Config
	if cfg.TLS {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.SkipVerify,
		}
	}
	client := electrum.NewClient(&electrum.Config{
		Addr:      cfg.Server,
		TLSConfig: tlsConfig,
	})
	if err := client.Start(); err != nil {
		return fmt.Errorf("unable to connect to %s: %w",
			cfg.Server, err)
	}
	defer func() {
		client.Stop()
		client.WaitForShutdown()
	}()

	handler := electrum.NewHandler(client)
	handler.Start()

	var entryCount uint64
	scanner := scan.NewScanner(&scan.Config{
		Handler:             handler,
		Enumerator:          enumerator,
		TargetSubscriptions: cfg.TargetSubscriptions,
		OnExtend: func(count int) {
			atomic.StoreUint64(&entryCount, uint64(count))
		},
	})

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	log.Infof("Scanning for key usage on %v", cfg.Server)
	scanner.Start()

	done := make(chan struct{})
	go func() {
		scanner.WaitForShutdown()
		close(done)
	}()

	progress := ticker.New(progressInterval)
	progress.Resume()
	defer progress.Stop()

out:
	for {
		select {
		case <-interrupt:
			log.Infof("Interrupt received, stopping scan")
			scanner.Stop()

		case <-progress.Ticks():
			log.Infof("Scanned %d candidate entries so far",
				atomic.LoadUint64(&entryCount))

		case <-done:
			break out
		}
	}
	handler.WaitForShutdown()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	reportResults(scanner, enumerator)
	return nil
}

// reportResults prints the usage discovered by a completed scan.
func reportResults(scanner *scan.Scanner, enumerator *scan.SearchKeyEnumerator) {
	results := scanner.Results()

	used := 0
	for token, record := range results {
		if len(record.History) == 0 {
			continue
		}
		used++
		if record.Subpath != nil {
			fmt.Printf("%v  subpath %v index %d  %d tx(s)\n",
				token, record.Subpath, record.SubpathIndex,
				len(record.History))
		} else {
			fmt.Printf("%v  explicit  %d tx(s)\n",
				token, len(record.History))
		}
		for _, item := range record.History {
			fmt.Printf("    %v height %d\n",
				item.TxHash, item.Height)
		}
	}
	fmt.Printf("%d of %d tokens have usage history\n", used, len(results))

	for _, parentPath := range enumerator.BIP32Paths() {
		fmt.Printf("subpath %v: highest used index %d, "+
			"%d indexes examined\n", parentPath.Subpath(),
			parentPath.HighestUsedIndex(),
			parentPath.LastIndex()+1)
	}
}
