// Copyright (c) 2024 The scanwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package scan discovers which of a wallet's keys have ever been used in
// transactions by registering tokens derived from the keys with a remote
// indexing service.  It keeps no local chain state; candidate keys are
// enumerated under per-subpath gap limits and a bounded window of lookups
// is kept outstanding until every source is exhausted.
package scan

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// DefaultTargetSubscriptions is how many tokens the scanner aims to keep
// registered at a time.  The window can flow over by the script type
// fan-out of a single derivation step.
const DefaultTargetSubscriptions = 100

// HistoryItem is one transaction in a token's usage history.
type HistoryItem struct {
	// TxHash is the transaction that paid the watched script.
	TxHash chainhash.Hash

	// Height is the confirmation height.  Zero means unconfirmed and a
	// negative height means unconfirmed with an unconfirmed parent.
	Height int32

	// Fee is only set for unconfirmed transactions.
	Fee btcutil.Amount
}

// History is a token's ordered usage history: confirmed transactions in
// ascending height order, then unconfirmed, then those with unconfirmed
// parents.
type History []HistoryItem

// TokenHistory records the outcome of one resolved token lookup.  It is
// created once when the completion arrives and never updated.
type TokenHistory struct {
	// History is the raw usage history, empty if the token was never
	// used.
	History History

	// Subpath is the originating derivation subpath, nil for explicit
	// entries.
	Subpath DerivationPath

	// SubpathIndex is the originating child index, -1 for explicit
	// entries.
	SubpathIndex int32
}

// TokenResult is the completion delivered by a result handler for one
// registered token.
type TokenResult struct {
	// Token identifies the resolved lookup.
	Token Token

	// History is the usage history discovered for it, possibly empty.
	History History
}

// ResultHandler is the boundary to the remote indexing service.  Exactly
// one TokenResult must eventually be delivered on Results for every entry
// passed to Register; delivering it signals that the handler has stopped
// watching the token.  Lookup failures are the handler's concern and are
// expected to be resolved into a delivery as well.
type ResultHandler interface {
	// Register begins watching the tokens of the given entries.  It
	// must not block on network I/O.
	Register(entries []SearchEntry)

	// Results is the completion stream consumed by the scanner.
	Results() <-chan TokenResult

	// Stop releases transport resources.  Watches still outstanding are
	// abandoned, not awaited.
	Stop()
}

// ExtendRangeFunc is invoked with the cumulative number of entries ever
// handed to the result handler, letting a caller display progress without
// knowing the final total, which is not knowable in advance.
type ExtendRangeFunc func(entryCount int)

// Config supplies the collaborators and tuning knobs for a Scanner.
type Config struct {
	// Handler registers tokens and delivers completions.
	Handler ResultHandler

	// Enumerator produces candidate entries.
	Enumerator *SearchKeyEnumerator

	// TargetSubscriptions is the soft minimum of outstanding lookups to
	// maintain.  Zero selects DefaultTargetSubscriptions.
	TargetSubscriptions int

	// OnExtend, if set, is called once per registration batch.
	OnExtend ExtendRangeFunc
}

// Scanner drives the enumerator and the result handler until every key
// source is exhausted or it is told to stop.  Only one scanner per logical
// scan is supported; all of its state is owned by the scan goroutine, so no
// locking is needed on the active set or the parent path counters.
type Scanner struct {
	cfg Config

	// active maps the tokens currently registered with the handler to
	// the entries that produced them.
	active map[Token]SearchEntry

	// results accumulates one record per resolved token.
	results map[Token]*TokenHistory

	entryCount int
	err        error

	started  bool
	startMtx sync.Mutex

	quit   chan struct{}
	quitMu sync.Mutex

	wg sync.WaitGroup
}

// NewScanner creates a scanner from the given config.
func NewScanner(cfg *Config) *Scanner {
	scanner := &Scanner{
		cfg:     *cfg,
		active:  make(map[Token]SearchEntry),
		results: make(map[Token]*TokenHistory),
		quit:    make(chan struct{}),
	}
	if scanner.cfg.TargetSubscriptions <= 0 {
		scanner.cfg.TargetSubscriptions = DefaultTargetSubscriptions
	}
	return scanner
}

// Start begins the asynchronous scan.  It does not block and calling it
// more than once has no effect.
func (s *Scanner) Start() {
	s.startMtx.Lock()
	defer s.startMtx.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.wg.Add(1)
	go s.scanLoop()
}

// Stop requests the scan to halt.  Outstanding lookups are abandoned rather
// than awaited.  Stop is idempotent and safe to call from any goroutine.
func (s *Scanner) Stop() {
	s.quitMu.Lock()
	defer s.quitMu.Unlock()

	select {
	case <-s.quit:
		log.Debugf("Scanner shutdown, duplicate call ignored")
		return
	default:
	}
	log.Debugf("Scanner shutting down")
	close(s.quit)
	s.cfg.Handler.Stop()
}

// ShuttingDown returns whether Stop has been called or the scan has
// finished on its own.
func (s *Scanner) ShuttingDown() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// WaitForShutdown blocks until the scan goroutine has finished.
func (s *Scanner) WaitForShutdown() {
	s.wg.Wait()
}

// Results returns the accumulated token to usage history mapping.  It must
// only be called after WaitForShutdown has returned.
func (s *Scanner) Results() map[Token]*TokenHistory {
	return s.results
}

// Err returns the error that terminated the scan early, if any.  It must
// only be called after WaitForShutdown has returned.
func (s *Scanner) Err() error {
	return s.err
}

// scanLoop enumerates and scans keys until all sources are exhausted.  It
// keeps the active window filled to the configured target, suspends until a
// completion wakes it and re-evaluates the exit conditions on every
// iteration.  Any number of completions arriving while it was busy coalesce
// into one pass.
func (s *Scanner) scanLoop() {
	defer s.wg.Done()
	defer s.Stop()

	log.Debugf("Starting usage scan")

out:
	for len(s.active) > 0 || s.cfg.Enumerator.HasSources() {
		select {
		case <-s.quit:
			log.Debugf("Usage scan exit, stop requested")
			break out
		default:
		}

		required := s.cfg.TargetSubscriptions - len(s.active)
		newEntries, err := s.cfg.Enumerator.CreateNewEntries(required)
		if err != nil {
			log.Errorf("Usage scan exit, enumeration failed: %v",
				err)
			s.err = err
			break out
		}

		if len(newEntries) > 0 {
			s.extendRange(len(newEntries))

			// Track the outstanding lookups locally before the
			// handler can deliver completions for them.
			for _, entry := range newEntries {
				s.active[entry.Token] = entry
			}
			s.cfg.Handler.Register(newEntries)
		} else if len(s.active) == 0 && s.cfg.Enumerator.IsDone() {
			log.Debugf("Usage scan exit, candidate exhaustion")
			break out
		}

		// Block until at least one token is resolved, then drain
		// whatever else has already arrived before refilling the
		// window.
		select {
		case result := <-s.cfg.Handler.Results():
			s.handleResult(result)
		case <-s.quit:
			log.Debugf("Usage scan exit, stop requested")
			break out
		}
	drain:
		for {
			select {
			case result := <-s.cfg.Handler.Results():
				s.handleResult(result)
			default:
				break drain
			}
		}
	}

	log.Debugf("Usage scan finished, %d entries scanned, %d resolved",
		s.entryCount, len(s.results))
}

// handleResult consumes one completion: the token leaves the active set
// exactly once, its history is recorded and, for a derived entry with
// usage, the owning parent path's highest used index is raised so the
// enumerator re-extends its window.
func (s *Scanner) handleResult(result TokenResult) {
	entry, ok := s.active[result.Token]
	if !ok {
		log.Warnf("Ignoring result for unknown token %v", result.Token)
		return
	}
	delete(s.active, result.Token)

	record := &TokenHistory{
		History:      result.History,
		SubpathIndex: -1,
	}
	if entry.Kind == EntryBIP32 {
		parentPath := entry.ParentPath
		parentPath.resultCount++
		childIndex := int32(entry.ChildIndex)
		if len(result.History) > 0 &&
			childIndex > parentPath.highestUsedIndex {

			parentPath.highestUsedIndex = childIndex
		}
		record.Subpath = parentPath.subpath
		record.SubpathIndex = childIndex
	}
	s.results[result.Token] = record
}

// extendRange accounts for another batch of entries handed to the handler
// and hints any caller displaying progress.
func (s *Scanner) extendRange(entryCount int) {
	s.entryCount += entryCount
	if s.cfg.OnExtend != nil {
		s.cfg.OnExtend(s.entryCount)
	}
}
