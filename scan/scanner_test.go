// Copyright (c) 2024 The scanwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scan

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// mockHandler satisfies ResultHandler.  Each registered entry is passed to
// the respond callback; when it reports a history the completion is
// delivered immediately, otherwise the entry stays outstanding until the
// test delivers a result itself.
type mockHandler struct {
	mu         sync.Mutex
	registered []SearchEntry

	results chan TokenResult
	respond func(entry SearchEntry) (History, bool)

	stops int32
}

func newMockHandler(
	respond func(entry SearchEntry) (History, bool)) *mockHandler {

	return &mockHandler{
		results: make(chan TokenResult, 1024),
		respond: respond,
	}
}

func (m *mockHandler) Register(entries []SearchEntry) {
	m.mu.Lock()
	m.registered = append(m.registered, entries...)
	m.mu.Unlock()

	if m.respond == nil {
		return
	}
	for _, entry := range entries {
		history, deliver := m.respond(entry)
		if deliver {
			m.results <- TokenResult{
				Token:   entry.Token,
				History: history,
			}
		}
	}
}

func (m *mockHandler) Results() <-chan TokenResult {
	return m.results
}

func (m *mockHandler) Stop() {
	atomic.AddInt32(&m.stops, 1)
}

func (m *mockHandler) registeredEntries() []SearchEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]SearchEntry, len(m.registered))
	copy(entries, m.registered)
	return entries
}

// usedHistory is a minimal non-empty history marking a token as used.
func usedHistory() History {
	return History{{TxHash: chainhash.Hash{0x01}, Height: 100}}
}

// emptyResponder resolves every lookup with no usage.
func emptyResponder(SearchEntry) (History, bool) {
	return nil, true
}

func waitForShutdown(t *testing.T, scanner *Scanner) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		scanner.WaitForShutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not finish in time")
	}
}

func newScanEnumerator(t *testing.T, gapLimit int) (*SearchKeyEnumerator,
	*BIP32ParentPath) {

	t.Helper()

	settings := NewAdvancedSettings()
	settings.SetGapLimit(ReceivingSubpath, gapLimit)

	enumerator := NewSearchKeyEnumerator(&stubHasher{}, settings)
	parentPath, err := enumerator.AddBIP32Subpath(
		ReceivingSubpath,
		[]*hdkeychain.ExtendedKey{testMasterKey(t)}, 1,
		[]ScriptType{ScriptTypeP2PKH},
	)
	require.NoError(t, err)
	return enumerator, parentPath
}

func TestScanNaturalExhaustion(t *testing.T) {
	t.Parallel()

	enumerator, parentPath := newScanEnumerator(t, 5)
	handler := newMockHandler(emptyResponder)
	scanner := NewScanner(&Config{
		Handler:    handler,
		Enumerator: enumerator,
	})

	scanner.Start()
	waitForShutdown(t, scanner)

	require.NoError(t, scanner.Err())
	require.True(t, enumerator.IsDone())
	require.Empty(t, scanner.active)

	results := scanner.Results()
	require.Len(t, results, 5)
	for _, record := range results {
		require.Empty(t, record.History)
		require.True(t, ReceivingSubpath.Equal(record.Subpath))
	}

	require.Equal(t, int32(4), parentPath.LastIndex())
	require.Equal(t, int32(-1), parentPath.HighestUsedIndex())
	require.Equal(t, 5, parentPath.ResultCount())
	require.GreaterOrEqual(t, atomic.LoadInt32(&handler.stops), int32(1))
}

func TestScanReextendsOnUsage(t *testing.T) {
	t.Parallel()

	enumerator, parentPath := newScanEnumerator(t, 5)
	handler := newMockHandler(func(entry SearchEntry) (History, bool) {
		if entry.ChildIndex == 3 {
			return usedHistory(), true
		}
		return nil, true
	})
	scanner := NewScanner(&Config{
		Handler:    handler,
		Enumerator: enumerator,
	})

	scanner.Start()
	waitForShutdown(t, scanner)

	// Usage at index 3 re-extends the window: indexes 0 through 8 end
	// up examined before the 5 key gap beyond index 3 is exhausted.
	require.NoError(t, scanner.Err())
	results := scanner.Results()
	require.Len(t, results, 9)
	require.Equal(t, int32(8), parentPath.LastIndex())
	require.Equal(t, int32(3), parentPath.HighestUsedIndex())

	usedCount := 0
	for _, record := range results {
		if len(record.History) > 0 {
			usedCount++
			require.Equal(t, int32(3), record.SubpathIndex)
		}
	}
	require.Equal(t, 1, usedCount)
}

func TestScanStaleCompletionResumesExhaustedPath(t *testing.T) {
	t.Parallel()

	enumerator, parentPath := newScanEnumerator(t, 2)

	var withheld sync.Map
	handler := newMockHandler(func(entry SearchEntry) (History, bool) {
		if entry.ChildIndex == 1 {
			// Hold the completion back so the path exhausts with
			// this lookup still outstanding.
			withheld.Store(entry.ChildIndex, entry.Token)
			return nil, false
		}
		return nil, true
	})
	scanner := NewScanner(&Config{
		Handler:    handler,
		Enumerator: enumerator,
	})

	scanner.Start()

	// Wait for both initial indexes to be registered, then deliver the
	// withheld completion with usage.  The path budget must recompute
	// and produce indexes 2 and 3.
	require.Eventually(t, func() bool {
		_, ok := withheld.Load(uint32(1))
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	value, _ := withheld.Load(uint32(1))
	handler.results <- TokenResult{
		Token:   value.(Token),
		History: usedHistory(),
	}

	waitForShutdown(t, scanner)

	require.NoError(t, scanner.Err())
	require.Len(t, scanner.Results(), 4)
	require.Equal(t, int32(3), parentPath.LastIndex())
	require.Equal(t, int32(1), parentPath.HighestUsedIndex())
}

func TestScanExplicitEntriesFirst(t *testing.T) {
	t.Parallel()

	settings := NewAdvancedSettings()
	settings.SetGapLimit(ReceivingSubpath, 2)

	enumerator := NewSearchKeyEnumerator(&stubHasher{}, settings)
	enumerator.AddExplicitItem(7, ScriptTypeP2PKH, explicitToken(7))
	enumerator.AddExplicitItem(8, ScriptTypeP2PKH, explicitToken(8))
	_, err := enumerator.AddBIP32Subpath(
		ReceivingSubpath,
		[]*hdkeychain.ExtendedKey{testMasterKey(t)}, 1,
		[]ScriptType{ScriptTypeP2PKH},
	)
	require.NoError(t, err)

	handler := newMockHandler(emptyResponder)
	scanner := NewScanner(&Config{
		Handler:             handler,
		Enumerator:          enumerator,
		TargetSubscriptions: 1,
	})

	scanner.Start()
	waitForShutdown(t, scanner)

	require.NoError(t, scanner.Err())
	registered := handler.registeredEntries()
	require.Len(t, registered, 4)
	require.Equal(t, EntryExplicit, registered[0].Kind)
	require.Equal(t, uint32(7), registered[0].KeyID)
	require.Equal(t, EntryExplicit, registered[1].Kind)
	require.Equal(t, uint32(8), registered[1].KeyID)
	require.Equal(t, EntryBIP32, registered[2].Kind)
	require.Equal(t, EntryBIP32, registered[3].Kind)

	// Explicit results carry no subpath context.
	record := scanner.Results()[explicitToken(7)]
	require.NotNil(t, record)
	require.Nil(t, record.Subpath)
	require.Equal(t, int32(-1), record.SubpathIndex)
}

func TestScannerShutdown(t *testing.T) {
	t.Parallel()

	enumerator, _ := newScanEnumerator(t, 5)
	handler := newMockHandler(func(SearchEntry) (History, bool) {
		// Never respond; lookups stay outstanding forever.
		return nil, false
	})
	scanner := NewScanner(&Config{
		Handler:    handler,
		Enumerator: enumerator,
	})

	scanner.Start()
	require.Eventually(t, func() bool {
		return len(handler.registeredEntries()) == 5
	}, 5*time.Second, 10*time.Millisecond)

	scanner.Stop()
	waitForShutdown(t, scanner)
	require.True(t, scanner.ShuttingDown())

	// Outstanding lookups were abandoned, not resolved.
	require.Empty(t, scanner.Results())

	// A duplicate stop is a no-op.
	scanner.Stop()
	require.Equal(t, int32(1), atomic.LoadInt32(&handler.stops))
}

func TestScannerProgressCallback(t *testing.T) {
	t.Parallel()

	enumerator, _ := newScanEnumerator(t, 5)
	handler := newMockHandler(emptyResponder)

	var progress []int
	scanner := NewScanner(&Config{
		Handler:    handler,
		Enumerator: enumerator,
		OnExtend: func(entryCount int) {
			progress = append(progress, entryCount)
		},
	})

	scanner.Start()
	waitForShutdown(t, scanner)

	require.NotEmpty(t, progress)
	last := 0
	for _, entryCount := range progress {
		require.Greater(t, entryCount, last)
		last = entryCount
	}
	require.Equal(t, 5, last)
}

func TestScanWithoutSources(t *testing.T) {
	t.Parallel()

	handler := newMockHandler(emptyResponder)
	scanner := NewScanner(&Config{
		Handler:    handler,
		Enumerator: NewSearchKeyEnumerator(&stubHasher{}, nil),
	})

	scanner.Start()
	waitForShutdown(t, scanner)

	require.NoError(t, scanner.Err())
	require.Empty(t, scanner.Results())
}
