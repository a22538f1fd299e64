// Copyright (c) 2024 The scanwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scan

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

const (
	// DefaultReceivingGapLimit is the number of consecutive unused
	// receiving keys to probe beyond the last confirmed used index.
	DefaultReceivingGapLimit = 50

	// DefaultChangeGapLimit is the number of consecutive unused change
	// keys to probe beyond the last confirmed used index.
	DefaultChangeGapLimit = 20

	// fallbackGapLimit is applied to subpaths that have neither a default
	// nor a caller supplied override.  The conservative change limit is
	// used.
	fallbackGapLimit = DefaultChangeGapLimit
)

// AdvancedSettings tunes candidate enumeration.  Caller supplied overrides
// are merged over the per-subpath defaults, with overrides winning.
type AdvancedSettings struct {
	gapLimits map[string]int
}

// NewAdvancedSettings returns settings seeded with the default gap limits
// for the receiving and change subpaths.
func NewAdvancedSettings() *AdvancedSettings {
	return &AdvancedSettings{
		gapLimits: map[string]int{
			ReceivingSubpath.String(): DefaultReceivingGapLimit,
			ChangeSubpath.String():    DefaultChangeGapLimit,
		},
	}
}

// SetGapLimit overrides the gap limit for the given subpath.
func (s *AdvancedSettings) SetGapLimit(subpath DerivationPath, limit int) {
	s.gapLimits[subpath.String()] = limit
}

// GapLimit returns the gap limit in effect for the given subpath.  Subpaths
// without a default or override fall back to the change limit.
func (s *AdvancedSettings) GapLimit(subpath DerivationPath) int {
	if limit, ok := s.gapLimits[subpath.String()]; ok {
		return limit
	}
	return fallbackGapLimit
}

// BIP32ParentPath holds the state of one deterministic subtree being
// scanned: the pre-derived parent public keys for the subpath and the
// progress counters that drive the gap-limit algorithm.
//
// A parent path is never removed during a scan.  It may become exhausted of
// candidates, and resumes producing them only if a completion later raises
// the highest used index.
type BIP32ParentPath struct {
	// subpath is already applied to the parent keys and is retained for
	// context on results.
	subpath DerivationPath

	// threshold is the signing threshold for multi-signature script
	// types.
	threshold int

	// scriptTypes are the script types generated for every child index.
	scriptTypes []ScriptType

	// parentKeys are the master public keys derived down to the subpath.
	parentKeys []*hdkeychain.ExtendedKey

	// lastIndex is the highest child index generated so far, -1 before
	// any generation.  It advances by one derivation step at a time and
	// never decreases.
	lastIndex int32

	// highestUsedIndex is the highest child index confirmed to have
	// usage history, -1 until a non-empty history arrives.  It never
	// exceeds lastIndex.
	highestUsedIndex int32

	// resultCount tallies completions received for this path.
	resultCount int
}

func newBIP32ParentPath(subpath DerivationPath,
	masterKeys []*hdkeychain.ExtendedKey, threshold int,
	scriptTypes []ScriptType) (*BIP32ParentPath, error) {

	parentKeys := make([]*hdkeychain.ExtendedKey, len(masterKeys))
	for i, masterKey := range masterKeys {
		parentKey := masterKey
		if parentKey.IsPrivate() {
			var err error
			parentKey, err = parentKey.Neuter()
			if err != nil {
				return nil, err
			}
		}
		for _, childIndex := range subpath {
			var err error
			parentKey, err = parentKey.Derive(childIndex)
			if err != nil {
				return nil, err
			}
		}
		parentKeys[i] = parentKey
	}

	return &BIP32ParentPath{
		subpath:          subpath,
		threshold:        threshold,
		scriptTypes:      scriptTypes,
		parentKeys:       parentKeys,
		lastIndex:        -1,
		highestUsedIndex: -1,
	}, nil
}

// Subpath returns the derivation subpath this parent path scans.
func (p *BIP32ParentPath) Subpath() DerivationPath {
	return p.subpath
}

// Threshold returns the signing threshold of the path.
func (p *BIP32ParentPath) Threshold() int {
	return p.threshold
}

// ScriptTypes returns the script types generated per child index.
func (p *BIP32ParentPath) ScriptTypes() []ScriptType {
	return p.scriptTypes
}

// LastIndex returns the highest child index generated so far, or -1.
func (p *BIP32ParentPath) LastIndex() int32 {
	return p.lastIndex
}

// HighestUsedIndex returns the highest child index with confirmed usage, or
// -1.
func (p *BIP32ParentPath) HighestUsedIndex() int32 {
	return p.highestUsedIndex
}

// ResultCount returns how many completions have been received for this
// path.
func (p *BIP32ParentPath) ResultCount() int {
	return p.resultCount
}

// deriveNextChildKeys derives the child public key from every parent key at
// the next unconsumed index.  There is an extremely small chance that a
// particular child is invalid, in which case the index is skipped for all
// cosigners and the next one tried.
func (p *BIP32ParentPath) deriveNextChildKeys() ([]*btcec.PublicKey, uint32,
	error) {

	childIndex := uint32(p.lastIndex + 1)
	for {
		publicKeys := make([]*btcec.PublicKey, 0, len(p.parentKeys))
		valid := true
		for _, parentKey := range p.parentKeys {
			childKey, err := parentKey.Derive(childIndex)
			if err != nil {
				if errors.Is(err, hdkeychain.ErrInvalidChild) {
					valid = false
					break
				}
				return nil, 0, err
			}
			publicKey, err := childKey.ECPubKey()
			if err != nil {
				return nil, 0, err
			}
			publicKeys = append(publicKeys, publicKey)
		}
		if valid {
			return publicKeys, childIndex, nil
		}
		childIndex++
	}
}

// SearchEntryKind tags the variant held by a SearchEntry.
type SearchEntryKind uint8

const (
	// EntryNone is the unused zero value.
	EntryNone SearchEntryKind = iota

	// EntryExplicit is a fixed candidate referencing a stored key.
	EntryExplicit

	// EntryBIP32 is a positional candidate referencing a child index of
	// a parent derivation path.
	EntryBIP32
)

// SearchEntry describes one candidate lookup.  Exactly one of KeyID or
// (ParentPath, ChildIndex) is meaningful, determined by Kind.  Entries are
// never mutated after creation.
type SearchEntry struct {
	// Kind selects the variant.
	Kind SearchEntryKind

	// KeyID identifies the stored key for explicit entries.
	KeyID uint32

	// ScriptType is the script template the token was computed for.
	ScriptType ScriptType

	// Token is the precomputed lookup token.
	Token Token

	// ParentPath is the owning derivation path for BIP32 entries.
	ParentPath *BIP32ParentPath

	// ChildIndex is the child index used for BIP32 entries.
	ChildIndex uint32
}

// SearchKeyEnumerator produces, on demand, batches of new search entries
// without exceeding per-subpath gap limits.  It owns the pool of pending
// explicit entries and the set of registered parent derivation paths.
//
// The enumerator is not safe for concurrent use.  All calls are expected to
// be made from the scanner goroutine.
type SearchKeyEnumerator struct {
	hasher   ItemHasher
	settings *AdvancedSettings

	pending    []SearchEntry
	bip32Paths []*BIP32ParentPath
}

// NewSearchKeyEnumerator returns an enumerator using the given hashing
// strategy.  A nil settings uses the default gap limits.
func NewSearchKeyEnumerator(hasher ItemHasher,
	settings *AdvancedSettings) *SearchKeyEnumerator {

	if settings == nil {
		settings = NewAdvancedSettings()
	}
	return &SearchKeyEnumerator{
		hasher:   hasher,
		settings: settings,
	}
}

// AddExplicitItem appends one fixed candidate to the pending pool.
// Duplicate items are not detected and will be scanned separately.
func (e *SearchKeyEnumerator) AddExplicitItem(keyID uint32,
	scriptType ScriptType, token Token) {

	e.pending = append(e.pending, SearchEntry{
		Kind:       EntryExplicit,
		KeyID:      keyID,
		ScriptType: scriptType,
		Token:      token,
	})
}

// AddBIP32Subpath registers a deterministic subtree to scan.  The master
// keys are derived down to the subpath up front; private keys are neutered
// first.  The created parent path is returned for inspection.
func (e *SearchKeyEnumerator) AddBIP32Subpath(subpath DerivationPath,
	masterKeys []*hdkeychain.ExtendedKey, threshold int,
	scriptTypes []ScriptType) (*BIP32ParentPath, error) {

	parentPath, err := newBIP32ParentPath(
		subpath, masterKeys, threshold, scriptTypes,
	)
	if err != nil {
		return nil, err
	}
	e.bip32Paths = append(e.bip32Paths, parentPath)
	return parentPath, nil
}

// BIP32Paths returns the registered parent derivation paths.  Callers read
// the final highest used index per path from these after a scan completes.
func (e *SearchKeyEnumerator) BIP32Paths() []*BIP32ParentPath {
	return e.bip32Paths
}

// HasSources returns whether any pending explicit item or registered parent
// path exists, regardless of exhaustion.
func (e *SearchKeyEnumerator) HasSources() bool {
	return len(e.bip32Paths) > 0 || len(e.pending) > 0
}

// IsDone returns whether the pending pool is empty and every parent path
// has no remaining gap-limit budget.  This is the authoritative completion
// signal; budgets are recomputed fresh on every call, so a stale completion
// that raises a highest used index can flip the result back to false.
func (e *SearchKeyEnumerator) IsDone() bool {
	if len(e.pending) > 0 {
		return false
	}
	// Parent paths are never removed, but they can be exhausted of
	// candidates.
	for _, parentPath := range e.bip32Paths {
		if e.pathBudget(parentPath) > 0 {
			return false
		}
	}
	return true
}

// CreateNewEntries returns up to requiredCount new entries.  The pending
// explicit pool is drained first, oldest first, before any parent path is
// advanced.  Parent paths are then advanced by whole derivation steps in
// registration order, so the returned count may exceed requiredCount by up
// to the script type fan-out of the final step.
func (e *SearchKeyEnumerator) CreateNewEntries(
	requiredCount int) ([]SearchEntry, error) {

	var newEntries []SearchEntry
	if requiredCount > 0 && len(e.pending) > 0 {
		available := len(e.pending)
		if available > requiredCount {
			available = requiredCount
		}
		newEntries = append(newEntries, e.pending[:available]...)
		e.pending = e.pending[available:]
		requiredCount -= available
	}

	for _, parentPath := range e.bip32Paths {
		if requiredCount <= 0 {
			break
		}
		candidates, err := e.entriesFromBIP32Path(
			requiredCount, parentPath,
		)
		if err != nil {
			return newEntries, err
		}
		requiredCount -= len(candidates)
		newEntries = append(newEntries, candidates...)
	}
	return newEntries, nil
}

// entriesFromBIP32Path advances one parent path by whole derivation steps
// while it has budget, producing one entry per configured script type per
// step.
func (e *SearchKeyEnumerator) entriesFromBIP32Path(maximumCount int,
	parentPath *BIP32ParentPath) ([]SearchEntry, error) {

	var newEntries []SearchEntry
	for maximumCount > 0 && e.pathBudget(parentPath) > 0 {
		publicKeys, childIndex, err := parentPath.deriveNextChildKeys()
		if err != nil {
			return newEntries, err
		}

		for _, scriptType := range parentPath.scriptTypes {
			token, err := e.hasher.HashForPublicKeys(
				scriptType, publicKeys, parentPath.threshold,
			)
			if err != nil {
				return newEntries, err
			}
			newEntries = append(newEntries, SearchEntry{
				Kind:       EntryBIP32,
				ScriptType: scriptType,
				Token:      token,
				ParentPath: parentPath,
				ChildIndex: childIndex,
			})
		}

		parentPath.lastIndex = int32(childIndex)
		maximumCount -= len(parentPath.scriptTypes)
	}
	return newEntries, nil
}

// pathBudget returns how many further child indexes may be examined for the
// path under its gap limit.  With confirmed usage the budget is the rolling
// window beyond the highest used index, re-extending whenever new usage is
// discovered; without it, scanning proceeds until gap limit keys have been
// examined.
func (e *SearchKeyEnumerator) pathBudget(parentPath *BIP32ParentPath) int {
	gapLimit := e.settings.GapLimit(parentPath.subpath)
	if parentPath.highestUsedIndex > -1 {
		currentGap := parentPath.lastIndex - parentPath.highestUsedIndex
		return gapLimit - int(currentGap)
	}
	return gapLimit - int(parentPath.lastIndex+1)
}
