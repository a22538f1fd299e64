// Copyright (c) 2024 The scanwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scan

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// ErrUnsupportedAccountKind describes an account kind the enumerator cannot
// produce candidates for.
var ErrUnsupportedAccountKind = errors.New("unsupported account kind")

// AccountKind identifies how an account's keys came to exist, which in turn
// determines how candidates are enumerated for it.
type AccountKind uint8

const (
	// AccountStandard is a single signer deterministic account backed by
	// one master public key.
	AccountStandard AccountKind = iota

	// AccountMultisig is a deterministic account with multiple cosigner
	// master public keys and a signing threshold.
	AccountMultisig

	// AccountImportedAddress holds watch-only keys imported as addresses
	// or script hashes.
	AccountImportedAddress

	// AccountImportedPrivateKey holds individually imported private
	// keys.
	AccountImportedPrivateKey
)

// AccountScriptTypes returns the script types that may carry usage for keys
// of the given account kind.
func AccountScriptTypes(kind AccountKind) []ScriptType {
	switch kind {
	case AccountStandard, AccountImportedPrivateKey:
		return []ScriptType{ScriptTypeP2PKH, ScriptTypeP2PK}
	case AccountMultisig:
		return []ScriptType{
			ScriptTypeMultisigP2SH, ScriptTypeMultisigBare,
		}
	case AccountImportedAddress:
		// Script types are derived per record from its derivation
		// kind.
		return nil
	default:
		return nil
	}
}

// Account is the read-only description of a wallet account whose keys are
// to be scanned for usage.
type Account struct {
	// Kind selects the enumeration strategy.
	Kind AccountKind

	// MasterPublicKeys holds the serialized extended public keys of
	// deterministic accounts, one per cosigner.
	MasterPublicKeys []string

	// Threshold is the signing threshold of multisig accounts.
	Threshold int

	// Keys holds the stored key records of imported accounts.
	Keys []KeyRecord
}

// UseAccount registers all candidate sources for the given account.
// Deterministic accounts register the change and receiving subtrees;
// imported accounts add one explicit item per stored key and applicable
// script type.  Unsupported account kinds and malformed key material error
// out immediately without registering a partial set of sources.
func (e *SearchKeyEnumerator) UseAccount(account *Account) error {
	switch account.Kind {
	case AccountStandard, AccountMultisig:
		return e.useDeterministicAccount(account)

	case AccountImportedAddress:
		// The record data is the address hash that relates to the
		// script type.
		var staged []SearchEntry
		for i := range account.Keys {
			record := &account.Keys[i]
			scriptType, token, err := e.hasher.HashForKeyRecord(
				record,
			)
			if err != nil {
				return err
			}
			staged = append(staged, SearchEntry{
				Kind:       EntryExplicit,
				KeyID:      record.KeyID,
				ScriptType: scriptType,
				Token:      token,
			})
		}
		e.pending = append(e.pending, staged...)
		return nil

	case AccountImportedPrivateKey:
		// The record data is the public key for the private key.
		scriptTypes := AccountScriptTypes(account.Kind)
		var staged []SearchEntry
		for i := range account.Keys {
			record := &account.Keys[i]
			if record.Kind != DerivationPrivateKey {
				return fmt.Errorf("key %d: %w", record.KeyID,
					ErrUnsupportedDerivationKind)
			}
			publicKey, err := btcec.ParsePubKey(record.Data)
			if err != nil {
				return fmt.Errorf("key %d: %w", record.KeyID,
					err)
			}
			for _, scriptType := range scriptTypes {
				token, err := e.hasher.HashForPublicKeys(
					scriptType,
					[]*btcec.PublicKey{publicKey}, 1,
				)
				if err != nil {
					return err
				}
				staged = append(staged, SearchEntry{
					Kind:       EntryExplicit,
					KeyID:      record.KeyID,
					ScriptType: scriptType,
					Token:      token,
				})
			}
		}
		e.pending = append(e.pending, staged...)
		return nil

	default:
		return ErrUnsupportedAccountKind
	}
}

func (e *SearchKeyEnumerator) useDeterministicAccount(
	account *Account) error {

	masterKeys := make(
		[]*hdkeychain.ExtendedKey, len(account.MasterPublicKeys),
	)
	for i, serialized := range account.MasterPublicKeys {
		masterKey, err := hdkeychain.NewKeyFromString(serialized)
		if err != nil {
			return fmt.Errorf("master public key %d: %w", i, err)
		}
		masterKeys[i] = masterKey
	}

	threshold := 1
	if account.Kind == AccountMultisig {
		threshold = account.Threshold
	}

	scriptTypes := AccountScriptTypes(account.Kind)
	subpaths := []DerivationPath{ChangeSubpath, ReceivingSubpath}
	staged := make([]*BIP32ParentPath, 0, len(subpaths))
	for _, subpath := range subpaths {
		parentPath, err := newBIP32ParentPath(
			subpath, masterKeys, threshold, scriptTypes,
		)
		if err != nil {
			return err
		}
		staged = append(staged, parentPath)
	}
	e.bip32Paths = append(e.bip32Paths, staged...)
	return nil
}
