// Copyright (c) 2024 The scanwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scan

import (
	"bytes"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ScriptType identifies the spending-condition template a candidate output
// script implements.  It determines how the lookup token for a key is
// computed.
type ScriptType uint8

const (
	// ScriptTypeNone is the zero value and does not identify any script.
	ScriptTypeNone ScriptType = iota

	// ScriptTypeP2PK is a bare pay-to-public-key output.
	ScriptTypeP2PK

	// ScriptTypeP2PKH is a pay-to-public-key-hash output.
	ScriptTypeP2PKH

	// ScriptTypeMultisigBare is a bare m-of-n multi-signature output.
	ScriptTypeMultisigBare

	// ScriptTypeMultisigP2SH is an m-of-n multi-signature output wrapped
	// in a pay-to-script-hash output.
	ScriptTypeMultisigP2SH
)

// String returns a human readable name for the script type.
func (t ScriptType) String() string {
	switch t {
	case ScriptTypeNone:
		return "none"
	case ScriptTypeP2PK:
		return "p2pk"
	case ScriptTypeP2PKH:
		return "p2pkh"
	case ScriptTypeMultisigBare:
		return "multisig-bare"
	case ScriptTypeMultisigP2SH:
		return "multisig-p2sh"
	default:
		return "unknown"
	}
}

// DerivationPath is a sequence of non-hardened BIP32 child indexes applied in
// order, identifying one subtree of a deterministic key hierarchy.
type DerivationPath []uint32

// String returns the path as slash separated child indexes, e.g. "0" or
// "1/2".  The result is used as a map key for per-subpath settings.
func (p DerivationPath) String() string {
	parts := make([]string, len(p))
	for i, n := range p {
		parts[i] = strconv.FormatUint(uint64(n), 10)
	}
	return strings.Join(parts, "/")
}

// Equal returns whether both paths contain the same child indexes.
func (p DerivationPath) Equal(other DerivationPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i, n := range p {
		if other[i] != n {
			return false
		}
	}
	return true
}

var (
	// ReceivingSubpath is the conventional external chain used for
	// receiving addresses.
	ReceivingSubpath = DerivationPath{0}

	// ChangeSubpath is the conventional internal chain used for change
	// addresses.
	ChangeSubpath = DerivationPath{1}
)

// sortedSerializedKeys returns the compressed serializations of the given
// public keys in lexicographic order.  Multi-signature redeem scripts are
// built from keys in this canonical order so that every cosigner derives the
// same script.
func sortedSerializedKeys(publicKeys []*btcec.PublicKey) [][]byte {
	serialized := make([][]byte, len(publicKeys))
	for i, publicKey := range publicKeys {
		serialized[i] = publicKey.SerializeCompressed()
	}
	sort.Slice(serialized, func(i, j int) bool {
		return bytes.Compare(serialized[i], serialized[j]) < 0
	})
	return serialized
}

// multiSigRedeemScript builds the canonical m-of-n redeem script for the
// given cosigner public keys.
func multiSigRedeemScript(publicKeys []*btcec.PublicKey, threshold int,
	chainParams *chaincfg.Params) ([]byte, error) {

	sortedKeys := sortedSerializedKeys(publicKeys)
	addrKeys := make([]*btcutil.AddressPubKey, len(sortedKeys))
	for i, serialized := range sortedKeys {
		addrKey, err := btcutil.NewAddressPubKey(serialized, chainParams)
		if err != nil {
			return nil, err
		}
		addrKeys[i] = addrKey
	}
	return txscript.MultiSigScript(addrKeys, threshold)
}

// scriptForPublicKeys assembles the full output script that the given public
// keys would be paid to under the given script type.
func scriptForPublicKeys(scriptType ScriptType,
	publicKeys []*btcec.PublicKey, threshold int,
	chainParams *chaincfg.Params) ([]byte, error) {

	switch scriptType {
	case ScriptTypeP2PK:
		if len(publicKeys) != 1 {
			return nil, ErrUnsupportedScriptType
		}
		addr, err := btcutil.NewAddressPubKey(
			publicKeys[0].SerializeCompressed(), chainParams,
		)
		if err != nil {
			return nil, err
		}
		return txscript.PayToAddrScript(addr)

	case ScriptTypeP2PKH:
		if len(publicKeys) != 1 {
			return nil, ErrUnsupportedScriptType
		}
		pubKeyHash := btcutil.Hash160(
			publicKeys[0].SerializeCompressed(),
		)
		addr, err := btcutil.NewAddressPubKeyHash(
			pubKeyHash, chainParams,
		)
		if err != nil {
			return nil, err
		}
		return txscript.PayToAddrScript(addr)

	case ScriptTypeMultisigBare:
		// A bare multisig output is the multisig script itself.
		return multiSigRedeemScript(publicKeys, threshold, chainParams)

	case ScriptTypeMultisigP2SH:
		redeemScript, err := multiSigRedeemScript(
			publicKeys, threshold, chainParams,
		)
		if err != nil {
			return nil, err
		}
		addr, err := btcutil.NewAddressScriptHash(
			redeemScript, chainParams,
		)
		if err != nil {
			return nil, err
		}
		return txscript.PayToAddrScript(addr)

	default:
		return nil, ErrUnsupportedScriptType
	}
}
