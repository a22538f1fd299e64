// Copyright (c) 2024 The scanwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scan

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

var (
	// ErrUnsupportedScriptType describes a script type that the selected
	// hashing strategy cannot compute a token for.
	ErrUnsupportedScriptType = errors.New("unsupported script type")

	// ErrUnsupportedDerivationKind describes a key record whose
	// derivation kind cannot be converted to a token.
	ErrUnsupportedDerivationKind = errors.New(
		"unsupported derivation kind")
)

// Token is the value registered with the remote indexing service to ask
// whether anything has ever paid the underlying script or key.  Its string
// form is the reversed hex encoding used on the Electrum wire.
type Token chainhash.Hash

// String returns the token in the reversed hex form expected by Electrum
// protocol servers.
func (t Token) String() string {
	return chainhash.Hash(t).String()
}

// hashToken reduces an arbitrary byte string to a token with a single round
// of SHA-256, matching the hashing the remote index applies.
func hashToken(data []byte) Token {
	return Token(chainhash.HashH(data))
}

// DerivationKind describes how the underlying data of a stored key record is
// to be interpreted.
type DerivationKind uint8

const (
	// DerivationPublicKeyHash is a record holding the HASH160 of a public
	// key, typically from an imported address.
	DerivationPublicKeyHash DerivationKind = iota

	// DerivationScriptHash is a record holding the HASH160 of a redeem
	// script, typically from an imported P2SH address.  The redeem script
	// itself is not available.
	DerivationScriptHash

	// DerivationPrivateKey is a record holding the serialized public key
	// for an imported private key.
	DerivationPrivateKey
)

// KeyRecord is the read-only view of one stored wallet key as provided by
// the wallet data layer.
type KeyRecord struct {
	// KeyID is the stable identifier of the key within the wallet.
	KeyID uint32

	// Kind determines the interpretation of Data.
	Kind DerivationKind

	// Data holds the hash or serialized public key per Kind.
	Data []byte
}

// ItemHasher converts candidate keys and stored key records into the tokens
// registered with the remote indexing service.  The two provided strategies
// differ only in what part of the candidate script is hashed, matching
// services that index whole output scripts versus pushed data items.
type ItemHasher interface {
	// HashForPublicKeys computes the token for the script the given
	// public keys would be paid to under the given script type.  The
	// threshold is only meaningful for multi-signature script types.
	HashForPublicKeys(scriptType ScriptType,
		publicKeys []*btcec.PublicKey, threshold int) (Token, error)

	// HashForKeyRecord computes the script type and token for a stored
	// key record.  Only public-key-hash and script-hash records are
	// supported.
	HashForKeyRecord(record *KeyRecord) (ScriptType, Token, error)
}

// ScriptHashHasher tokenizes candidates by hashing the complete serialized
// output script, for services that index whole scripts.
type ScriptHashHasher struct {
	chainParams *chaincfg.Params
}

// NewScriptHashHasher returns a whole-script hashing strategy for the given
// network.
func NewScriptHashHasher(chainParams *chaincfg.Params) *ScriptHashHasher {
	return &ScriptHashHasher{chainParams: chainParams}
}

// HashForPublicKeys computes the token as the SHA-256 of the full output
// script for the given keys and script type.
func (h *ScriptHashHasher) HashForPublicKeys(scriptType ScriptType,
	publicKeys []*btcec.PublicKey, threshold int) (Token, error) {

	script, err := scriptForPublicKeys(
		scriptType, publicKeys, threshold, h.chainParams,
	)
	if err != nil {
		return Token{}, err
	}
	return hashToken(script), nil
}

// HashForKeyRecord computes the token as the SHA-256 of the output script
// reconstructed from the stored hash.
//
// For script-hash records the redeem script is not recoverable from the
// stored hash, so the token is the hash of the P2SH output script instead.
// Services that index multi-signature usage by redeem script will never
// match such a token.  This mirrors the behaviour of existing deployments
// and is deliberately left unchanged.
func (h *ScriptHashHasher) HashForKeyRecord(record *KeyRecord) (ScriptType,
	Token, error) {

	switch record.Kind {
	case DerivationPublicKeyHash:
		addr, err := btcutil.NewAddressPubKeyHash(
			record.Data, h.chainParams,
		)
		if err != nil {
			return ScriptTypeNone, Token{}, err
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return ScriptTypeNone, Token{}, err
		}
		return ScriptTypeP2PKH, hashToken(script), nil

	case DerivationScriptHash:
		addr, err := btcutil.NewAddressScriptHashFromHash(
			record.Data, h.chainParams,
		)
		if err != nil {
			return ScriptTypeNone, Token{}, err
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return ScriptTypeNone, Token{}, err
		}
		return ScriptTypeMultisigP2SH, hashToken(script), nil

	default:
		return ScriptTypeNone, Token{}, ErrUnsupportedDerivationKind
	}
}

// PushDataHasher tokenizes candidates by hashing the identifying data item
// pushed within the script, for services that index pushed data rather than
// whole scripts.
type PushDataHasher struct {
	chainParams *chaincfg.Params
}

// NewPushDataHasher returns a pushdata hashing strategy for the given
// network.
func NewPushDataHasher(chainParams *chaincfg.Params) *PushDataHasher {
	return &PushDataHasher{chainParams: chainParams}
}

// HashForPublicKeys computes the token as the SHA-256 of the data item the
// indexing service extracts from the candidate script: the public key for
// P2PK, its HASH160 for P2PKH, any one cosigner key for bare multisig, and
// the HASH160 of the redeem script for P2SH multisig.
func (h *PushDataHasher) HashForPublicKeys(scriptType ScriptType,
	publicKeys []*btcec.PublicKey, threshold int) (Token, error) {

	switch scriptType {
	case ScriptTypeP2PK:
		if len(publicKeys) != 1 {
			return Token{}, ErrUnsupportedScriptType
		}
		return hashToken(publicKeys[0].SerializeCompressed()), nil

	case ScriptTypeP2PKH:
		if len(publicKeys) != 1 {
			return Token{}, ErrUnsupportedScriptType
		}
		pubKeyHash := btcutil.Hash160(
			publicKeys[0].SerializeCompressed(),
		)
		return hashToken(pubKeyHash), nil

	case ScriptTypeMultisigBare:
		if len(publicKeys) == 0 {
			return Token{}, ErrUnsupportedScriptType
		}
		// Any one of the featured cosigner keys identifies the
		// script to the index.
		return hashToken(publicKeys[0].SerializeCompressed()), nil

	case ScriptTypeMultisigP2SH:
		redeemScript, err := multiSigRedeemScript(
			publicKeys, threshold, h.chainParams,
		)
		if err != nil {
			return Token{}, err
		}
		return hashToken(btcutil.Hash160(redeemScript)), nil

	default:
		return Token{}, ErrUnsupportedScriptType
	}
}

// HashForKeyRecord computes the token as the SHA-256 of the stored hash
// itself, which is exactly the data item a pushdata index stores for both
// P2PKH and P2SH outputs.
func (h *PushDataHasher) HashForKeyRecord(record *KeyRecord) (ScriptType,
	Token, error) {

	switch record.Kind {
	case DerivationPublicKeyHash:
		return ScriptTypeP2PKH, hashToken(record.Data), nil

	case DerivationScriptHash:
		return ScriptTypeMultisigP2SH, hashToken(record.Data), nil

	default:
		return ScriptTypeNone, Token{}, ErrUnsupportedDerivationKind
	}
}
