// SPDX-FileCopyrightText: 2020 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pivbox

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// KeyAuth describes how to satisfy a slot's PIN policy when using its key
// through the crypto.Signer interface.
type KeyAuth struct {
	// PIN, if set, is used directly. PINPrompt is ignored then.
	PIN string

	// PINPrompt is called when a PIN is needed, e.g. to ask the user
	// interactively.
	PINPrompt func() (pin string, err error)

	// PINPolicy of the slot. Defaults to PINPolicyOnce when unset.
	PINPolicy PINPolicy
}

func (k KeyAuth) begin(t *Token, pp PINPolicy) error {
	if pp == PINPolicyNever {
		return nil
	}

	// "PIN always" slots must not skip verification even if the card still
	// considers the PIN verified.
	canSkip := pp != PINPolicyAlways

	pin := k.PIN
	if pin == "" && k.PINPrompt != nil {
		p, err := k.PINPrompt()
		if err != nil {
			return fmt.Errorf("failed to get PIN from prompt: %w", err)
		}
		pin = p
	}
	if pin == "" {
		return fmt.Errorf("%w: PIN required but not provided", ErrArgument)
	}

	return t.VerifyPIN(AuthPIN, pin, nil, canSkip)
}

// PrivateKey wraps a slot's key as a crypto.PrivateKey for use with the
// standard library. The returned key implements crypto.Signer; EC keys can
// additionally be type asserted to *ECPrivateKey for Diffie-Hellman.
//
// The caller must keep the token's transaction open while the key is in
// use.
func (t *Token) PrivateKey(slot *Slot, auth KeyAuth) (crypto.PrivateKey, error) {
	if slot == nil {
		return nil, fmt.Errorf("%w: nil slot", ErrArgument)
	}

	pp := auth.PINPolicy
	if pp == PINPolicyDefault {
		pp = PINPolicyOnce
	}

	if slot.alg.isEC() {
		var pub *ecdsa.PublicKey
		if slot.pub != nil {
			p, err := ecdsaKeyFromSSH(slot.pub)
			if err != nil {
				return nil, err
			}
			pub = p
		}
		return &ECPrivateKey{t: t, slot: slot, pub: pub, auth: auth, pp: pp}, nil
	}

	switch slot.alg {
	case AlgRSA1024, AlgRSA2048:
		var pub *rsa.PublicKey
		if slot.pub != nil {
			ck, ok := slot.pub.(ssh.CryptoPublicKey)
			if !ok {
				return nil, fmt.Errorf("%w: key type %s", ErrArgument, slot.pub.Type())
			}
			if pub, ok = ck.CryptoPublicKey().(*rsa.PublicKey); !ok {
				return nil, fmt.Errorf("%w: slot key is not RSA", ErrArgument)
			}
		}
		return &RSAPrivateKey{t: t, slot: slot, pub: pub, auth: auth, pp: pp}, nil

	default:
		return nil, fmt.Errorf("%w: algorithm %s", ErrNotSupported, slot.alg)
	}
}

// ECPrivateKey is a crypto.Signer for an EC key held in a slot. SharedKey
// performs Diffie-Hellman key agreements against it.
type ECPrivateKey struct {
	t    *Token
	slot *Slot
	pub  *ecdsa.PublicKey
	auth KeyAuth
	pp   PINPolicy
}

var _ crypto.Signer = (*ECPrivateKey)(nil)

// Public returns the public key associated with this private key, or nil
// for forced slots without a certificate.
func (k *ECPrivateKey) Public() crypto.PublicKey {
	if k.pub == nil {
		return nil
	}
	return k.pub
}

// Sign implements crypto.Signer.
func (k *ECPrivateKey) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if err := k.auth.begin(k.t, k.pp); err != nil {
		return nil, err
	}

	var hash crypto.Hash
	if opts != nil {
		hash = opts.HashFunc()
	}
	return k.t.SignPrehash(k.slot, digest, hash)
}

// SharedKey performs a Diffie-Hellman key agreement with the peer. The peer
// key must live on the same curve as the slot's key. The result is the raw
// X coordinate; run it through a key derivation function before use.
func (k *ECPrivateKey) SharedKey(peer *ecdsa.PublicKey) ([]byte, error) {
	if err := k.auth.begin(k.t, k.pp); err != nil {
		return nil, err
	}

	sshPeer, err := ssh.NewPublicKey(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArgument, err)
	}
	return k.t.ECDH(k.slot, sshPeer)
}

// RSAPrivateKey is a crypto.Signer for an RSA key held in a slot.
type RSAPrivateKey struct {
	t    *Token
	slot *Slot
	pub  *rsa.PublicKey
	auth KeyAuth
	pp   PINPolicy
}

var _ crypto.Signer = (*RSAPrivateKey)(nil)

// Public returns the public key associated with this private key, or nil
// for forced slots without a certificate.
func (k *RSAPrivateKey) Public() crypto.PublicKey {
	if k.pub == nil {
		return nil
	}
	return k.pub
}

// Sign implements crypto.Signer with PKCS#1 v1.5. PSS is not supported by
// the card.
func (k *RSAPrivateKey) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if _, ok := opts.(*rsa.PSSOptions); ok {
		return nil, fmt.Errorf("%w: RSA-PSS", ErrNotSupported)
	}

	if err := k.auth.begin(k.t, k.pp); err != nil {
		return nil, err
	}

	var hash crypto.Hash
	if opts != nil {
		hash = opts.HashFunc()
	}
	return k.t.SignPrehash(k.slot, digest, hash)
}
