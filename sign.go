// SPDX-FileCopyrightText: 2020 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pivbox

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ssh"

	"cunicu.li/go-pivbox/tlv"
)

// PKCS#1 v1.5 DigestInfo prefixes, largely informed by the standard library.
// https://github.com/golang/go/blob/go1.13.5/src/crypto/rsa/pkcs1v15.go
//
//nolint:gochecknoglobals
var hashPrefixes = map[crypto.Hash][]byte{
	crypto.SHA1:   {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// defaultHash picks the hash for a slot algorithm when the caller did not.
func defaultHash(alg Algorithm) crypto.Hash {
	switch alg {
	case AlgECCP384:
		return crypto.SHA384
	case AlgECCP256SHA1:
		return crypto.SHA1
	default:
		return crypto.SHA256
	}
}

func rsaModulusLen(alg Algorithm) int {
	switch alg {
	case AlgRSA1024:
		return 128
	case AlgRSA2048:
		return 256
	default:
		return 0
	}
}

// genAuth runs one GENERAL AUTHENTICATE round on a slot: a dynamic
// authentication template asking for a response (0x82) to the payload
// carried under payloadTag, returning the 0x82 value of the reply.
func (t *Token) genAuth(alg Algorithm, slot SlotID, payloadTag uint32, payload []byte) ([]byte, error) {
	req := tlv.New()
	req.Push(0x7c)
	req.WriteTLV(0x82, nil)
	req.WriteTLV(payloadTag, payload)
	req.Pop() //nolint:errcheck

	resp, err := t.send(insGeneralAuthenticate, byte(alg), byte(slot), req.Bytes(), 256)
	if err != nil {
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}

	return dynAuthValue(resp, 0x82)
}

// Sign signs a payload with the key in the given slot, hashing it first
// with the given hash (or a default picked from the slot algorithm when
// zero). For the hash-on-card pseudo algorithms the unhashed payload is
// sent and the card does the digesting itself.
//
// The signature is returned in ASN.1/X.509 form along with the hash that
// was actually used. Slots protected by a PIN policy must be unlocked with
// VerifyPIN earlier in the same transaction.
func (t *Token) Sign(slot *Slot, data []byte, hash crypto.Hash) ([]byte, crypto.Hash, error) {
	if slot == nil {
		return nil, 0, fmt.Errorf("%w: nil slot", ErrArgument)
	}

	switch slot.alg {
	case AlgECCP256SHA1, AlgECCP256SHA256:
		// Hash-on-card: full input goes to the card.
		hash = defaultHash(slot.alg)

		sig, err := t.genAuth(slot.alg, slot.id, 0x81, data)
		if err != nil {
			return nil, 0, err
		}

		sig, err = normalizeECSignature(sig, slot.alg.curveSize())
		if err != nil {
			return nil, 0, err
		}
		return sig, hash, nil
	}

	if hash == 0 {
		hash = defaultHash(slot.alg)
	}
	if !hash.Available() {
		return nil, 0, fmt.Errorf("%w: hash %s not linked in", ErrArgument, hash)
	}

	h := hash.New()
	h.Write(data)

	sig, err := t.SignPrehash(slot, h.Sum(nil), hash)
	if err != nil {
		return nil, 0, err
	}
	return sig, hash, nil
}

// SignPrehash signs an already computed digest. Slots configured for
// hash-on-card algorithms cannot sign a prehash and yield ErrNotSupported.
func (t *Token) SignPrehash(slot *Slot, digest []byte, hash crypto.Hash) ([]byte, error) {
	if slot == nil {
		return nil, fmt.Errorf("%w: nil slot", ErrArgument)
	}

	switch {
	case slot.alg == AlgECCP256SHA1 || slot.alg == AlgECCP256SHA256:
		return nil, fmt.Errorf("%w: slot %s hashes on card", ErrNotSupported, slot.id)

	case slot.alg.isEC():
		size := slot.alg.curveSize()

		// Fit the digest to the field size: truncate long digests, left
		// extend short ones.
		switch {
		case len(digest) > size:
			digest = digest[:size]
		case len(digest) < size:
			padded := make([]byte, size)
			copy(padded[size-len(digest):], digest)
			digest = padded
		}

		sig, err := t.genAuth(slot.alg, slot.id, 0x81, digest)
		if err != nil {
			return nil, err
		}
		return normalizeECSignature(sig, size)

	case slot.alg == AlgRSA1024 || slot.alg == AlgRSA2048:
		if hash == 0 {
			hash = defaultHash(slot.alg)
		}

		em, err := pkcs1v15Pad(hash, digest, rsaModulusLen(slot.alg))
		if err != nil {
			return nil, err
		}

		return t.genAuth(slot.alg, slot.id, 0x81, em)

	default:
		return nil, fmt.Errorf("%w: cannot sign with algorithm %s", ErrNotSupported, slot.alg)
	}
}

// pkcs1v15Pad builds the EMSA-PKCS1-v1_5 block for a digest.
//
// https://tools.ietf.org/pdf/rfc2313.pdf#page=9
func pkcs1v15Pad(hash crypto.Hash, digest []byte, k int) ([]byte, error) {
	prefix, ok := hashPrefixes[hash]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported hash crypto.Hash(%d)", ErrArgument, hash)
	}
	if hash.Size() != len(digest) {
		return nil, fmt.Errorf("%w: digest of %d bytes for %s", ErrArgument, len(digest), hash)
	}

	d := append(prefix[:len(prefix):len(prefix)], digest...)

	padLen := k - 3 - len(d)
	if padLen < 8 {
		return nil, fmt.Errorf("%w: digest too long for key", ErrArgument)
	}

	em := make([]byte, 0, k)
	em = append(em, 0x00, 0x01)
	for i := 0; i < padLen; i++ {
		em = append(em, 0xff)
	}
	em = append(em, 0x00)
	return append(em, d...), nil
}

type ecdsaSignature struct {
	R, S *big.Int
}

// normalizeECSignature returns an ECDSA signature in DER form: cards either
// send DER already or two field-sized raw integers.
func normalizeECSignature(sig []byte, size int) ([]byte, error) {
	if len(sig) > 0 && sig[0] == 0x30 {
		var parsed ecdsaSignature
		if rest, err := asn1.Unmarshal(sig, &parsed); err == nil && len(rest) == 0 {
			return sig, nil
		}
	}

	if len(sig) == 2*size {
		der, err := asn1.Marshal(ecdsaSignature{
			R: new(big.Int).SetBytes(sig[:size]),
			S: new(big.Int).SetBytes(sig[size:]),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
		}
		return der, nil
	}

	return nil, fmt.Errorf("%w: signature of %d bytes", ErrInvalidData, len(sig))
}

// ECDH performs a Diffie-Hellman key agreement between the private key in
// the slot and the given EC public key. The returned shared secret is the
// X coordinate, big-endian and field-sized. Callers should run it through a
// key derivation function before use.
func (t *Token) ECDH(slot *Slot, peer ssh.PublicKey) ([]byte, error) {
	if slot == nil {
		return nil, fmt.Errorf("%w: nil slot", ErrArgument)
	}
	if !slot.alg.isEC() {
		return nil, fmt.Errorf("%w: slot %s does not hold an EC key", ErrNotSupported, slot.id)
	}

	pub, err := ecdsaKeyFromSSH(peer)
	if err != nil {
		return nil, err
	}

	size := (pub.Curve.Params().BitSize + 7) / 8
	if size != slot.alg.curveSize() {
		return nil, fmt.Errorf("%w: peer key curve does not match slot", ErrArgument)
	}

	// Uncompressed SEC1 point.
	point := make([]byte, 1+2*size)
	point[0] = 0x04
	pub.X.FillBytes(point[1 : 1+size])
	pub.Y.FillBytes(point[1+size:])

	secret, err := t.genAuth(slot.alg, slot.id, 0x81, point)
	if err != nil {
		return nil, err
	}
	if len(secret) != size {
		return nil, fmt.Errorf("%w: shared secret of %d bytes", ErrInvalidData, len(secret))
	}
	return secret, nil
}

// ecdsaKeyFromSSH unwraps an ECDSA key from its SSH form.
func ecdsaKeyFromSSH(pub ssh.PublicKey) (*ecdsa.PublicKey, error) {
	ck, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key type %s", ErrArgument, pub.Type())
	}
	ec, ok := ck.CryptoPublicKey().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key type %s is not EC", ErrArgument, pub.Type())
	}
	return ec, nil
}

// AuthKey proves that the key in a slot matches the given public key: the
// keys are compared structurally, then the slot signs freshly generated
// random data and the signature is verified against the supplied key. A
// mismatch at either step yields ErrKeyAuth.
func (t *Token) AuthKey(slot *Slot, pub ssh.PublicKey) error {
	if slot == nil || pub == nil {
		return fmt.Errorf("%w: nil slot or key", ErrArgument)
	}

	if slot.pub != nil && !bytes.Equal(slot.pub.Marshal(), pub.Marshal()) {
		return fmt.Errorf("%w: public key does not match slot %s", ErrKeyAuth, slot.id)
	}

	data, err := readRandom(t.rand, 16)
	if err != nil {
		return fmt.Errorf("failed to read random data: %w", err)
	}

	sig, hash, err := t.Sign(slot, data, 0)
	if err != nil {
		return err
	}

	if err := verifySignature(pub, hash, data, sig); err != nil {
		return fmt.Errorf("%w: %w", ErrKeyAuth, err)
	}
	return nil
}

// verifySignature checks an ASN.1/X.509 signature against a public key in
// SSH form.
func verifySignature(pub ssh.PublicKey, hash crypto.Hash, data, sig []byte) error {
	ck, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return fmt.Errorf("%w: key type %s", ErrArgument, pub.Type())
	}

	h := hash.New()
	h.Write(data)
	digest := h.Sum(nil)

	switch key := ck.CryptoPublicKey().(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return errors.New("ecdsa signature does not verify")
		}
		return nil

	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, hash, digest, sig)

	default:
		return fmt.Errorf("%w: key type %T", ErrArgument, key)
	}
}
