// SPDX-FileCopyrightText: 2020 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pivbox

import (
	"bytes"
	"compress/gzip"
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ssh"

	"cunicu.li/go-pivbox/tlv"
)

// maxObjectLen is the object buffer size YubiKeys advertise; certificates
// that do not fit uncompressed are stored gzipped.
const maxObjectLen = 3052

// GenerateKey generates a new asymmetric key pair in a slot and returns the
// public key. Requires AuthAdmin earlier in the same transaction.
//
// PIN and touch policies are YubicoPIV extensions; leave them at their
// Default values for plain PIV cards.
//
// https://nvlpubs.nist.gov/nistpubs/SpecialPublications/NIST.SP.800-73-4.pdf#page=95
func (t *Token) GenerateKey(slot SlotID, alg Algorithm, pin PINPolicy, touch TouchPolicy) (ssh.PublicKey, error) {
	if !slot.valid() {
		return nil, fmt.Errorf("%w: slot 0x%02x", ErrArgument, byte(slot))
	}

	switch alg {
	case AlgRSA1024, AlgRSA2048, AlgECCP256, AlgECCP384:
	default:
		return nil, fmt.Errorf("%w: cannot generate %s keys", ErrArgument, alg)
	}

	req := tlv.New()
	req.Push(0xac)
	req.WriteTLV(0x80, []byte{byte(alg)})
	if err := appendPolicies(req, t, pin, touch); err != nil {
		return nil, err
	}
	req.Pop() //nolint:errcheck

	resp, err := t.send(insGenerateAsymmetric, 0, byte(slot), req.Bytes(), 256)
	if err != nil {
		if errors.Is(err, ErrPermission) {
			return nil, fmt.Errorf("admin authentication required: %w", err)
		}
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}

	tag, body, err := tlv.NewReader(resp).ReadTLV()
	if err != nil || tag != 0x7f49 {
		return nil, fmt.Errorf("%w: missing public key template", ErrInvalidData)
	}

	return decodeCardPublicKey(alg, body)
}

// appendPolicies writes the YubicoPIV PIN and touch policy tags when set.
func appendPolicies(req *tlv.Buffer, t *Token, pin PINPolicy, touch TouchPolicy) error {
	if pin == PINPolicyDefault && touch == TouchPolicyDefault {
		return nil
	}
	if !t.IsYubicoPIV() {
		return fmt.Errorf("%w: key policies require YubicoPIV", ErrArgument)
	}

	if pin != PINPolicyDefault {
		pp, ok := pinPolicyMap[pin]
		if !ok {
			return fmt.Errorf("%w: pin policy %d", ErrArgument, pin)
		}
		req.WriteTLV(tagPINPolicy, []byte{pp})
	}

	if touch != TouchPolicyDefault {
		tp, ok := touchPolicyMap[touch]
		if !ok {
			return fmt.Errorf("%w: touch policy %d", ErrArgument, touch)
		}
		req.WriteTLV(tagTouchPolicy, []byte{tp})
	}

	return nil
}

// decodeCardPublicKey parses the 0x7F49 template returned by GENERATE
// ASYMMETRIC: modulus and exponent for RSA, an uncompressed point for EC.
// The point is checked to lie on the claimed curve before it is returned.
func decodeCardPublicKey(alg Algorithm, body *tlv.Reader) (ssh.PublicKey, error) {
	var modulus, exponent, point []byte

	for body.Len() > 0 {
		tag, child, err := body.ReadTLV()
		if err != nil {
			return nil, fmt.Errorf("%w: bad public key template: %w", ErrInvalidData, err)
		}

		switch tag {
		case 0x81:
			modulus = child.Rest()
		case 0x82:
			exponent = child.Rest()
		case 0x86:
			point = child.Rest()
		}
	}

	switch alg {
	case AlgRSA1024, AlgRSA2048:
		if modulus == nil || exponent == nil {
			return nil, fmt.Errorf("%w: missing RSA modulus or exponent", ErrInvalidData)
		}

		var n, e big.Int
		n.SetBytes(modulus)
		e.SetBytes(exponent)
		if !e.IsInt64() || e.Int64() <= 1 {
			return nil, fmt.Errorf("%w: bad RSA exponent", ErrInvalidData)
		}

		return ssh.NewPublicKey(&rsa.PublicKey{N: &n, E: int(e.Int64())})

	case AlgECCP256, AlgECCP384:
		pub, err := decodeECPoint(alg, point)
		if err != nil {
			return nil, err
		}
		return ssh.NewPublicKey(pub)

	default:
		return nil, fmt.Errorf("%w: algorithm %s", ErrArgument, alg)
	}
}

// decodeECPoint validates an uncompressed SEC1 point against the
// algorithm's curve.
func decodeECPoint(alg Algorithm, point []byte) (*ecdsa.PublicKey, error) {
	size := alg.curveSize()
	if len(point) != 1+2*size || point[0] != 0x04 {
		return nil, fmt.Errorf("%w: public point of %d bytes is not uncompressed", ErrInvalidData, len(point))
	}

	var ecdhCurve ecdh.Curve
	var curve elliptic.Curve
	if alg == AlgECCP384 {
		ecdhCurve, curve = ecdh.P384(), elliptic.P384()
	} else {
		ecdhCurve, curve = ecdh.P256(), elliptic.P256()
	}

	// NewPublicKey rejects points that are not on the curve.
	if _, err := ecdhCurve.NewPublicKey(point); err != nil {
		return nil, fmt.Errorf("%w: public point not on curve: %w", ErrInvalidData, err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(point[1 : 1+size]),
		Y:     new(big.Int).SetBytes(point[1+size:]),
	}, nil
}

// ImportKey imports an asymmetric private key into a slot. This is a
// YubicoPIV extension and requires AuthAdmin earlier in the same
// transaction.
//
// Keys generated outside the card should not be considered hardware-backed:
// there is no way to prove the material wasn't copied before import.
func (t *Token) ImportKey(slot SlotID, private crypto.PrivateKey, pin PINPolicy, touch TouchPolicy) error {
	if !slot.valid() {
		return fmt.Errorf("%w: slot 0x%02x", ErrArgument, byte(slot))
	}

	pad := func(l int, b []byte) []byte {
		k := make([]byte, l)
		copy(k[l-len(b):], b)
		return k
	}

	var alg Algorithm
	req := tlv.New()

	switch priv := private.(type) {
	case *rsa.PrivateKey:
		var elemLen int
		switch priv.N.BitLen() {
		case 1024:
			alg, elemLen = AlgRSA1024, 64
		case 2048:
			alg, elemLen = AlgRSA2048, 128
		default:
			return fmt.Errorf("%w: RSA-%d keys", ErrArgument, priv.N.BitLen())
		}

		priv.Precompute()

		req.WriteTLV(0x01, pad(elemLen, priv.Primes[0].Bytes()))        // P
		req.WriteTLV(0x02, pad(elemLen, priv.Primes[1].Bytes()))        // Q
		req.WriteTLV(0x03, pad(elemLen, priv.Precomputed.Dp.Bytes()))   // dP
		req.WriteTLV(0x04, pad(elemLen, priv.Precomputed.Dq.Bytes()))   // dQ
		req.WriteTLV(0x05, pad(elemLen, priv.Precomputed.Qinv.Bytes())) // Qinv

	case *ecdsa.PrivateKey:
		var elemLen int
		switch priv.Params().BitSize {
		case 256:
			alg, elemLen = AlgECCP256, 32
		case 384:
			alg, elemLen = AlgECCP384, 48
		default:
			return fmt.Errorf("%w: curve %s", ErrArgument, priv.Params().Name)
		}

		req.WriteTLV(0x06, pad(elemLen, priv.D.Bytes())) // S value

	default:
		return fmt.Errorf("%w: key type %T", ErrArgument, private)
	}

	if err := appendPolicies(req, t, pin, touch); err != nil {
		return err
	}

	defer zeroize(req.Bytes())

	if _, err := t.send(insImportKey, byte(alg), byte(slot), req.Bytes(), 0); err != nil {
		if errors.Is(err, ErrPermission) {
			return fmt.Errorf("admin authentication required: %w", err)
		}
		return fmt.Errorf("failed to execute command: %w", err)
	}
	return nil
}

// WriteCert stores a certificate in a slot's certificate object. Requires
// AuthAdmin earlier in the same transaction. Certificates too large for the
// card's object buffer are stored gzip-compressed.
//
// https://nvlpubs.nist.gov/nistpubs/SpecialPublications/NIST.SP.800-73-4.pdf#page=40
func (t *Token) WriteCert(slot SlotID, cert *x509.Certificate) error {
	tag, ok := slot.certTag()
	if !ok {
		return fmt.Errorf("%w: slot %s has no certificate object", ErrNotSupported, slot)
	}

	der := cert.Raw
	certInfo := byte(0x00)

	if len(der) > maxObjectLen {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(der); err != nil {
			return fmt.Errorf("failed to compress certificate: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to compress certificate: %w", err)
		}

		der = buf.Bytes()
		certInfo = certInfoCompressed
	}

	body := tlv.New()
	body.WriteTLV(tagCertificate, der)
	body.WriteTLV(tagCertInfo, []byte{certInfo})
	body.WriteTLV(tagErrorDetectionCode, nil)

	return t.WriteFile(tag, body.Bytes())
}

// WriteKeyHistory writes the key history object. Call it after placing keys
// in retired slots. A non-zero off-card count requires a URL where the
// off-card certificates can be fetched. Requires AuthAdmin earlier in the
// same transaction.
func (t *Token) WriteKeyHistory(onCard, offCard int, url string) error {
	if onCard < 0 || offCard < 0 || onCard+offCard > 20 {
		return fmt.Errorf("%w: key history counts out of range", ErrArgument)
	}
	if offCard > 0 && url == "" {
		return fmt.Errorf("%w: off-card certs require a URL", ErrArgument)
	}

	body := tlv.New()
	body.WriteTLV(tagKeysWithOnCardCerts, []byte{byte(onCard)})
	body.WriteTLV(tagKeysWithOffCardCerts, []byte{byte(offCard)})
	body.WriteTLV(tagOffCardCertURL, []byte(url))
	body.WriteTLV(tagErrorDetectionCode, nil)

	if err := t.WriteFile(tagKeyHistory, body.Bytes()); err != nil {
		return err
	}

	t.khOnCard, t.khOffCard, t.khURL = onCard, offCard, url
	return nil
}
