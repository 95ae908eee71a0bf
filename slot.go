// SPDX-FileCopyrightText: 2020 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pivbox

import (
	"bytes"
	"compress/gzip"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/ssh"

	"cunicu.li/go-pivbox/tlv"
)

// SlotID is the 8-bit key reference of a PIV key slot.
//
// Key IDs are specified in NIST 800-73-4 section 5.1:
// https://nvlpubs.nist.gov/nistpubs/SpecialPublications/NIST.SP.800-73-4.pdf#page=32
type SlotID byte

// Slots supported by this package.
const (
	SlotAuthentication     SlotID = 0x9a
	SlotCardManagement     SlotID = 0x9b
	SlotSignature          SlotID = 0x9c
	SlotKeyManagement      SlotID = 0x9d
	SlotCardAuthentication SlotID = 0x9e

	SlotRetired1  SlotID = 0x82
	SlotRetired20 SlotID = 0x95

	// SlotAttestation holds the YubiKey device attestation key.
	SlotAttestation SlotID = 0xf9
)

// RetiredSlot returns the n-th retired key management slot, 1 through 20.
func RetiredSlot(n int) (SlotID, bool) {
	if n < 1 || n > 20 {
		return 0, false
	}
	return SlotRetired1 + SlotID(n-1), true
}

// String returns the two-character hex representation of the slot.
func (s SlotID) String() string {
	return strconv.FormatUint(uint64(s), 16)
}

func (s SlotID) valid() bool {
	switch {
	case s >= 0x9a && s <= 0x9e:
		return true
	case s >= SlotRetired1 && s <= SlotRetired20:
		return true
	case s == SlotAttestation:
		return true
	default:
		return false
	}
}

// certTag returns the data object tag holding the slot's certificate.
// The card management slot 9B has none.
func (s SlotID) certTag() (uint32, bool) {
	switch {
	case s == SlotAuthentication:
		return tagCert9A, true
	case s == SlotSignature:
		return tagCert9C, true
	case s == SlotKeyManagement:
		return tagCert9D, true
	case s == SlotCardAuthentication:
		return tagCert9E, true
	case s >= SlotRetired1 && s <= SlotRetired20:
		return tagCertRetired1 + uint32(s-SlotRetired1), true
	case s == SlotAttestation:
		return tagCertAttestation, true
	default:
		return 0, false
	}
}

// allCertSlots is the fixed enumeration order used by ReadAllCerts.
//
//nolint:gochecknoglobals
var allCertSlots = func() []SlotID {
	ids := []SlotID{
		SlotAuthentication,
		SlotSignature,
		SlotKeyManagement,
		SlotCardAuthentication,
	}
	for s := SlotRetired1; s <= SlotRetired20; s++ {
		ids = append(ids, s)
	}
	return append(ids, SlotAttestation)
}()

// Slot is one key/certificate location on a token. Slots are created by
// ReadCert when a certificate is found, or by ForceSlot for slots that can
// sign but have nothing stored. Their buffers are owned by the parent token.
type Slot struct {
	id         SlotID
	alg        Algorithm
	cert       *x509.Certificate
	subject    string
	pub        ssh.PublicKey
	compressed bool
}

// ID returns the slot's key reference.
func (s *Slot) ID() SlotID { return s.id }

// Algorithm returns the slot's algorithm identifier.
func (s *Slot) Algorithm() Algorithm { return s.alg }

// Certificate returns the certificate stored in the slot, or nil for forced
// slots.
func (s *Slot) Certificate() *x509.Certificate { return s.cert }

// Subject returns the certificate's subject DN in RFC 2253 form, or the
// empty string for forced slots.
func (s *Slot) Subject() string { return s.subject }

// PublicKey returns the slot's public key in SSH form, or nil for forced
// slots.
func (s *Slot) PublicKey() ssh.PublicKey { return s.pub }

// CompressedCert reports whether the certificate was stored gzip-compressed
// on the card.
func (s *Slot) CompressedCert() bool { return s.compressed }

// Slots returns the slots enumerated so far, ordered by slot ID.
func (t *Token) Slots() []*Slot { return t.slots }

// Slot returns the slot with the given ID, or nil if it has not been
// enumerated with ReadCert or created with ForceSlot.
func (t *Token) Slot(id SlotID) *Slot {
	for _, s := range t.slots {
		if s.id == id {
			return s
		}
	}
	return nil
}

// upsertSlot records a slot, keeping the collection ordered by ID.
func (t *Token) upsertSlot(s *Slot) *Slot {
	for i, old := range t.slots {
		if old.id == s.id {
			t.slots[i] = s
			return s
		}
	}

	i := 0
	for ; i < len(t.slots); i++ {
		if t.slots[i].id > s.id {
			break
		}
	}
	t.slots = append(t.slots, nil)
	copy(t.slots[i+1:], t.slots[i:])
	t.slots[i] = s
	return s
}

// ForceSlot creates a slot descriptor for a slot without a stored
// certificate, so that signing operations can still address it. Certificate
// and public key remain unset.
func (t *Token) ForceSlot(id SlotID, alg Algorithm) *Slot {
	return t.upsertSlot(&Slot{id: id, alg: alg})
}

// ReadCert reads the certificate object of the given slot and adds (or
// refreshes) the slot in the token's registry.
//
// A slot whose object is absent yields ErrNotFound and is not added.
func (t *Token) ReadCert(id SlotID) (*Slot, error) {
	tag, ok := id.certTag()
	if !ok {
		return nil, fmt.Errorf("%w: slot %s has no certificate object", ErrNotSupported, id)
	}

	data, err := t.ReadFile(tag)
	if err != nil {
		return nil, err
	}

	var (
		der        []byte
		compressed bool
	)

	r := tlv.NewReader(data)
	for r.Len() > 0 {
		tag, child, err := r.ReadTLV()
		if err != nil {
			return nil, fmt.Errorf("%w: bad certificate object: %w", ErrInvalidData, err)
		}

		switch tag {
		case tagCertificate:
			der = child.Rest()
		case tagCertInfo:
			if b, err := child.ReadByte8(); err == nil {
				compressed = b&certInfoCompressed != 0
			}
		case tagErrorDetectionCode:
			// LRC, always empty. Ignored.
		}
	}

	if der == nil {
		return nil, fmt.Errorf("%w: certificate object without cert", ErrInvalidData)
	}

	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(der))
		if err != nil {
			return nil, fmt.Errorf("%w: bad gzip certificate: %w", ErrInvalidData, err)
		}
		if der, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("%w: bad gzip certificate: %w", ErrInvalidData, err)
		}
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse certificate: %w", ErrInvalidData, err)
	}

	alg, err := algorithmForPublicKey(cert.PublicKey)
	if err != nil {
		return nil, err
	}

	pub, err := ssh.NewPublicKey(cert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
	}

	return t.upsertSlot(&Slot{
		id:         id,
		alg:        alg,
		cert:       cert,
		subject:    cert.Subject.String(),
		pub:        pub,
		compressed: compressed,
	}), nil
}

// ReadAllCerts enumerates every certificate slot. Slots without a
// certificate and slots the card does not implement are skipped silently;
// slots the card refuses to disclose without a PIN are skipped too and
// returned so the caller knows they exist. Any other error aborts the scan.
func (t *Token) ReadAllCerts() (skipped []SlotID, err error) {
	for _, id := range allCertSlots {
		switch _, err := t.ReadCert(id); {
		case err == nil:
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotSupported):
		case errors.Is(err, ErrPermission):
			skipped = append(skipped, id)
		default:
			return skipped, fmt.Errorf("failed to read cert for slot %s: %w", id, err)
		}
	}
	return skipped, nil
}

// algorithmForPublicKey infers the PIV algorithm ID from a certificate's
// key, following the assignments of NIST SP 800-78-4.
func algorithmForPublicKey(pub crypto.PublicKey) (Algorithm, error) {
	switch pub := pub.(type) {
	case *rsa.PublicKey:
		switch pub.N.BitLen() {
		case 1024:
			return AlgRSA1024, nil
		case 2048:
			return AlgRSA2048, nil
		default:
			return 0, fmt.Errorf("%w: RSA-%d key", ErrNotSupported, pub.N.BitLen())
		}

	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P256():
			return AlgECCP256, nil
		case elliptic.P384():
			return AlgECCP384, nil
		default:
			return 0, fmt.Errorf("%w: curve %s", ErrNotSupported, pub.Curve.Params().Name)
		}

	default:
		return 0, fmt.Errorf("%w: key type %T", ErrNotSupported, pub)
	}
}
