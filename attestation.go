// SPDX-FileCopyrightText: 2020 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pivbox

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Prefix in the x509 Subject Common Name for YubiKey attestations
// https://developers.yubico.com/PIV/Introduction/PIV_attestation.html
const yubikeySubjectCNPrefix = "YubiKey PIV Attestation "

//nolint:gochecknoglobals
var (
	extIDFirmwareVersion = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 41482, 3, 3})
	extIDSerialNumber    = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 41482, 3, 7})
	extIDKeyPolicy       = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 41482, 3, 8})
)

// Attestation holds the device information a YubiKey embeds in the
// certificates it issues with Attest.
type Attestation struct {
	// Version of the device firmware.
	Version Version

	// Serial is the device serial number.
	Serial uint32

	// PINPolicy set on the attested slot.
	PINPolicy PINPolicy

	// TouchPolicy set on the attested slot.
	TouchPolicy TouchPolicy

	// Slot is inferred from the common name in the attestation, zero when
	// it cannot be determined.
	Slot SlotID
}

// Attest asks the card to issue a certificate for the key in a slot, signed
// by the device attestation key in slot F9. This proves the key was
// generated on this specific device. Supported by YubicoPIV >= 4.3.0.
//
// Certificates returned by Attest must not be used for anything but
// attestation or determining the slot's public key.
func (t *Token) Attest(slot SlotID) (*x509.Certificate, error) {
	resp, err := t.send(insAttest, byte(slot), 0, nil, 256)
	if err != nil {
		var aErr *APDUError
		if errors.As(err, &aErr) && aErr.SW == 0x6a80 {
			return nil, fmt.Errorf("slot %s has no generated key: %w", slot, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}

	cert, err := x509.ParseCertificate(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse attestation certificate: %w", ErrInvalidData, err)
	}
	return cert, nil
}

// Verifier verifies attestations against a set of trust anchors, typically
// the Yubico PIV attestation CA.
type Verifier struct {
	// Roots are the trust anchors the device attestation certificate must
	// chain up to.
	Roots *x509.CertPool
}

// Verify proves that a key was generated on the device holding
// attestationCert: slotCert (from Attest) must chain through the device
// attestation certificate to the verifier's roots. On success the
// information embedded in slotCert is returned.
func (v *Verifier) Verify(attestationCert, slotCert *x509.Certificate) (*Attestation, error) {
	if v.Roots == nil {
		return nil, fmt.Errorf("%w: no attestation roots configured", ErrArgument)
	}

	o := x509.VerifyOptions{
		Roots:     v.Roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}

	// Some YubiKey 4 attestation certs do not encode X509v3 basic
	// constraints, which makes chain building fail. Patch the constraint in.
	if !attestationCert.BasicConstraintsValid {
		attestationCert.BasicConstraintsValid = true
		attestationCert.IsCA = true
	}

	o.Intermediates = x509.NewCertPool()
	o.Intermediates.AddCert(attestationCert)

	if _, err := slotCert.Verify(o); err != nil {
		return nil, fmt.Errorf("failed to verify attestation certificate: %w", err)
	}

	return parseAttestation(slotCert)
}

func parseAttestation(slotCert *x509.Certificate) (*Attestation, error) {
	var a Attestation
	for _, ext := range slotCert.Extensions {
		if err := a.addExt(ext); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
		}
	}

	if slot, ok := parseSlotFromCN(slotCert.Subject.CommonName); ok {
		a.Slot = slot
	}

	return &a, nil
}

func (a *Attestation) addExt(e pkix.Extension) error {
	switch {
	case e.Id.Equal(extIDFirmwareVersion):
		if len(e.Value) != 3 {
			return fmt.Errorf("firmware version of %d bytes", len(e.Value))
		}
		a.Version = Version{Major: int(e.Value[0]), Minor: int(e.Value[1]), Patch: int(e.Value[2])}

	case e.Id.Equal(extIDSerialNumber):
		var serial int64
		if _, err := asn1.Unmarshal(e.Value, &serial); err != nil {
			return fmt.Errorf("failed to parse serial number: %w", err)
		}
		if serial < 0 {
			return fmt.Errorf("negative serial number %d", serial)
		}
		a.Serial = uint32(serial)

	case e.Id.Equal(extIDKeyPolicy):
		if len(e.Value) != 2 {
			return fmt.Errorf("key policy of %d bytes", len(e.Value))
		}

		pp, ok := pinPolicyMapInv[e.Value[0]]
		if !ok {
			return fmt.Errorf("unknown pin policy 0x%02x", e.Value[0])
		}
		a.PINPolicy = pp

		tp, ok := touchPolicyMapInv[e.Value[1]]
		if !ok {
			return fmt.Errorf("unknown touch policy 0x%02x", e.Value[1])
		}
		a.TouchPolicy = tp
	}

	return nil
}

func parseSlotFromCN(commonName string) (SlotID, bool) {
	if !strings.HasPrefix(commonName, yubikeySubjectCNPrefix) {
		return 0, false
	}

	key, err := strconv.ParseUint(strings.TrimPrefix(commonName, yubikeySubjectCNPrefix), 16, 8)
	if err != nil {
		return 0, false
	}

	if id := SlotID(key); id.valid() {
		return id, true
	}
	return 0, false
}
