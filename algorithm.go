// SPDX-FileCopyrightText: 2020 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pivbox

import "fmt"

// Algorithm is a PIV algorithm identifier as assigned by NIST SP 800-78-4,
// plus the PivApplet hash-on-card pseudo identifiers.
type Algorithm byte

// Algorithms supported by this package. Note that not all cards will support
// every algorithm.
//
// https://nvlpubs.nist.gov/nistpubs/SpecialPublications/NIST.SP.800-78-4.pdf#page=17
const (
	Alg3DES   Algorithm = 0x03
	AlgAES128 Algorithm = 0x08
	AlgAES192 Algorithm = 0x0a
	AlgAES256 Algorithm = 0x0c

	AlgRSA1024 Algorithm = 0x06
	AlgRSA2048 Algorithm = 0x07
	AlgECCP256 Algorithm = 0x11
	AlgECCP384 Algorithm = 0x14

	// Hash-on-card pseudo algorithms for Javacards running PivApplet: they
	// don't support bare ECDSA, so the full input is sent and the card
	// hashes it with SHA-1 or SHA-256 itself.
	AlgECCP256SHA1   Algorithm = 0xf0
	AlgECCP256SHA256 Algorithm = 0xf1
)

//nolint:gochecknoglobals
var algorithmStrings = map[Algorithm]string{
	Alg3DES:          "3DES",
	AlgAES128:        "AES128",
	AlgAES192:        "AES192",
	AlgAES256:        "AES256",
	AlgRSA1024:       "RSA1024",
	AlgRSA2048:       "RSA2048",
	AlgECCP256:       "ECCP256",
	AlgECCP384:       "ECCP384",
	AlgECCP256SHA1:   "ECCP256-SHA1",
	AlgECCP256SHA256: "ECCP256-SHA256",
}

func (a Algorithm) String() string {
	if s, ok := algorithmStrings[a]; ok {
		return s
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(a))
}

// isEC reports whether the algorithm signs with an EC key.
func (a Algorithm) isEC() bool {
	switch a {
	case AlgECCP256, AlgECCP384, AlgECCP256SHA1, AlgECCP256SHA256:
		return true
	default:
		return false
	}
}

// curveSize returns the field size in bytes for EC algorithms, zero
// otherwise.
func (a Algorithm) curveSize() int {
	switch a {
	case AlgECCP256, AlgECCP256SHA1, AlgECCP256SHA256:
		return 32
	case AlgECCP384:
		return 48
	default:
		return 0
	}
}
