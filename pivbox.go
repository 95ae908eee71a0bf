// SPDX-FileCopyrightText: 2020 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package pivbox is a client for PIV smart cards as specified by NIST
// SP 800-73-4, including the YubicoPIV extension instruction set, and for a
// self-describing sealed envelope format ("box") that encrypts payloads to
// a key held on a card.
//
// The package sits on top of the PC/SC stack: the caller establishes an
// scard context, wraps it with SCard and hands the resulting Host to
// Enumerate or Find, which return Token descriptors for the cards present.
// All further interaction happens inside an exclusive transaction on a token:
//
//	tokens, err := pivbox.Enumerate(pivbox.SCard(ctx))
//	// ...
//	tx, err := tokens[0].Begin()
//	// ...
//	defer tx.Close()
//
//	if _, err := tokens[0].ReadCert(pivbox.SlotAuthentication); err != nil {
//		// ...
//	}
//
// PIN and admin authentication state lives inside the card's view of the
// transaction, so multi-step protocols (verify PIN, then sign; admin auth,
// then generate and write a certificate) must be issued within one
// transaction. A Token is not safe for concurrent use.
package pivbox

import "io"

const (
	// DefaultPIN for the PIV applet.
	DefaultPIN = "123456"

	// DefaultPUK for the PIV applet. The PUK is only used to reset the PIN
	// when the card's PIN retries have been exhausted.
	DefaultPUK = "12345678"
)

// DefaultAdminKey is the well-known default 3DES management key of the 9B
// slot, required for key generation, import and certificate writes.
//
//nolint:gochecknoglobals
var DefaultAdminKey = []byte{
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
}

// aidPIV is the application identifier of the PIV applet.
//
//nolint:gochecknoglobals
var aidPIV = []byte{0xa0, 0x00, 0x00, 0x03, 0x08, 0x00, 0x00, 0x10, 0x00, 0x01, 0x00}

const (
	// Standard commands from ISO7816-4.
	insSelect              = 0xa4
	insVerify              = 0x20
	insChangeReferenceData = 0x24
	insResetRetryCounter   = 0x2c
	insGeneralAuthenticate = 0x87
	insGenerateAsymmetric  = 0x47
	insGetData             = 0xcb
	insPutData             = 0xdb

	// YubicoPIV extensions.
	//
	// See:
	// - https://developers.yubico.com/PIV/Introduction/Yubico_extensions.html
	insSetManagementKey = 0xff
	insImportKey        = 0xfe
	insGetVersion       = 0xfd
	insReset            = 0xfb
	insSetPINRetries    = 0xfa
	insAttest           = 0xf9
	insGetSerial        = 0xf8
	insGetMetadata      = 0xf7
)

// zeroize overwrites a sensitive buffer.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// readRandom draws n random bytes from r.
func readRandom(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
