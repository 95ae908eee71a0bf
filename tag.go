// SPDX-FileCopyrightText: 2023-2024 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package pivbox

// Appendix A––PIV Data Model
//
// https://nvlpubs.nist.gov/nistpubs/SpecialPublications/NIST.SP.800-73-4.pdf#page=37
//
//nolint:unused
const (
	// Data object tags addressable through GET DATA / PUT DATA.
	tagCardCapability = 0x5fc107
	tagCHUID          = 0x5fc102
	tagSecurityObject = 0x5fc106
	tagKeyHistory     = 0x5fc10c
	tagPrintedInfo    = 0x5fc109
	tagDiscovery      = 0x7e

	tagCert9A = 0x5fc105
	tagCert9C = 0x5fc10a
	tagCert9D = 0x5fc10b
	tagCert9E = 0x5fc101

	tagCertRetired1  = 0x5fc10d // first retired slot, 0x82
	tagCertRetired20 = 0x5fc120 // last retired slot, 0x95

	tagCertAttestation = 0x5fff01

	// Table 9. Card Holder Unique Identifier
	tagFASCN                     = 0x30
	tagGUID                      = 0x34
	tagExpirationDate            = 0x35
	tagCardholderUUID            = 0x36
	tagIssuerAsymmetricSignature = 0x3e

	// Tables 10, 15-17, 20-39. X.509 certificate objects
	tagCertificate = 0x70
	tagCertInfo    = 0x71

	// Table 18. Discovery Object
	tagPIVApplicationAID = 0x4f
	tagPINUsagePolicy    = 0x5f2f

	// Table 19. Key History Object
	tagKeysWithOnCardCerts  = 0xc1
	tagKeysWithOffCardCerts = 0xc2
	tagOffCardCertURL       = 0xf3

	// Common
	tagPINPolicy          = 0xaa
	tagTouchPolicy        = 0xab
	tagErrorDetectionCode = 0xfe
)

// certInfoCompressed marks a gzip-compressed certificate in the 0x71
// CertInfo byte of a certificate object.
const certInfoCompressed = 0x01
