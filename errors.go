// SPDX-FileCopyrightText: 2020 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pivbox

import (
	"errors"
	"fmt"

	"github.com/ebfe/scard"

	"cunicu.li/go-pivbox/apdu"
)

// Error kinds. Errors from the card, the transport and argument checks wrap
// one of these sentinels or one of the structured types below, so callers
// can walk the chain with errors.Is / errors.As to find the class they care
// about. A few host-side failures (a failing random source, certificate
// chain verification, compression) wrap only their underlying cause.
var (
	// ErrNotFound is returned when a data object, slot or token is absent.
	ErrNotFound = errors.New("data object or application not found")

	// ErrNotSupported is returned when the card or slot does not implement
	// the requested operation or algorithm.
	ErrNotSupported = errors.New("not supported by card")

	// ErrPermission is returned when the card's security status is not
	// satisfied: wrong PIN, wrong admin key, or missing authentication.
	ErrPermission = errors.New("security status not satisfied")

	// ErrInvalidData is returned when the card sent a response whose
	// structure violates the spec (truncated TLV, wrong tag, unparseable
	// certificate, public point not on its curve).
	ErrInvalidData = errors.New("invalid data from card")

	// ErrArgument is returned when a caller passed a value outside the
	// defined domain before anything was transmitted.
	ErrArgument = errors.New("invalid argument")

	// ErrDeviceOutOfMemory is returned when the card reports storage
	// exhaustion.
	ErrDeviceOutOfMemory = errors.New("device out of memory")

	// ErrResetConditions is returned by Reset when the card refused because
	// PIN and PUK are not both blocked.
	ErrResetConditions = errors.New("reset conditions not met")

	// ErrKeyAuth is returned by AuthKey when the slot's key does not match
	// the supplied public key or its signature did not verify.
	ErrKeyAuth = errors.New("key authentication failed")

	// ErrDuplicate is returned by Find when a GUID prefix matches more than
	// one token.
	ErrDuplicate = errors.New("guid prefix matches multiple tokens")

	// ErrIO is returned when communication with the host smart card stack
	// failed; the underlying scard error is attached to the chain.
	ErrIO = errors.New("card communication failure")

	errTxnRequired     = errors.New("transaction required")
	errChallengeFailed = errors.New("card failed mutual challenge")
)

// APDUError carries a raw status word that is not mapped to a more specific
// error kind.
type APDUError struct {
	SW uint16
}

func (e *APDUError) Error() string {
	return fmt.Sprintf("card returned status 0x%04x", e.SW)
}

// AuthError indicates a failed PIN, PUK or admin key authentication.
type AuthError struct {
	// Retries is the number of attempts remaining before the method blocks.
	// Zero if the method is already blocked or does not count retries.
	Retries int
}

func (e AuthError) Error() string {
	r := "retries"
	if e.Retries == 1 {
		r = "retry"
	}
	return fmt.Sprintf("verification failed (%d %s remaining)", e.Retries, r)
}

// Is makes AuthError match ErrPermission in errors.Is chains.
func (AuthError) Is(target error) bool { return target == ErrPermission }

// MinRetriesError is returned by VerifyPIN when the card's remaining retry
// count is below the caller's floor and no attempt was made.
type MinRetriesError struct {
	// Retries is the card's current remaining attempt count.
	Retries int
}

func (e MinRetriesError) Error() string {
	return fmt.Sprintf("won't attempt PIN, only %d retries remaining", e.Retries)
}

// decodeSW translates a status word into an error, or nil for success.
//
// https://nvlpubs.nist.gov/nistpubs/SpecialPublications/NIST.SP.800-73-4.pdf#page=87
func decodeSW(sw uint16) error {
	switch {
	case sw == 0x9000:
		return nil

	case sw == 0x6a82:
		return ErrNotFound

	case sw == 0x6a81:
		return ErrNotSupported

	case sw == 0x6982:
		return ErrPermission

	case sw == 0x6983:
		// Authentication method blocked.
		return AuthError{0}

	case sw&0xfff0 == 0x63c0:
		return AuthError{int(sw & 0xf)}

	case sw&0xfff0 == 0x6300:
		// Older YubiKeys encode the retry count without the 0xC marker.
		// Not spec compliant, but accept it anyway.
		return AuthError{int(sw & 0xf)}

	case sw == 0x6a84:
		return ErrDeviceOutOfMemory

	default:
		return &APDUError{SW: sw}
	}
}

// wrapExchange normalizes errors coming out of the framer: chain aborts
// carry their status word through decodeSW, scard failures become IO errors.
func wrapExchange(err error) error {
	var aErr *apdu.Error
	if errors.As(err, &aErr) {
		return decodeSW(aErr.SW)
	}

	var sErr scard.Error
	if errors.As(err, &sErr) {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	return err
}
