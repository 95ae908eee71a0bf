// SPDX-FileCopyrightText: 2023-2024 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package pivbox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" //nolint:gosec
	"errors"
	"fmt"
	"io"

	"cunicu.li/go-pivbox/tlv"
)

// encodePIN pads an ASCII numeric PIN to the 8 byte VERIFY payload.
//
// 2.4.3 Authentication of an Individual
// https://nvlpubs.nist.gov/nistpubs/SpecialPublications/NIST.SP.800-73-4.pdf#page=88
func encodePIN(pin string) ([]byte, error) {
	data := []byte(pin)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: pin cannot be empty", ErrArgument)
	}
	if len(data) > 8 {
		return nil, fmt.Errorf("%w: pin longer than 8 bytes", ErrArgument)
	}

	for i := len(data); i < 8; i++ {
		data = append(data, 0xff)
	}
	return data, nil
}

// verifyP2 maps a cardholder authentication method to the VERIFY key
// reference.
func verifyP2(method AuthMethod) (byte, error) {
	switch method {
	case AuthPIN, AuthGlobalPIN:
		return byte(method), nil
	default:
		return 0, fmt.Errorf("%w: cannot verify with method 0x%02x", ErrArgument, byte(method))
	}
}

// VerifyPIN attempts to unlock the token with a PIN.
//
// With canSkip set, an empty VERIFY first probes whether the card already
// considers the PIN verified in this transaction, and succeeds without
// spending an attempt. Disable canSkip before using "PIN always" slots such
// as the 9C signature slot.
//
// If retries is non-nil it is a floor: when the card's remaining attempt
// count is already below *retries, no attempt is made and a MinRetriesError
// is returned. On a wrong PIN, *retries is updated with the new remaining
// count and the returned error matches ErrPermission.
func (t *Token) VerifyPIN(method AuthMethod, pin string, retries *int, canSkip bool) error {
	p2, err := verifyP2(method)
	if err != nil {
		return err
	}

	data, err := encodePIN(pin)
	if err != nil {
		return err
	}
	defer zeroize(data)

	if canSkip || retries != nil {
		switch _, err := t.send(insVerify, 0, p2, nil, 0); {
		case err == nil:
			if canSkip {
				return nil
			}

		case errors.Is(err, ErrIO):
			return err

		default:
			var aErr AuthError
			if errors.As(err, &aErr) && retries != nil && aErr.Retries < *retries {
				return MinRetriesError{Retries: aErr.Retries}
			}
			// Cards that don't implement the empty probe fall through to a
			// real attempt.
		}
	}

	if _, err := t.send(insVerify, 0, p2, data, 0); err != nil {
		var aErr AuthError
		if errors.As(err, &aErr) && retries != nil {
			*retries = aErr.Retries
		}
		return err
	}

	return nil
}

// Retries returns the number of attempts remaining to enter the correct
// PIN, using an empty VERIFY.
func (t *Token) Retries(method AuthMethod) (int, error) {
	p2, err := verifyP2(method)
	if err != nil {
		return 0, err
	}

	_, err = t.send(insVerify, 0, p2, nil, 0)
	if err == nil {
		return 0, fmt.Errorf("%w: card accepted an empty PIN", ErrInvalidData)
	}

	var aErr AuthError
	if errors.As(err, &aErr) {
		return aErr.Retries, nil
	}
	return 0, err
}

// ChangePIN updates the PIN (or PUK, with AuthPUK) to a new value using
// CHANGE REFERENCE DATA. PINs should be 1-8 numeric characters for
// compatibility.
func (t *Token) ChangePIN(method AuthMethod, pin, newPIN string) error {
	var p2 byte
	switch method {
	case AuthPIN, AuthGlobalPIN, AuthPUK:
		p2 = byte(method)
	default:
		return fmt.Errorf("%w: cannot change reference data 0x%02x", ErrArgument, byte(method))
	}

	oldData, err := encodePIN(pin)
	if err != nil {
		return fmt.Errorf("failed to encode old PIN: %w", err)
	}
	defer zeroize(oldData)

	newData, err := encodePIN(newPIN)
	if err != nil {
		return fmt.Errorf("failed to encode new PIN: %w", err)
	}
	defer zeroize(newData)

	payload := append(oldData[:len(oldData):len(oldData)], newData...)
	defer zeroize(payload)

	if _, err = t.send(insChangeReferenceData, 0, p2, payload, 0); err != nil {
		return fmt.Errorf("failed to execute command: %w", err)
	}
	return nil
}

// ResetPIN sets a new PIN using the PUK and RESET RETRY COUNTER, for cards
// whose PIN has been blocked.
func (t *Token) ResetPIN(method AuthMethod, puk, newPIN string) error {
	p2, err := verifyP2(method)
	if err != nil {
		return err
	}

	pukData, err := encodePIN(puk)
	if err != nil {
		return fmt.Errorf("failed to encode PUK: %w", err)
	}
	defer zeroize(pukData)

	newData, err := encodePIN(newPIN)
	if err != nil {
		return fmt.Errorf("failed to encode new PIN: %w", err)
	}
	defer zeroize(newData)

	payload := append(pukData[:len(pukData):len(pukData)], newData...)
	defer zeroize(payload)

	if _, err = t.send(insResetRetryCounter, 0, p2, payload, 0); err != nil {
		return fmt.Errorf("failed to execute command: %w", err)
	}
	return nil
}

// adminAlg determines the algorithm of the 9B admin key: the card is asked
// via GET METADATA when it is new enough to answer, otherwise the key
// length decides, defaulting 24 byte keys to 3DES.
func (t *Token) adminAlg(keyLen int) (Algorithm, error) {
	if t.ykVersion != nil && t.ykVersion.AtLeast(5, 3, 0) {
		if resp, err := t.send(insGetMetadata, 0, byte(SlotCardManagement), nil, 256); err == nil {
			r := tlv.NewReader(resp)
			for r.Len() > 0 {
				tag, child, err := r.ReadTLV()
				if err != nil {
					break
				}
				if tag == 0x01 && child.Len() == 1 {
					alg, _ := child.ReadByte8()
					return Algorithm(alg), nil
				}
			}
		}
	}

	switch keyLen {
	case 16:
		return AlgAES128, nil
	case 24:
		return Alg3DES, nil
	case 32:
		return AlgAES256, nil
	default:
		return 0, fmt.Errorf("%w: admin key of %d bytes", ErrArgument, keyLen)
	}
}

func adminCipher(alg Algorithm, key []byte) (cipher.Block, error) {
	switch alg {
	case Alg3DES:
		if len(key) != 24 {
			return nil, fmt.Errorf("%w: 3DES admin key must be 24 bytes", ErrArgument)
		}
		return des.NewTripleDESCipher(key) //nolint:gosec

	case AlgAES128, AlgAES192, AlgAES256:
		want := map[Algorithm]int{AlgAES128: 16, AlgAES192: 24, AlgAES256: 32}[alg]
		if len(key) != want {
			break
		}
		return aes.NewCipher(key)
	}

	return nil, fmt.Errorf("%w: admin key does not match algorithm %s", ErrArgument, alg)
}

// AuthAdmin authenticates as the card administrator with the 9B symmetric
// key, using the GENERAL AUTHENTICATE mutual challenge-response. The admin
// state lasts until the transaction ends.
//
// Use DefaultAdminKey if the key has never been changed.
//
// https://nvlpubs.nist.gov/nistpubs/SpecialPublications/NIST.SP.800-73-4.pdf#page=92
func (t *Token) AuthAdmin(key []byte) error {
	alg, err := t.adminAlg(len(key))
	if err != nil {
		return err
	}

	block, err := adminCipher(alg, key)
	if err != nil {
		return err
	}
	bs := block.BlockSize()

	// Request a challenge from the card.
	req := tlv.New()
	req.Push(0x7c)
	req.WriteTLV(0x80, nil)
	req.WriteTLV(0x81, nil)
	req.Pop() //nolint:errcheck

	resp, err := t.send(insGeneralAuthenticate, byte(alg), byte(SlotCardManagement), req.Bytes(), 256)
	if err != nil {
		return fmt.Errorf("failed to execute command: %w", err)
	}

	cardChallenge, err := dynAuthValue(resp, 0x81)
	if err != nil {
		return err
	}
	if len(cardChallenge) != bs {
		return fmt.Errorf("%w: challenge of %d bytes", ErrInvalidData, len(cardChallenge))
	}

	response := make([]byte, bs)
	block.Encrypt(response, cardChallenge)

	challenge, err := readRandom(t.rand, bs)
	if err != nil {
		return fmt.Errorf("failed to read random data: %w", err)
	}

	req = tlv.New()
	req.Push(0x7c)
	req.WriteTLV(0x80, response)
	req.WriteTLV(0x81, challenge)
	req.Pop() //nolint:errcheck

	if resp, err = t.send(insGeneralAuthenticate, byte(alg), byte(SlotCardManagement), req.Bytes(), 256); err != nil {
		return fmt.Errorf("failed to execute command: %w", err)
	}

	cardResponse, err := dynAuthValue(resp, 0x82)
	if err != nil {
		return err
	}

	expected := make([]byte, bs)
	block.Encrypt(expected, challenge)

	if !bytes.Equal(cardResponse, expected) {
		return fmt.Errorf("%w: %w", ErrPermission, errChallengeFailed)
	}
	return nil
}

// dynAuthValue extracts a child of the 0x7C dynamic authentication template.
func dynAuthValue(resp []byte, want uint32) ([]byte, error) {
	tag, tmpl, err := tlv.NewReader(resp).ReadTLV()
	if err != nil || tag != 0x7c {
		return nil, fmt.Errorf("%w: missing dynamic authentication template", ErrInvalidData)
	}

	v, ok := tmpl.Get(want)
	if !ok {
		return nil, fmt.Errorf("%w: missing tag 0x%02x in dynamic authentication template", ErrInvalidData, want)
	}
	return v, nil
}

// SetAdminKey changes the 9B admin key. Requires AuthAdmin earlier in the
// same transaction. This is a YubicoPIV extension.
func (t *Token) SetAdminKey(newKey []byte, touch TouchPolicy) error {
	alg, err := t.adminAlg(len(newKey))
	if err != nil {
		return err
	}

	p2 := byte(0xff)
	switch touch {
	case TouchPolicyDefault, TouchPolicyNever:
	case TouchPolicyAlways:
		p2 = 0xfe
	default:
		return fmt.Errorf("%w: touch policy not supported for admin key", ErrArgument)
	}

	data := append([]byte{byte(alg), byte(SlotCardManagement), byte(len(newKey))}, newKey...)
	defer zeroize(data)

	if _, err := t.send(insSetManagementKey, 0xff, p2, data, 0); err != nil {
		return fmt.Errorf("failed to execute command: %w", err)
	}
	return nil
}

// SetPINRetries changes the maximum attempt counts for PIN and PUK, and
// resets both to their default values. The card demands both AuthAdmin and
// VerifyPIN earlier in the same transaction. This is a YubicoPIV extension.
func (t *Token) SetPINRetries(pinTries, pukTries int) error {
	if pinTries < 1 || pinTries > 0xff || pukTries < 1 || pukTries > 0xff {
		return fmt.Errorf("%w: retry counts must be 1-255", ErrArgument)
	}

	if _, err := t.send(insSetPINRetries, byte(pinTries), byte(pukTries), nil, 0); err != nil {
		return fmt.Errorf("failed to execute command: %w", err)
	}
	return nil
}

// Reset wipes the PIV applet: all keys and certificates, PIN, PUK and admin
// key return to factory state. The card only accepts it once PIN and PUK
// are both blocked; ErrResetConditions is returned otherwise. This is a
// YubicoPIV extension.
func (t *Token) Reset() error {
	_, err := t.send(insReset, 0, 0, nil, 0)

	var aErr *APDUError
	if errors.As(err, &aErr) && aErr.SW == 0x6985 {
		return fmt.Errorf("%w: PIN and PUK must both be blocked", ErrResetConditions)
	}
	return err
}

// BlockPINPUK deliberately exhausts the PIN and PUK retry counters with
// random values, so that Reset becomes possible.
func (t *Token) BlockPINPUK() error {
	for {
		pin, err := randomNumeric(t.rand, 8)
		if err != nil {
			return err
		}

		err = t.VerifyPIN(AuthPIN, pin, nil, false)
		if err == nil {
			return fmt.Errorf("%w: random PIN was accepted", ErrInvalidData)
		}

		var aErr AuthError
		if !errors.As(err, &aErr) {
			return fmt.Errorf("failed to block PIN: %w", err)
		}
		if aErr.Retries == 0 {
			break
		}
	}

	for {
		puk, err := randomNumeric(t.rand, 8)
		if err != nil {
			return err
		}

		err = t.ChangePIN(AuthPUK, puk, puk)
		if err == nil {
			return fmt.Errorf("%w: random PUK was accepted", ErrInvalidData)
		}

		var aErr AuthError
		if !errors.As(err, &aErr) {
			return fmt.Errorf("failed to block PUK: %w", err)
		}
		if aErr.Retries == 0 {
			break
		}
	}

	return nil
}

func randomNumeric(r io.Reader, n int) (string, error) {
	b, err := readRandom(r, n)
	if err != nil {
		return "", err
	}
	for i := range b {
		b[i] = '0' + b[i]%10
	}
	return string(b), nil
}
