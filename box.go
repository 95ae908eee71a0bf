// SPDX-FileCopyrightText: 2023-2024 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package pivbox

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/ssh"

	"cunicu.li/go-pivbox/tlv"
)

// Box is a self-describing envelope that encrypts a payload to an EC key,
// typically one held in a card slot. The ciphertext is bound to the
// recipient through an ephemeral-static ECDH agreement; when the box
// carries a GUID and slot, it names the card that can open it.
//
// Wire format: the magic bytes 0xB0 0xC5, a version byte, a flags byte
// (bit 0: GUID and slot present), the optional 16 byte GUID and slot byte,
// then SSH wire strings for the cipher name, KDF name (both version >= 2),
// recipient public key, ephemeral public key, nonce and ciphertext.
type Box struct {
	version byte
	flags   byte

	guid [GUIDLen]byte
	slot SlotID

	cipherName string
	kdfName    string

	pub   ssh.PublicKey
	ephem ssh.PublicKey

	nonce []byte
	enc   []byte

	plain []byte

	rand io.Reader
}

// Box wire format constants.
const (
	boxMagic0 = 0xb0
	boxMagic1 = 0xc5

	// BoxVersion is the format version written by this package. Versions 1
	// and 2 are still parsed and opened.
	BoxVersion = 3

	boxFlagGUIDSlot = 0x01

	// DefaultBoxCipher and DefaultBoxKDF are used by newly created boxes.
	DefaultBoxCipher = "chacha20-poly1305"
	DefaultBoxKDF    = "sha512"

	// boxV1Cipher is the only cipher version 1 boxes ever used: AES-256-CTR
	// with an HMAC-SHA-256 trailer.
	boxV1Cipher = "aes256-ctr"

	// boxKDFSalt is appended to the shared secret before key derivation.
	boxKDFSalt = "piv-box"
)

// NewBox returns an empty box with the current format version and default
// cipher and KDF.
func NewBox() *Box {
	return &Box{
		version:    BoxVersion,
		cipherName: DefaultBoxCipher,
		kdfName:    DefaultBoxKDF,
		rand:       rand.Reader,
	}
}

// Clone returns a deep, independent copy of the box.
func (b *Box) Clone() *Box {
	c := *b
	c.nonce = bytes.Clone(b.nonce)
	c.enc = bytes.Clone(b.enc)
	c.plain = bytes.Clone(b.plain)
	return &c
}

// Destroy zeroes the plaintext buffer, if any. Use it when a box is no
// longer needed.
func (b *Box) Destroy() {
	zeroize(b.plain)
	b.plain = nil
}

// Version returns the box format version, at least 1.
func (b *Box) Version() int { return int(b.version) }

// HasGUIDSlot reports whether the box names the card and slot it was
// sealed for.
func (b *Box) HasGUIDSlot() bool { return b.flags&boxFlagGUIDSlot != 0 }

// GUID returns the bound card GUID, valid when HasGUIDSlot is true.
func (b *Box) GUID() [GUIDLen]byte { return b.guid }

// Slot returns the bound slot, valid when HasGUIDSlot is true.
func (b *Box) Slot() SlotID { return b.slot }

// SetGUIDSlot binds the box to a card GUID and slot. Sealing against a live
// token does this automatically.
func (b *Box) SetGUIDSlot(guid [GUIDLen]byte, slot SlotID) {
	b.guid = guid
	b.slot = slot
	b.flags |= boxFlagGUIDSlot
}

// Cipher returns the name of the box's symmetric cipher.
func (b *Box) Cipher() string { return b.cipherName }

// SetCipher selects the cipher for sealing, either "chacha20-poly1305" or
// "aes256-gcm".
func (b *Box) SetCipher(name string) error {
	if name == boxV1Cipher {
		return fmt.Errorf("%w: box cipher %q", ErrNotSupported, name)
	}
	if _, err := boxCipherByName(name); err != nil {
		return err
	}
	b.cipherName = name
	return nil
}

// KDF returns the name of the box's key derivation hash.
func (b *Box) KDF() string { return b.kdfName }

// PublicKey returns the recipient public key, nil until the box is sealed
// or parsed.
func (b *Box) PublicKey() ssh.PublicKey { return b.pub }

// EphemeralKey returns the ephemeral public key stored in the box.
func (b *Box) EphemeralKey() ssh.PublicKey { return b.ephem }

// Sealed reports whether the box holds ciphertext.
func (b *Box) Sealed() bool { return b.enc != nil }

// NonceSize returns the length of the stored nonce.
func (b *Box) NonceSize() int { return len(b.nonce) }

// EncSize returns the length of the stored ciphertext, including its
// authentication tag.
func (b *Box) EncSize() int { return len(b.enc) }

// SetData stores the plaintext to be sealed. The box keeps its own copy.
func (b *Box) SetData(data []byte) {
	zeroize(b.plain)
	b.plain = bytes.Clone(data)
}

// TakeData moves the plaintext out of an opened box; the box no longer
// references it afterwards. It fails if the box has not been opened (or filled with SetData).
func (b *Box) TakeData() ([]byte, error) {
	if b.plain == nil {
		return nil, fmt.Errorf("%w: box holds no plaintext", ErrArgument)
	}

	data := b.plain
	b.plain = nil
	return data, nil
}

// boxCipher describes a symmetric algorithm a box can use.
type boxCipher struct {
	keyLen   int
	nonceLen int
	blockLen int

	seal func(key, nonce, plain []byte) ([]byte, error)
	open func(key, nonce, enc []byte) ([]byte, error)
}

func aeadCipher(keyLen, nonceLen int, newAEAD func(key []byte) (cipher.AEAD, error)) *boxCipher {
	return &boxCipher{
		keyLen:   keyLen,
		nonceLen: nonceLen,
		blockLen: 16,
		seal: func(key, nonce, plain []byte) ([]byte, error) {
			aead, err := newAEAD(key)
			if err != nil {
				return nil, err
			}
			return aead.Seal(nil, nonce, plain, nil), nil
		},
		open: func(key, nonce, enc []byte) ([]byte, error) {
			aead, err := newAEAD(key)
			if err != nil {
				return nil, err
			}
			return aead.Open(nil, nonce, enc, nil)
		},
	}
}

func boxCipherByName(name string) (*boxCipher, error) {
	switch name {
	case "chacha20-poly1305":
		return aeadCipher(chacha20poly1305.KeySize, chacha20poly1305.NonceSize, chacha20poly1305.New), nil

	case "aes256-gcm":
		return aeadCipher(32, 12, func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		}), nil

	case boxV1Cipher:
		// Legacy version 1 envelope: AES-256-CTR with an HMAC-SHA-256 tag
		// over the ciphertext. Key material is 32 cipher + 32 MAC bytes.
		return &boxCipher{
			keyLen:   64,
			nonceLen: aes.BlockSize,
			blockLen: aes.BlockSize,
			seal: func(key, nonce, plain []byte) ([]byte, error) {
				block, err := aes.NewCipher(key[:32])
				if err != nil {
					return nil, err
				}

				out := make([]byte, len(plain), len(plain)+sha256.Size)
				cipher.NewCTR(block, nonce).XORKeyStream(out, plain)

				mac := hmac.New(sha256.New, key[32:])
				mac.Write(out)
				return mac.Sum(out), nil
			},
			open: func(key, nonce, enc []byte) ([]byte, error) {
				if len(enc) < sha256.Size {
					return nil, errors.New("ciphertext too short")
				}
				ct, tag := enc[:len(enc)-sha256.Size], enc[len(enc)-sha256.Size:]

				mac := hmac.New(sha256.New, key[32:])
				mac.Write(ct)
				if !hmac.Equal(mac.Sum(nil), tag) {
					return nil, errors.New("bad authentication tag")
				}

				block, err := aes.NewCipher(key[:32])
				if err != nil {
					return nil, err
				}

				out := make([]byte, len(ct))
				cipher.NewCTR(block, nonce).XORKeyStream(out, ct)
				return out, nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("%w: box cipher %q", ErrNotSupported, name)
	}
}

func boxKDFByName(name string) (func([]byte) []byte, error) {
	switch name {
	case "sha256":
		return func(in []byte) []byte { s := sha256.Sum256(in); return s[:] }, nil
	case "sha384":
		return func(in []byte) []byte { s := sha512.Sum384(in); return s[:] }, nil
	case "sha512":
		return func(in []byte) []byte { s := sha512.Sum512(in); return s[:] }, nil
	default:
		return nil, fmt.Errorf("%w: box KDF %q", ErrNotSupported, name)
	}
}

// deriveBoxKey stretches the ECDH shared secret into cipher key material:
// KDF(len || shared || "piv-box"). The nonce is taken from the same output
// when it is long enough; otherwise nil is returned for it and the caller
// uses a random or stored nonce.
func deriveBoxKey(shared []byte, kdfName string, c *boxCipher) (key, nonce []byte, err error) {
	kdf, err := boxKDFByName(kdfName)
	if err != nil {
		return nil, nil, err
	}

	in := tlv.New()
	in.WriteString32(shared)
	in.WriteBytes([]byte(boxKDFSalt))

	d := kdf(in.Bytes())
	zeroize(in.Bytes())

	if len(d) < c.keyLen {
		return nil, nil, fmt.Errorf("%w: KDF %q output too short for cipher", ErrArgument, kdfName)
	}

	key = d[:c.keyLen]
	if len(d) >= c.keyLen+c.nonceLen {
		nonce = d[c.keyLen : c.keyLen+c.nonceLen]
	}
	return key, nonce, nil
}

// ecdhCurveForKey maps an EC public key to its crypto/ecdh curve.
func ecdhCurveForKey(pub *ecdsa.PublicKey) (ecdh.Curve, error) {
	switch pub.Curve {
	case elliptic.P256():
		return ecdh.P256(), nil
	case elliptic.P384():
		return ecdh.P384(), nil
	case elliptic.P521():
		return ecdh.P521(), nil
	default:
		return nil, fmt.Errorf("%w: curve %s", ErrArgument, pub.Curve.Params().Name)
	}
}

// ecdhToECDSA re-expresses an ECDH public key as an ECDSA one.
func ecdhToECDSA(pub *ecdh.PublicKey) (*ecdsa.PublicKey, error) {
	raw := pub.Bytes()

	var curve elliptic.Curve
	switch pub.Curve() {
	case ecdh.P256():
		curve = elliptic.P256()
	case ecdh.P384():
		curve = elliptic.P384()
	case ecdh.P521():
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("%w: unsupported curve", ErrArgument)
	}

	size := (curve.Params().BitSize + 7) / 8
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(raw[1 : 1+size]),
		Y:     new(big.Int).SetBytes(raw[1+size:]),
	}, nil
}

// SealOffline seals the box to the given EC public key without a card:
// an ephemeral key pair on the recipient's curve provides the ECDH shared
// secret. The plaintext set with SetData is consumed and zeroed.
func (b *Box) SealOffline(recipient ssh.PublicKey) error {
	pub, err := ecdsaKeyFromSSH(recipient)
	if err != nil {
		return err
	}

	curve, err := ecdhCurveForKey(pub)
	if err != nil {
		return err
	}

	ephem, err := curve.GenerateKey(b.randReader())
	if err != nil {
		return fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	pubECDH, err := pub.ECDH()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArgument, err)
	}

	shared, err := ephem.ECDH(pubECDH)
	if err != nil {
		return fmt.Errorf("failed to compute shared secret: %w", err)
	}

	return b.seal(recipient, ephem.PublicKey(), shared)
}

// BoxSeal seals a box to the key in a card slot: the shared secret is
// computed by the card via ECDH between the slot key and a fresh ephemeral
// key. The box is bound to the token's GUID and the slot. Slots with a PIN
// policy must be unlocked first.
func (t *Token) BoxSeal(slot *Slot, b *Box) error {
	if slot == nil || slot.pub == nil {
		return fmt.Errorf("%w: slot has no public key", ErrArgument)
	}

	pub, err := ecdsaKeyFromSSH(slot.pub)
	if err != nil {
		return err
	}

	curve, err := ecdhCurveForKey(pub)
	if err != nil {
		return err
	}

	ephem, err := curve.GenerateKey(t.rand)
	if err != nil {
		return fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	ephemECDSA, err := ecdhToECDSA(ephem.PublicKey())
	if err != nil {
		return err
	}
	ephemSSH, err := ssh.NewPublicKey(ephemECDSA)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArgument, err)
	}

	shared, err := t.ECDH(slot, ephemSSH)
	if err != nil {
		return err
	}

	b.SetGUIDSlot(t.guid, slot.id)
	return b.seal(slot.pub, ephem.PublicKey(), shared)
}

// seal encrypts the staged plaintext under the shared secret and records
// the recipient and ephemeral keys.
func (b *Box) seal(recipient ssh.PublicKey, ephem *ecdh.PublicKey, shared []byte) error {
	defer zeroize(shared)

	if b.plain == nil {
		return fmt.Errorf("%w: no data staged with SetData", ErrArgument)
	}

	c, err := boxCipherByName(b.cipherName)
	if err != nil {
		return err
	}

	key, nonce, err := deriveBoxKey(shared, b.kdfName, c)
	if err != nil {
		return err
	}
	defer zeroize(key)

	if nonce == nil {
		if nonce, err = readRandom(b.randReader(), c.nonceLen); err != nil {
			return fmt.Errorf("failed to read random nonce: %w", err)
		}
	}

	// The payload is the length-framed plaintext plus random padding up to
	// the next block boundary, hiding the exact plaintext length.
	payload := tlv.New()
	payload.WriteString32(b.plain)
	if rem := payload.Len() % c.blockLen; rem != 0 {
		pad, err := readRandom(b.randReader(), c.blockLen-rem)
		if err != nil {
			return fmt.Errorf("failed to read random padding: %w", err)
		}
		payload.WriteBytes(pad)
	}

	enc, err := c.seal(key, nonce, payload.Bytes())
	zeroize(payload.Bytes())
	if err != nil {
		return fmt.Errorf("failed to seal box: %w", err)
	}

	ephemECDSA, err := ecdhToECDSA(ephem)
	if err != nil {
		return err
	}
	ephemSSH, err := ssh.NewPublicKey(ephemECDSA)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArgument, err)
	}

	b.version = BoxVersion
	b.pub = recipient
	b.ephem = ephemSSH
	b.nonce = nonce
	b.enc = enc

	zeroize(b.plain)
	b.plain = nil
	return nil
}

// OpenOffline opens the box with the recipient's private key, either an
// *ecdsa.PrivateKey or an *ecdh.PrivateKey. The recovered plaintext is
// retrieved with TakeData.
func (b *Box) OpenOffline(private crypto.PrivateKey) error {
	ephem, err := ecdsaKeyFromSSH(b.ephem)
	if err != nil {
		return fmt.Errorf("%w: box has no usable ephemeral key", ErrInvalidData)
	}

	ephemECDH, err := ephem.ECDH()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidData, err)
	}

	var priv *ecdh.PrivateKey
	switch key := private.(type) {
	case *ecdh.PrivateKey:
		priv = key
	case *ecdsa.PrivateKey:
		if priv, err = key.ECDH(); err != nil {
			return fmt.Errorf("%w: %w", ErrArgument, err)
		}
	default:
		return fmt.Errorf("%w: key type %T", ErrArgument, private)
	}

	shared, err := priv.ECDH(ephemECDH)
	if err != nil {
		return fmt.Errorf("%w: failed to open box", ErrInvalidData)
	}

	return b.open(shared)
}

// BoxOpen opens a box with the key in a card slot: the card recomputes the
// ECDH shared secret from the box's ephemeral key. Slots with a PIN policy
// must be unlocked first.
func (t *Token) BoxOpen(slot *Slot, b *Box) error {
	if b.ephem == nil {
		return fmt.Errorf("%w: box has no ephemeral key", ErrInvalidData)
	}

	shared, err := t.ECDH(slot, b.ephem)
	if err != nil {
		return err
	}

	return b.open(shared)
}

// open re-derives the key material and decrypts. Every decryption failure
// is reported as the same invalid-data error; authentication failures are
// deliberately indistinguishable from mangled ciphertext.
func (b *Box) open(shared []byte) error {
	defer zeroize(shared)

	if b.enc == nil {
		return fmt.Errorf("%w: box is not sealed", ErrArgument)
	}

	c, err := boxCipherByName(b.cipherName)
	if err != nil {
		// A sealed box naming a cipher we cannot interpret is
		// indistinguishable from a corrupted one.
		return fmt.Errorf("%w: failed to open box", ErrInvalidData)
	}

	if len(b.nonce) != c.nonceLen {
		return fmt.Errorf("%w: failed to open box", ErrInvalidData)
	}

	key, _, err := deriveBoxKey(shared, b.kdfName, c)
	if err != nil {
		return fmt.Errorf("%w: failed to open box", ErrInvalidData)
	}
	defer zeroize(key)

	payload, err := c.open(key, b.nonce, b.enc)
	if err != nil {
		return fmt.Errorf("%w: failed to open box", ErrInvalidData)
	}

	data, err := tlv.NewReader(payload).ReadString32()
	if err != nil {
		zeroize(payload)
		return fmt.Errorf("%w: failed to open box", ErrInvalidData)
	}

	zeroize(b.plain)
	b.plain = bytes.Clone(data)
	zeroize(payload)
	return nil
}

// Marshal serializes a sealed box to its binary form.
func (b *Box) Marshal() ([]byte, error) {
	buf := tlv.New()
	if err := b.AppendTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AppendTo pushes the box's binary form onto a larger wire buffer.
func (b *Box) AppendTo(buf *tlv.Buffer) error {
	if !b.Sealed() {
		return fmt.Errorf("%w: cannot serialize an unsealed box", ErrArgument)
	}

	buf.WriteByte8(boxMagic0)
	buf.WriteByte8(boxMagic1)
	buf.WriteByte8(b.version)
	buf.WriteByte8(b.flags)

	if b.HasGUIDSlot() {
		buf.WriteBytes(b.guid[:])
		buf.WriteByte8(byte(b.slot))
	}

	if b.version >= 2 {
		buf.WriteString32([]byte(b.cipherName))
		buf.WriteString32([]byte(b.kdfName))
	}

	buf.WriteString32(b.pub.Marshal())
	buf.WriteString32(b.ephem.Marshal())
	buf.WriteString32(b.nonce)
	buf.WriteString32(b.enc)

	return nil
}

// ParseBox deserializes a box from its binary form. Trailing data is
// rejected; use ReadBoxFrom to parse a box embedded in a larger buffer.
func ParseBox(data []byte) (*Box, error) {
	r := tlv.NewReader(data)

	b, err := ReadBoxFrom(r)
	if err != nil {
		return nil, err
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after box", ErrInvalidData, r.Len())
	}
	return b, nil
}

// ReadBoxFrom consumes one serialized box from the reader.
func ReadBoxFrom(r *tlv.Reader) (*Box, error) {
	bad := func(err error) (*Box, error) {
		return nil, fmt.Errorf("%w: bad box: %w", ErrInvalidData, err)
	}

	magic, err := r.ReadBytes(2)
	if err != nil {
		return bad(err)
	}
	if magic[0] != boxMagic0 || magic[1] != boxMagic1 {
		return nil, fmt.Errorf("%w: bad box magic", ErrInvalidData)
	}

	b := &Box{rand: rand.Reader}

	if b.version, err = r.ReadByte8(); err != nil {
		return bad(err)
	}
	if b.version < 1 {
		return nil, fmt.Errorf("%w: box version %d", ErrInvalidData, b.version)
	}

	if b.flags, err = r.ReadByte8(); err != nil {
		return bad(err)
	}

	if b.HasGUIDSlot() {
		guid, err := r.ReadBytes(GUIDLen)
		if err != nil {
			return bad(err)
		}
		copy(b.guid[:], guid)

		slot, err := r.ReadByte8()
		if err != nil {
			return bad(err)
		}
		b.slot = SlotID(slot)
	}

	if b.version >= 2 {
		name, err := r.ReadString32()
		if err != nil {
			return bad(err)
		}
		b.cipherName = string(name)

		if name, err = r.ReadString32(); err != nil {
			return bad(err)
		}
		b.kdfName = string(name)
	} else {
		b.cipherName = boxV1Cipher
		b.kdfName = DefaultBoxKDF
	}

	pubWire, err := r.ReadString32()
	if err != nil {
		return bad(err)
	}
	if b.pub, err = ssh.ParsePublicKey(pubWire); err != nil {
		return bad(err)
	}

	ephemWire, err := r.ReadString32()
	if err != nil {
		return bad(err)
	}
	if b.ephem, err = ssh.ParsePublicKey(ephemWire); err != nil {
		return bad(err)
	}

	if b.pub.Type() != b.ephem.Type() {
		return nil, fmt.Errorf("%w: ephemeral key type %s does not match recipient %s",
			ErrInvalidData, b.ephem.Type(), b.pub.Type())
	}

	if b.nonce, err = r.ReadString32(); err != nil {
		return bad(err)
	}
	if b.enc, err = r.ReadString32(); err != nil {
		return bad(err)
	}

	return b, nil
}

// FindToken locates, among enumerated tokens, the token and slot able to
// open the box: by GUID binding when present, by comparing the recipient
// public key against enumerated slots otherwise.
func FindToken(tokens []*Token, b *Box) (*Token, *Slot, error) {
	if b.HasGUIDSlot() {
		for _, t := range tokens {
			if t.guid != b.guid {
				continue
			}

			slot := t.Slot(b.slot)
			if slot == nil {
				alg := AlgECCP256
				if key, err := ecdsaKeyFromSSH(b.pub); err == nil && key.Curve == elliptic.P384() {
					alg = AlgECCP384
				}
				slot = t.ForceSlot(b.slot, alg)
			}
			return t, slot, nil
		}
		return nil, nil, ErrNotFound
	}

	want := b.pub.Marshal()
	for _, t := range tokens {
		for _, slot := range t.slots {
			if slot.pub != nil && bytes.Equal(slot.pub.Marshal(), want) {
				return t, slot, nil
			}
		}
	}
	return nil, nil, ErrNotFound
}

func (b *Box) randReader() io.Reader {
	if b.rand != nil {
		return b.rand
	}
	return rand.Reader
}
