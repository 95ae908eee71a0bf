// SPDX-FileCopyrightText: 2020 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pivbox

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"cunicu.li/go-pivbox/apdu"
	"cunicu.li/go-pivbox/tlv"
)

// Version is a YubicoPIV applet version triple.
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast reports whether v is the given version or later.
func (v Version) AtLeast(major, minor, patch int) bool {
	if v.Major != major {
		return v.Major > major
	}
	if v.Minor != minor {
		return v.Minor > minor
	}
	return v.Patch >= patch
}

// AuthMethod is a PIV cardholder authentication method reference.
type AuthMethod byte

// Authentication methods a card can advertise in its discovery object.
const (
	// AuthPIN is the PIV application PIN, local to the PIV applet.
	AuthPIN AuthMethod = 0x80
	// AuthGlobalPIN is a PIN shared by all applets on the card.
	AuthGlobalPIN AuthMethod = 0x00
	// AuthPUK is the PIN unlock code.
	AuthPUK AuthMethod = 0x81
	// AuthOCC is on-chip comparison of biometric data. Reported, never
	// exercised by this package.
	AuthOCC  AuthMethod = 0x96
	AuthOCC2 AuthMethod = 0x97
	// AuthPairing is only meaningful together with the virtual contact
	// interface.
	AuthPairing AuthMethod = 0x98
)

// GUIDLen is the length of a PIV card GUID.
const GUIDLen = 16

// Token represents one PIV card reachable through one reader. Tokens are
// created by Enumerate or Find and own their reader connection until
// Release is called.
//
// A Token is not safe for concurrent use.
type Token struct {
	reader string
	card   Card
	tp     *transport
	rand   io.Reader
	log    *slog.Logger

	guid        [GUIDLen]byte
	hasGUID     bool
	fascn       []byte
	expiry      []byte
	chuid       []byte
	chuidSigned bool

	defaultAuth AuthMethod
	authMethods map[AuthMethod]bool
	algorithms  []Algorithm
	vci         bool

	khOnCard  int
	khOffCard int
	khURL     string

	cardID []byte

	ykVersion *Version
	serial    uint32
	hasSerial bool

	probeErr error

	extLen   bool
	txn      *Transaction
	selected bool
	slots    []*Slot
}

// Transaction is an exclusive claim on a token's reader. Transactions do not
// nest; PIN and admin authentication state on the card is scoped to one
// transaction.
type Transaction struct {
	t *Token
}

// Reader returns the PC/SC reader name the token was found on.
func (t *Token) Reader() string { return t.reader }

// GUID returns the card GUID from the CHUID, or a synthesized one if the
// CHUID had none. The result is always GUIDLen bytes.
func (t *Token) GUID() [GUIDLen]byte { return t.guid }

// GUIDString returns the GUID in canonical UUID text form.
func (t *Token) GUIDString() string { return uuid.UUID(t.guid).String() }

// FASCN returns the card's FASC-N identity string, if any. Cards issued
// outside the US government frequently carry nothing or garbage here.
func (t *Token) FASCN() []byte { return t.fascn }

// Expiry returns the raw CHUID expiration date field, if present.
func (t *Token) Expiry() []byte { return t.expiry }

// CHUID returns the raw cardholder unique identifier object.
func (t *Token) CHUID() []byte { return t.chuid }

// HasCHUID reports whether a CHUID could be read during discovery.
func (t *Token) HasCHUID() bool { return t.chuid != nil }

// HasSignedCHUID reports whether the CHUID carries an issuer signature.
func (t *Token) HasSignedCHUID() bool { return t.chuidSigned }

// DefaultAuth returns the card's primary cardholder authentication method.
func (t *Token) DefaultAuth() AuthMethod { return t.defaultAuth }

// HasAuth reports whether the card advertises the given authentication
// method.
func (t *Token) HasAuth(m AuthMethod) bool { return t.authMethods[m] }

// Algorithms returns the algorithm identifiers the card advertises. The
// field is optional and frequently empty.
func (t *Token) Algorithms() []Algorithm { return t.algorithms }

// HasVCI reports whether the card advertises the virtual contact interface.
// Secure messaging itself is not implemented by this package.
func (t *Token) HasVCI() bool { return t.vci }

// KeyHistoryOnCard returns the number of retired key slots with certificates
// stored on the card.
func (t *Token) KeyHistoryOnCard() int { return t.khOnCard }

// KeyHistoryOffCard returns the number of retired key slots whose
// certificates are stored at the off-card URL.
func (t *Token) KeyHistoryOffCard() int { return t.khOffCard }

// OffCardURL returns the URL for retrieving off-card key history
// certificates.
func (t *Token) OffCardURL() string { return t.khURL }

// IsYubicoPIV reports whether the card answered the YubicoPIV GET VERSION
// instruction.
func (t *Token) IsYubicoPIV() bool { return t.ykVersion != nil }

// YubicoVersion returns the YubicoPIV applet version, or nil for cards
// without the extension set.
func (t *Token) YubicoVersion() *Version { return t.ykVersion }

// HasSerial reports whether the card allowed reading a serial number over
// the PIV interface (YubicoPIV >= 5.0.0).
func (t *Token) HasSerial() bool { return t.hasSerial }

// Serial returns the YubiKey serial number, valid when HasSerial is true.
func (t *Token) Serial() uint32 { return t.serial }

// ProbeError returns the soft failure recorded while probing this token
// during enumeration, if any. A token with a probe error has its capability
// fields cleared.
func (t *Token) ProbeError() error { return t.probeErr }

// InTransaction reports whether the token currently holds an open
// transaction.
func (t *Token) InTransaction() bool { return t.txn != nil }

// Begin starts an exclusive transaction on the token's reader. Transactions
// are strictly non-reentrant.
func (t *Token) Begin() (*Transaction, error) {
	if t.txn != nil {
		return nil, fmt.Errorf("%w: transaction already open", ErrArgument)
	}

	if err := t.card.BeginTransaction(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	t.txn = &Transaction{t: t}
	return t.txn, nil
}

// Close ends the transaction and releases the reader lock. The card's PIN
// and admin authentication state does not survive it.
func (tx *Transaction) Close() error {
	t := tx.t
	if t == nil || t.txn != tx {
		return nil
	}

	t.txn = nil
	t.selected = false
	tx.t = nil

	if err := t.card.EndTransaction(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	return nil
}

// Release disconnects from the reader and frees the token's slots. The
// token must not be used afterwards.
func (t *Token) Release() error {
	if t.txn != nil {
		t.txn.Close() //nolint:errcheck
	}

	t.slots = nil
	zeroize(t.chuid)
	zeroize(t.fascn)

	if t.card == nil {
		return nil
	}
	card := t.card
	t.card = nil

	if err := card.Disconnect(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// ensure verifies that a transaction is open and the PIV applet selected,
// re-selecting transparently when the selection was invalidated by a
// reconnect.
func (t *Token) ensure() error {
	if t.txn == nil {
		return fmt.Errorf("%w: %w", ErrArgument, errTxnRequired)
	}
	if !t.selected {
		return t.selectApplet()
	}
	return nil
}

// selectApplet runs SELECT on the PIV AID.
func (t *Token) selectApplet() error {
	a := &apdu.APDU{Ins: insSelect, P1: 0x04, Data: aidPIV, Ne: 256}
	if err := apdu.Transceive(t.tp, a); err != nil {
		return wrapExchange(err)
	}

	if err := decodeSW(a.SW); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("PIV applet not found on card: %w", err)
		}
		return fmt.Errorf("failed to select PIV applet: %w", err)
	}

	t.parseSelectReply(a.Reply)
	t.selected = true
	return nil
}

// parseSelectReply picks the advertised algorithm list out of the
// application property template. The field is optional and many cards omit
// it, so anything unparseable is simply ignored.
func (t *Token) parseSelectReply(reply []byte) {
	if len(reply) == 0 {
		return
	}

	tag, child, err := tlv.NewReader(reply).ReadTLV()
	if err != nil || tag != 0x61 {
		return
	}

	for child.Len() > 0 {
		tag, prop, err := child.ReadTLV()
		if err != nil {
			return
		}
		if tag != 0xac {
			continue
		}

		t.algorithms = nil
		for prop.Len() > 0 {
			tag, v, err := prop.ReadTLV()
			if err != nil {
				return
			}
			if tag == 0x80 && v.Len() == 1 {
				alg, _ := v.ReadByte8()
				t.algorithms = append(t.algorithms, Algorithm(alg))
			}
		}
	}
}

// onReset is installed as the transport's reconnect hook: the fresh
// connection has neither our applet selection nor our reader lock.
func (t *Token) onReset() error {
	t.selected = false

	if t.txn != nil {
		if err := t.card.BeginTransaction(); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	return nil
}

// send issues one logical command inside the current transaction and
// returns the reply data after status decoding. Commands with data longer
// than a short APDU are chained unless the caller opted into extended
// length encoding.
func (t *Token) send(ins, p1, p2 byte, data []byte, ne int) ([]byte, error) {
	if err := t.ensure(); err != nil {
		return nil, err
	}

	a := &apdu.APDU{Ins: ins, P1: p1, P2: p2, Data: data, Ne: ne}

	var err error
	if t.extLen {
		err = apdu.Transceive(t.tp, a)
	} else {
		err = apdu.TransceiveChain(t.tp, a)
	}
	if err != nil {
		return nil, wrapExchange(err)
	}

	if err := decodeSW(a.SW); err != nil {
		return nil, err
	}
	return a.Reply, nil
}

// ReadFile reads a data object by its bare tag number and returns the
// contents of the 0x53 envelope (or of the object's own template for the
// discovery object, which is returned bare).
func (t *Token) ReadFile(tag uint32) ([]byte, error) {
	req := tlv.New()
	ref := tlv.New()
	ref.WriteTag(tag)
	req.WriteTLV(0x5c, ref.Bytes())

	resp, err := t.send(insGetData, 0x3f, 0xff, req.Bytes(), 256)
	if err != nil {
		return nil, err
	}

	outer, child, err := tlv.NewReader(resp).ReadTLV()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
	}

	switch outer {
	case 0x53, tag:
		return child.Rest(), nil
	default:
		return nil, fmt.Errorf("%w: unexpected tag 0x%02x in GET DATA response", ErrInvalidData, outer)
	}
}

// WriteFile writes a data object by its bare tag number. The data becomes
// the contents of the 0x53 envelope. Most objects require admin
// authentication in the same transaction.
func (t *Token) WriteFile(tag uint32, data []byte) error {
	req := tlv.New()
	ref := tlv.New()
	ref.WriteTag(tag)
	req.WriteTLV(0x5c, ref.Bytes())
	req.WriteTLV(0x53, data)

	if _, err := t.send(insPutData, 0x3f, 0xff, req.Bytes(), 0); err != nil {
		if errors.Is(err, ErrPermission) {
			return fmt.Errorf("admin authentication required: %w", err)
		}
		return err
	}
	return nil
}

// readCHUID ingests the CHUID object into the token descriptor.
func (t *Token) readCHUID() error {
	data, err := t.ReadFile(tagCHUID)
	if err != nil {
		return err
	}
	return t.parseCHUID(data)
}

func (t *Token) parseCHUID(data []byte) error {
	t.chuid = data
	t.hasGUID = false
	t.chuidSigned = false

	r := tlv.NewReader(data)
	for r.Len() > 0 {
		tag, child, err := r.ReadTLV()
		if err != nil {
			return fmt.Errorf("%w: bad CHUID: %w", ErrInvalidData, err)
		}

		switch tag {
		case tagFASCN:
			t.fascn = child.Rest()
		case tagGUID:
			v := child.Rest()
			if len(v) == GUIDLen {
				copy(t.guid[:], v)
				t.hasGUID = true
			}
		case tagExpirationDate:
			t.expiry = child.Rest()
		case tagIssuerAsymmetricSignature:
			t.chuidSigned = true
		}
	}

	if !t.hasGUID {
		t.synthesizeGUID()
	}
	return nil
}

// synthesizeGUID fills in a usable GUID for cards whose CHUID carries none:
// a stable hash of the FASC-N when present, a random identifier otherwise.
func (t *Token) synthesizeGUID() {
	if len(t.fascn) > 0 {
		sum := sha256.Sum256(t.fascn)
		copy(t.guid[:], sum[:GUIDLen])
		return
	}

	if id, err := uuid.NewRandom(); err == nil {
		t.guid = id
	}
}

// readDiscovery ingests the discovery object, which advertises the
// supported cardholder authentication methods and the PIN usage policy.
func (t *Token) readDiscovery() error {
	data, err := t.ReadFile(tagDiscovery)
	if err != nil {
		return err
	}
	return t.parseDiscovery(data)
}

func (t *Token) parseDiscovery(data []byte) error {
	r := tlv.NewReader(data)
	for r.Len() > 0 {
		tag, child, err := r.ReadTLV()
		if err != nil {
			return fmt.Errorf("%w: bad discovery object: %w", ErrInvalidData, err)
		}

		switch tag {
		case tagPIVApplicationAID:
			// Informational; the applet was already selected by AID.

		case tagPINUsagePolicy:
			policy, err := child.ReadBytes(2)
			if err != nil {
				return fmt.Errorf("%w: bad PIN usage policy: %w", ErrInvalidData, err)
			}

			t.authMethods = map[AuthMethod]bool{}
			if policy[0]&0x40 != 0 {
				t.authMethods[AuthPIN] = true
			}
			if policy[0]&0x20 != 0 {
				t.authMethods[AuthGlobalPIN] = true
			}
			if policy[0]&0x10 != 0 {
				t.authMethods[AuthOCC] = true
			}
			if policy[0]&0x08 != 0 {
				t.vci = true
			}
			if policy[0]&0x04 != 0 {
				t.authMethods[AuthPairing] = true
			}

			switch policy[1] {
			case 0x20:
				t.defaultAuth = AuthGlobalPIN
			default:
				t.defaultAuth = AuthPIN
			}
		}
	}
	return nil
}

// readKeyHistory ingests the key history object.
func (t *Token) readKeyHistory() error {
	data, err := t.ReadFile(tagKeyHistory)
	if err != nil {
		return err
	}
	return t.parseKeyHistory(data)
}

func (t *Token) parseKeyHistory(data []byte) error {
	r := tlv.NewReader(data)
	for r.Len() > 0 {
		tag, child, err := r.ReadTLV()
		if err != nil {
			return fmt.Errorf("%w: bad key history: %w", ErrInvalidData, err)
		}

		switch tag {
		case tagKeysWithOnCardCerts:
			n, err := child.ReadByte8()
			if err != nil {
				return fmt.Errorf("%w: bad key history: %w", ErrInvalidData, err)
			}
			t.khOnCard = int(n)

		case tagKeysWithOffCardCerts:
			n, err := child.ReadByte8()
			if err != nil {
				return fmt.Errorf("%w: bad key history: %w", ErrInvalidData, err)
			}
			t.khOffCard = int(n)

		case tagOffCardCertURL:
			t.khURL = string(child.Rest())
		}
	}
	return nil
}

// CardID returns the card identifier from the card capability container, if
// one was found during discovery.
func (t *Token) CardID() []byte { return t.cardID }

// readCardCapability picks the card identifier out of the capability
// container.
func (t *Token) readCardCapability() error {
	data, err := t.ReadFile(tagCardCapability)
	if err != nil {
		return err
	}

	r := tlv.NewReader(data)
	for r.Len() > 0 {
		tag, child, err := r.ReadTLV()
		if err != nil {
			return fmt.Errorf("%w: bad capability container: %w", ErrInvalidData, err)
		}
		if tag == 0xf0 {
			t.cardID = child.Rest()
		}
	}
	return nil
}

// readVersion probes the YubicoPIV GET VERSION instruction, and GET SERIAL
// on applets new enough to implement it in PIV itself.
func (t *Token) readVersion() error {
	resp, err := t.send(insGetVersion, 0, 0, nil, 256)
	if err != nil {
		return err
	}
	if len(resp) != 3 {
		return fmt.Errorf("%w: version of %d bytes", ErrInvalidData, len(resp))
	}

	t.ykVersion = &Version{Major: int(resp[0]), Minor: int(resp[1]), Patch: int(resp[2])}

	if t.ykVersion.AtLeast(5, 0, 0) {
		if resp, err = t.send(insGetSerial, 0, 0, nil, 256); err == nil && len(resp) == 4 {
			t.serial = binary.BigEndian.Uint32(resp)
			t.hasSerial = true
		}
	}

	return nil
}
