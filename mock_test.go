// SPDX-FileCopyrightText: 2023-2024 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package pivbox

import (
	"bytes"
	"crypto/des" //nolint:gosec
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cunicu.li/go-pivbox/tlv"
)

// mockHost is a Host over scripted cards, one per reader name.
type mockHost struct {
	readers []string
	cards   map[string]*mockCard
}

func (h *mockHost) ListReaders() ([]string, error) {
	return h.readers, nil
}

func (h *mockHost) Connect(reader string) (Card, error) {
	card, ok := h.cards[reader]
	if !ok {
		return nil, errors.New("no card in reader")
	}
	return card, nil
}

// mockCard pipes APDUs into a mockApplet.
type mockCard struct {
	applet *mockApplet
	inTxn  bool

	failNext   error // returned by the next Transmit, once
	reconnects int
}

func (c *mockCard) Transmit(req []byte) ([]byte, error) {
	if err := c.failNext; err != nil {
		c.failNext = nil
		return nil, err
	}
	return c.applet.handle(req)
}

func (c *mockCard) BeginTransaction() error { c.inTxn = true; return nil }
func (c *mockCard) EndTransaction() error   { c.inTxn = false; return nil }
func (c *mockCard) Reconnect() error        { c.reconnects++; return nil }
func (c *mockCard) Disconnect() error       { return nil }

// mockApplet emulates the card side of the PIV protocol: short APDUs,
// command chaining, response chaining, the PIN state machine, admin mutual
// auth and GENERAL AUTHENTICATE with real EC keys.
type mockApplet struct {
	t *testing.T

	objects     map[uint32][]byte // contents of the 0x53 envelope, by tag
	pinToRead   map[uint32]bool   // objects demanding PIN verification
	version     []byte
	serial      []byte
	attestCerts map[byte][]byte

	pin           string
	pinRetries    int
	pinMaxRetries int
	pukRetries    int
	verified      bool

	adminKey       []byte
	adminChallenge []byte
	adminAuthed    bool

	slots     map[byte]*ecdsa.PrivateKey
	pinAlways map[byte]bool

	selected  bool
	chain     []byte
	pending   []byte
	transmits int
	verifies  int
	claLog    []byte
	swLog     []uint16
}

func newMockApplet(t *testing.T) *mockApplet {
	return &mockApplet{
		t:             t,
		objects:       map[uint32][]byte{},
		pinToRead:     map[uint32]bool{},
		attestCerts:   map[byte][]byte{},
		pin:           DefaultPIN,
		pinRetries:    3,
		pinMaxRetries: 3,
		pukRetries:    3,
		adminKey:      DefaultAdminKey,
		slots:         map[byte]*ecdsa.PrivateKey{},
		pinAlways:     map[byte]bool{},
	}
}

func (m *mockApplet) sw(sw uint16) []byte {
	m.swLog = append(m.swLog, sw)
	return []byte{byte(sw >> 8), byte(sw)}
}

// respond frames reply data, holding back everything past the first 256
// bytes for GET RESPONSE.
func (m *mockApplet) respond(data []byte) []byte {
	if len(data) <= 256 {
		return append(bytes.Clone(data), m.sw(0x9000)...)
	}

	m.pending = bytes.Clone(data[256:])
	more := len(m.pending)
	if more > 255 {
		more = 0 // 0x6100: at least 256 more
	}
	m.swLog = append(m.swLog, 0x6100|uint16(more))
	return append(bytes.Clone(data[:256]), 0x61, byte(more))
}

func (m *mockApplet) handle(req []byte) ([]byte, error) {
	m.transmits++
	require.GreaterOrEqual(m.t, len(req), 4, "Short APDU header")

	cla, ins, p1, p2 := req[0], req[1], req[2], req[3]
	m.claLog = append(m.claLog, cla)

	var data []byte
	switch {
	case len(req) == 4:
	case len(req) == 5:
		// Le only.
	default:
		lc := int(req[4])
		require.GreaterOrEqual(m.t, len(req), 5+lc, "Truncated APDU body")
		data = req[5 : 5+lc]
		require.LessOrEqual(m.t, len(req), 5+lc+1, "Unexpected APDU trailer")
	}

	if ins == 0xc0 { // GET RESPONSE
		le := 256
		if len(req) == 5 && req[4] != 0 {
			le = int(req[4])
		}
		if le > len(m.pending) {
			le = len(m.pending)
		}
		chunk := m.pending[:le]
		m.pending = m.pending[le:]

		if len(m.pending) == 0 {
			return append(bytes.Clone(chunk), m.sw(0x9000)...), nil
		}
		more := len(m.pending)
		if more > 255 {
			more = 0
		}
		m.swLog = append(m.swLog, 0x6100|uint16(more))
		return append(bytes.Clone(chunk), 0x61, byte(more)), nil
	}

	if cla&0x10 != 0 { // command chaining
		m.chain = append(m.chain, data...)
		return m.sw(0x9000), nil
	}
	if len(m.chain) > 0 {
		data = append(m.chain, data...)
		m.chain = nil
	}

	if ins == 0xa4 {
		return m.handleSelect(p1, data), nil
	}
	if !m.selected {
		return m.sw(0x6a82), nil
	}

	switch ins {
	case 0xcb:
		return m.handleGetData(data), nil
	case 0xdb:
		return m.handlePutData(data), nil
	case 0x20:
		return m.handleVerify(p2, data), nil
	case 0x24:
		return m.handleChangeRef(p2, data), nil
	case 0x2c:
		return m.handleResetRetry(p2, data), nil
	case 0x87:
		return m.handleGenAuth(p1, p2, data), nil
	case 0x47:
		return m.handleGenerate(p2, data), nil
	case 0xfd:
		if m.version == nil {
			return m.sw(0x6d00), nil
		}
		return m.respond(m.version), nil
	case 0xf8:
		if m.serial == nil {
			return m.sw(0x6d00), nil
		}
		return m.respond(m.serial), nil
	case 0xf9:
		cert, ok := m.attestCerts[p1]
		if !ok {
			return m.sw(0x6a80), nil
		}
		return m.respond(cert), nil
	case 0xfb:
		if m.pinRetries > 0 || m.pukRetries > 0 {
			return m.sw(0x6985), nil
		}
		m.pin, m.pinRetries, m.pukRetries = DefaultPIN, 3, 3
		return m.sw(0x9000), nil
	case 0xfa:
		if !m.adminAuthed || !m.verified {
			return m.sw(0x6982), nil
		}
		m.pinMaxRetries, m.pinRetries = int(p1), int(p1)
		m.pukRetries = int(p2)
		return m.sw(0x9000), nil
	case 0xfe:
		if !m.adminAuthed {
			return m.sw(0x6982), nil
		}
		return m.sw(0x9000), nil
	case 0xff:
		if !m.adminAuthed {
			return m.sw(0x6982), nil
		}
		m.adminKey = bytes.Clone(data[3:])
		return m.sw(0x9000), nil
	default:
		return m.sw(0x6d00), nil
	}
}

func (m *mockApplet) handleSelect(p1 byte, data []byte) []byte {
	if p1 != 0x04 || !bytes.Equal(data, aidPIV) {
		return m.sw(0x6a82)
	}
	m.selected = true

	tmpl := tlv.New()
	tmpl.Push(0x61)
	tmpl.WriteTLV(0x4f, aidPIV[:5])
	tmpl.Push(0xac)
	tmpl.WriteTLV(0x80, []byte{byte(AlgECCP256)})
	tmpl.WriteTLV(0x80, []byte{byte(AlgECCP384)})
	tmpl.Pop() //nolint:errcheck
	tmpl.Pop() //nolint:errcheck

	return m.respond(tmpl.Bytes())
}

func (m *mockApplet) handleGetData(data []byte) []byte {
	r := tlv.NewReader(data)
	tag, child, err := r.ReadTLV()
	if err != nil || tag != 0x5c {
		return m.sw(0x6a80)
	}

	objTag, err := tlv.NewReader(child.Rest()).ReadTag()
	if err != nil {
		return m.sw(0x6a80)
	}

	if m.pinToRead[objTag] && !m.verified {
		return m.sw(0x6982)
	}

	obj, ok := m.objects[objTag]
	if !ok {
		return m.sw(0x6a82)
	}

	resp := tlv.New()
	if objTag == tagDiscovery {
		resp.WriteTLV(objTag, obj)
	} else {
		resp.WriteTLV(0x53, obj)
	}
	return m.respond(resp.Bytes())
}

func (m *mockApplet) handlePutData(data []byte) []byte {
	if !m.adminAuthed {
		return m.sw(0x6982)
	}

	r := tlv.NewReader(data)
	tag, child, err := r.ReadTLV()
	if err != nil || tag != 0x5c {
		return m.sw(0x6a80)
	}
	objTag, err := tlv.NewReader(child.Rest()).ReadTag()
	if err != nil {
		return m.sw(0x6a80)
	}

	tag, child, err = r.ReadTLV()
	if err != nil || tag != 0x53 {
		return m.sw(0x6a80)
	}

	m.objects[objTag] = bytes.Clone(child.Rest())
	return m.sw(0x9000)
}

func (m *mockApplet) handleVerify(p2 byte, data []byte) []byte {
	m.verifies++

	if p2 != 0x80 {
		return m.sw(0x6a88)
	}

	if data == nil {
		if m.verified {
			return m.sw(0x9000)
		}
		if m.pinRetries == 0 {
			return m.sw(0x6983)
		}
		return m.sw(0x63c0 | uint16(m.pinRetries))
	}

	if len(data) != 8 {
		return m.sw(0x6a80)
	}
	if m.pinRetries == 0 {
		return m.sw(0x6983)
	}

	want, _ := encodePIN(m.pin)
	if bytes.Equal(data, want) {
		m.verified = true
		m.pinRetries = m.pinMaxRetries
		return m.sw(0x9000)
	}

	if m.pinRetries--; m.pinRetries == 0 {
		return m.sw(0x6983)
	}
	return m.sw(0x63c0 | uint16(m.pinRetries))
}

func (m *mockApplet) handleChangeRef(p2 byte, data []byte) []byte {
	if len(data) != 16 {
		return m.sw(0x6a80)
	}

	switch p2 {
	case 0x80:
		want, _ := encodePIN(m.pin)
		if !bytes.Equal(data[:8], want) {
			if m.pinRetries--; m.pinRetries == 0 {
				return m.sw(0x6983)
			}
			return m.sw(0x63c0 | uint16(m.pinRetries))
		}
		m.pin = string(bytes.TrimRight(data[8:], "\xff"))
		m.pinRetries = m.pinMaxRetries
		return m.sw(0x9000)

	case 0x81:
		// The mock never accepts a PUK change; used to block the PUK.
		if m.pukRetries--; m.pukRetries <= 0 {
			m.pukRetries = 0
			return m.sw(0x6983)
		}
		return m.sw(0x63c0 | uint16(m.pukRetries))

	default:
		return m.sw(0x6a88)
	}
}

func (m *mockApplet) handleResetRetry(p2 byte, data []byte) []byte {
	if p2 != 0x80 || len(data) != 16 {
		return m.sw(0x6a80)
	}
	if m.pukRetries == 0 {
		return m.sw(0x6983)
	}
	m.pin = string(bytes.TrimRight(data[8:], "\xff"))
	m.pinRetries = m.pinMaxRetries
	return m.sw(0x9000)
}

func (m *mockApplet) handleGenAuth(p1, p2 byte, data []byte) []byte {
	tag, tmpl, err := tlv.NewReader(data).ReadTLV()
	if err != nil || tag != 0x7c {
		return m.sw(0x6a80)
	}

	type child struct {
		tag uint32
		val []byte
	}
	var children []child
	for tmpl.Len() > 0 {
		tag, c, err := tmpl.ReadTLV()
		if err != nil {
			return m.sw(0x6a80)
		}
		children = append(children, child{tag, c.Rest()})
	}
	get := func(tag uint32) ([]byte, bool) {
		for _, c := range children {
			if c.tag == tag {
				return c.val, true
			}
		}
		return nil, false
	}

	if p2 == byte(SlotCardManagement) {
		return m.handleAdminAuth(get)
	}

	priv, ok := m.slots[p2]
	if !ok {
		return m.sw(0x6a82)
	}
	if m.pinAlways[p2] && !m.verified {
		return m.sw(0x6982)
	}

	payload, ok := get(0x81)
	if !ok {
		return m.sw(0x6a80)
	}

	size := (priv.Params().BitSize + 7) / 8

	resp := tlv.New()
	resp.Push(0x7c)

	if len(payload) == 1+2*size && payload[0] == 0x04 {
		// Key agreement: return the X coordinate of the shared point.
		privECDH, err := priv.ECDH()
		require.NoError(m.t, err)

		curve := ecdh.P256()
		if size == 48 {
			curve = ecdh.P384()
		}
		peer, err := curve.NewPublicKey(payload)
		if err != nil {
			return m.sw(0x6a80)
		}

		shared, err := privECDH.ECDH(peer)
		require.NoError(m.t, err)
		resp.WriteTLV(0x82, shared)
	} else {
		sig, err := ecdsa.SignASN1(rand.Reader, priv, payload)
		require.NoError(m.t, err)
		resp.WriteTLV(0x82, sig)
	}

	resp.Pop() //nolint:errcheck
	return m.respond(resp.Bytes())
}

func (m *mockApplet) handleAdminAuth(get func(uint32) ([]byte, bool)) []byte {
	block, err := des.NewTripleDESCipher(m.adminKey) //nolint:gosec
	require.NoError(m.t, err)

	encC1, hasWitness := get(0x80)
	c2, hasChallenge := get(0x81)

	if hasWitness && len(encC1) == 0 && hasChallenge && len(c2) == 0 {
		// First step: hand out a challenge.
		m.adminChallenge = make([]byte, 8)
		_, err := rand.Read(m.adminChallenge)
		require.NoError(m.t, err)

		resp := tlv.New()
		resp.Push(0x7c)
		resp.WriteTLV(0x81, m.adminChallenge)
		resp.Pop() //nolint:errcheck
		return m.respond(resp.Bytes())
	}

	if m.adminChallenge == nil || len(encC1) != 8 || len(c2) != 8 {
		return m.sw(0x6a80)
	}

	expected := make([]byte, 8)
	block.Encrypt(expected, m.adminChallenge)
	m.adminChallenge = nil

	if !bytes.Equal(encC1, expected) {
		return m.sw(0x6982)
	}
	m.adminAuthed = true

	encC2 := make([]byte, 8)
	block.Encrypt(encC2, c2)

	resp := tlv.New()
	resp.Push(0x7c)
	resp.WriteTLV(0x82, encC2)
	resp.Pop() //nolint:errcheck
	return m.respond(resp.Bytes())
}

func (m *mockApplet) handleGenerate(p2 byte, data []byte) []byte {
	if !m.adminAuthed {
		return m.sw(0x6982)
	}

	tag, tmpl, err := tlv.NewReader(data).ReadTLV()
	if err != nil || tag != 0xac {
		return m.sw(0x6a80)
	}
	algVal, ok := tmpl.Get(0x80)
	if !ok || len(algVal) != 1 {
		return m.sw(0x6a80)
	}

	curve := elliptic.P256()
	switch Algorithm(algVal[0]) {
	case AlgECCP256:
	case AlgECCP384:
		curve = elliptic.P384()
	default:
		return m.sw(0x6a80)
	}

	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	require.NoError(m.t, err)
	m.slots[p2] = priv

	size := (curve.Params().BitSize + 7) / 8
	point := make([]byte, 1+2*size)
	point[0] = 0x04
	priv.X.FillBytes(point[1 : 1+size])
	priv.Y.FillBytes(point[1+size:])

	resp := tlv.New()
	resp.Push(0x7f49)
	resp.WriteTLV(0x86, point)
	resp.Pop() //nolint:errcheck
	return m.respond(resp.Bytes())
}

// Fixture helpers

var testGUID = [GUIDLen]byte{ //nolint:gochecknoglobals
	0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
	0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
}

func makeCHUID(guid [GUIDLen]byte, signed bool) []byte {
	b := tlv.New()
	b.WriteTLV(tagFASCN, bytes.Repeat([]byte{0xd4}, 25))
	b.WriteTLV(tagGUID, guid[:])
	b.WriteTLV(tagExpirationDate, []byte("20390101"))
	if signed {
		b.WriteTLV(tagIssuerAsymmetricSignature, []byte{0x30, 0x00})
	}
	b.WriteTLV(tagErrorDetectionCode, nil)
	return b.Bytes()
}

func makeDiscovery() []byte {
	b := tlv.New()
	b.WriteTLV(tagPIVApplicationAID, aidPIV[:5])
	b.WriteTLV(tagPINUsagePolicy, []byte{0x40 | 0x08, 0x10}) // PIV PIN + VCI, PIN primary
	return b.Bytes()
}

func makeKeyHistory(onCard, offCard int, url string) []byte {
	b := tlv.New()
	b.WriteTLV(tagKeysWithOnCardCerts, []byte{byte(onCard)})
	b.WriteTLV(tagKeysWithOffCardCerts, []byte{byte(offCard)})
	b.WriteTLV(tagOffCardCertURL, []byte(url))
	b.WriteTLV(tagErrorDetectionCode, nil)
	return b.Bytes()
}

// makeSlotKey installs a fresh P-256 key and its self-signed certificate
// object into a mock slot.
func makeSlotKey(t *testing.T, m *mockApplet, slot SlotID, cn string) *ecdsa.PrivateKey {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmplCert := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:     time.Date(2039, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmplCert, &tmplCert, &priv.PublicKey, priv)
	require.NoError(t, err)

	obj := tlv.New()
	obj.WriteTLV(tagCertificate, der)
	obj.WriteTLV(tagCertInfo, []byte{0x00})
	obj.WriteTLV(tagErrorDetectionCode, nil)

	tag, ok := slot.certTag()
	require.True(t, ok)

	m.objects[tag] = obj.Bytes()
	m.slots[byte(slot)] = priv
	return priv
}

// newTestToken wires a standard mock card and returns its enumerated token.
func newTestToken(t *testing.T) (*Token, *mockApplet) {
	t.Helper()

	m := newMockApplet(t)
	m.version = []byte{5, 4, 3}
	m.serial = []byte{0x01, 0x02, 0x03, 0x04}
	m.objects[tagCHUID] = makeCHUID(testGUID, true)
	m.objects[tagDiscovery] = makeDiscovery()
	m.objects[tagKeyHistory] = makeKeyHistory(1, 2, "https://example.com/certs")

	cardcap := tlv.New()
	cardcap.WriteTLV(0xf0, []byte{0xa0, 0x00, 0x00, 0x01, 0x16, 0xff, 0x02})
	m.objects[tagCardCapability] = cardcap.Bytes()

	host := &mockHost{
		readers: []string{"Mock Reader 00 00"},
		cards:   map[string]*mockCard{"Mock Reader 00 00": {applet: m}},
	}

	tokens, err := Enumerate(host)
	require.NoError(t, err, "Failed to enumerate")
	require.Len(t, tokens, 1, "Expected a single token")
	require.NoError(t, tokens[0].ProbeError(), "Unexpected probe error")

	return tokens[0], m
}
