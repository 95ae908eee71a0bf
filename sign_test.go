// SPDX-FileCopyrightText: 2020 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pivbox

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestSign(t *testing.T) {
	token, m := newTestToken(t)
	priv := makeSlotKey(t, m, SlotSignature, "signer")
	m.pinAlways[byte(SlotSignature)] = true

	beginTxn(t, token)

	slot, err := token.ReadCert(SlotSignature)
	require.NoError(t, err)

	require.NoError(t, token.VerifyPIN(AuthPIN, DefaultPIN, nil, false))
	assert.Equal(t, 1, m.verifies, "Expected a single VERIFY")

	payload := []byte("hello")

	sig, hash, err := token.Sign(slot, payload, crypto.SHA256)
	require.NoError(t, err, "Failed to sign")
	assert.Equal(t, crypto.SHA256, hash)

	digest := sha256.Sum256(payload)
	assert.True(t, ecdsa.VerifyASN1(&priv.PublicKey, digest[:], sig),
		"Signature must verify under the slot's public key")
}

func TestSignRequiresPIN(t *testing.T) {
	token, m := newTestToken(t)
	makeSlotKey(t, m, SlotSignature, "signer")
	m.pinAlways[byte(SlotSignature)] = true

	beginTxn(t, token)

	slot, err := token.ReadCert(SlotSignature)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("hello"))
	_, err = token.SignPrehash(slot, digest[:], crypto.SHA256)
	require.ErrorIs(t, err, ErrPermission, "Locked slot must refuse to sign")
}

func TestSignPrehash(t *testing.T) {
	token, m := newTestToken(t)
	priv := makeSlotKey(t, m, SlotAuthentication, "signer")

	beginTxn(t, token)

	slot, err := token.ReadCert(SlotAuthentication)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("prehashed"))

	sig, err := token.SignPrehash(slot, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(&priv.PublicKey, digest[:], sig))
}

func TestSignPrehashShortDigest(t *testing.T) {
	token, m := newTestToken(t)
	priv := makeSlotKey(t, m, SlotAuthentication, "signer")

	beginTxn(t, token)

	slot, err := token.ReadCert(SlotAuthentication)
	require.NoError(t, err)

	// A 20 byte SHA-1 digest is zero-extended to the 32 byte field size.
	digest := make([]byte, 20)
	for i := range digest {
		digest[i] = byte(i + 1)
	}

	sig, err := token.SignPrehash(slot, digest, crypto.SHA1)
	require.NoError(t, err)

	padded := make([]byte, 32)
	copy(padded[12:], digest)
	assert.True(t, ecdsa.VerifyASN1(&priv.PublicKey, padded, sig))
}

func TestECDH(t *testing.T) {
	token, m := newTestToken(t)
	priv := makeSlotKey(t, m, SlotKeyManagement, "dh")

	beginTxn(t, token)

	slot, err := token.ReadCert(SlotKeyManagement)
	require.NoError(t, err)

	peer, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	peerSSH, err := ssh.NewPublicKey(&peer.PublicKey)
	require.NoError(t, err)

	shared, err := token.ECDH(slot, peerSSH)
	require.NoError(t, err, "Failed to agree on a key")
	assert.Len(t, shared, 32, "Shared secret must be field-sized")

	// Must match the agreement computed offline with the peer's private key.
	slotECDH, err := priv.PublicKey.ECDH()
	require.NoError(t, err)
	peerECDH, err := peer.ECDH()
	require.NoError(t, err)
	want, err := peerECDH.ECDH(slotECDH)
	require.NoError(t, err)

	assert.Equal(t, want, shared)
}

func TestECDHCurveMismatch(t *testing.T) {
	token, m := newTestToken(t)
	makeSlotKey(t, m, SlotKeyManagement, "dh")

	beginTxn(t, token)

	slot, err := token.ReadCert(SlotKeyManagement)
	require.NoError(t, err)

	peer, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	peerSSH, err := ssh.NewPublicKey(&peer.PublicKey)
	require.NoError(t, err)

	_, err = token.ECDH(slot, peerSSH)
	require.ErrorIs(t, err, ErrArgument)
}

func TestAuthKey(t *testing.T) {
	token, m := newTestToken(t)
	priv := makeSlotKey(t, m, SlotAuthentication, "authkey")

	beginTxn(t, token)

	slot, err := token.ReadCert(SlotAuthentication)
	require.NoError(t, err)

	pub, err := ssh.NewPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	require.NoError(t, token.AuthKey(slot, pub), "Matching key must authenticate")
}

func TestAuthKeyMismatch(t *testing.T) {
	token, m := newTestToken(t)
	makeSlotKey(t, m, SlotAuthentication, "authkey")

	beginTxn(t, token)

	slot, err := token.ReadCert(SlotAuthentication)
	require.NoError(t, err)

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	otherSSH, err := ssh.NewPublicKey(&other.PublicKey)
	require.NoError(t, err)

	err = token.AuthKey(slot, otherSSH)
	require.ErrorIs(t, err, ErrKeyAuth)
}

func TestPrivateKeySigner(t *testing.T) {
	token, m := newTestToken(t)
	priv := makeSlotKey(t, m, SlotSignature, "signer")
	m.pinAlways[byte(SlotSignature)] = true

	beginTxn(t, token)

	slot, err := token.ReadCert(SlotSignature)
	require.NoError(t, err)

	key, err := token.PrivateKey(slot, KeyAuth{PIN: DefaultPIN, PINPolicy: PINPolicyAlways})
	require.NoError(t, err)

	signer, ok := key.(crypto.Signer)
	require.True(t, ok)

	pub, ok := signer.Public().(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.True(t, pub.Equal(&priv.PublicKey))

	digest := sha256.Sum256([]byte("signer interface"))
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err, "Failed to sign")

	assert.True(t, ecdsa.VerifyASN1(&priv.PublicKey, digest[:], sig))
}

func TestPrivateKeySharedKey(t *testing.T) {
	token, m := newTestToken(t)
	priv := makeSlotKey(t, m, SlotKeyManagement, "dh")

	beginTxn(t, token)

	slot, err := token.ReadCert(SlotKeyManagement)
	require.NoError(t, err)

	key, err := token.PrivateKey(slot, KeyAuth{PINPolicy: PINPolicyNever})
	require.NoError(t, err)

	ecKey, ok := key.(*ECPrivateKey)
	require.True(t, ok)

	peer, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	shared, err := ecKey.SharedKey(&peer.PublicKey)
	require.NoError(t, err)

	slotECDH, err := priv.PublicKey.ECDH()
	require.NoError(t, err)
	peerECDH, err := peer.ECDH()
	require.NoError(t, err)
	want, err := peerECDH.ECDH(slotECDH)
	require.NoError(t, err)

	assert.Equal(t, want, shared)
}

func TestNormalizeECSignature(t *testing.T) {
	// Raw (r, s) pairs get DER-wrapped; DER input passes through.
	raw := make([]byte, 64)
	for i := range raw {
		raw[i] = byte(i + 1)
	}

	der, err := normalizeECSignature(raw, 32)
	require.NoError(t, err)
	assert.EqualValues(t, 0x30, der[0])

	again, err := normalizeECSignature(der, 32)
	require.NoError(t, err)
	assert.Equal(t, der, again)

	_, err = normalizeECSignature(make([]byte, 17), 32)
	require.ErrorIs(t, err, ErrInvalidData)
}

func TestBoxOnline(t *testing.T) {
	token, m := newTestToken(t)
	makeSlotKey(t, m, SlotKeyManagement, "box")

	beginTxn(t, token)

	slot, err := token.ReadCert(SlotKeyManagement)
	require.NoError(t, err)

	payload := []byte("hello world")

	box := NewBox()
	box.SetData(payload)
	require.NoError(t, token.BoxSeal(slot, box), "Failed to seal against the card")

	require.True(t, box.HasGUIDSlot())
	assert.Equal(t, testGUID, box.GUID())
	assert.Equal(t, SlotKeyManagement, box.Slot())

	data, err := box.Marshal()
	require.NoError(t, err)

	parsed, err := ParseBox(data)
	require.NoError(t, err)

	// The box names its token; FindToken picks it out.
	foundToken, foundSlot, err := FindToken([]*Token{token}, parsed)
	require.NoError(t, err)
	assert.Same(t, token, foundToken)
	assert.Equal(t, SlotKeyManagement, foundSlot.ID())

	require.NoError(t, token.BoxOpen(foundSlot, parsed), "Failed to open against the card")

	got, err := parsed.TakeData()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestBoxOnlineOfflineInterop(t *testing.T) {
	token, m := newTestToken(t)
	priv := makeSlotKey(t, m, SlotKeyManagement, "box")

	beginTxn(t, token)

	slot, err := token.ReadCert(SlotKeyManagement)
	require.NoError(t, err)

	// Sealed offline against the slot's public key, opened by the card.
	box := NewBox()
	box.SetGUIDSlot(token.GUID(), SlotKeyManagement)
	box.SetData([]byte("offline to online"))
	require.NoError(t, box.SealOffline(slot.PublicKey()))

	require.NoError(t, token.BoxOpen(slot, box))
	got, err := box.TakeData()
	require.NoError(t, err)
	assert.Equal(t, []byte("offline to online"), got)

	// And the other way round: sealed by the card, opened offline.
	box2 := NewBox()
	box2.SetData([]byte("online to offline"))
	require.NoError(t, token.BoxSeal(slot, box2))

	require.NoError(t, box2.OpenOffline(priv))
	got, err = box2.TakeData()
	require.NoError(t, err)
	assert.Equal(t, []byte("online to offline"), got)
}
