// SPDX-FileCopyrightText: 2023-2024 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

// Package apdu frames ISO7816-4 command APDUs for a smart card transport.
//
// A single logical command may turn into several exchanges on the wire:
// command data longer than 255 bytes is split over the class chain bit when
// short APDUs are requested, and responses longer than 256 bytes are
// reassembled by issuing GET RESPONSE until the card reports a terminal
// status word. Wire encoding and decoding of the individual exchanges is
// done by github.com/skythen/apdu.
package apdu

import (
	"fmt"

	iso "github.com/skythen/apdu"
)

// Transport is the single blocking primitive the framer needs: send raw
// command bytes, receive raw response bytes including the trailing status
// word.
type Transport interface {
	Transmit([]byte) ([]byte, error)
}

const (
	// ClaChain is OR-ed into the class byte of every fragment of a chained
	// command except the last.
	ClaChain = 0x10

	insGetResponse = 0xc0

	// maxCommandData is the largest command data length of a short APDU.
	maxCommandData = 255
	// maxResponse is the largest reply a single short exchange can carry.
	maxResponse = 256

	// SWSuccess is the terminal status word of a successful command.
	SWSuccess = 0x9000
)

// APDU is one command/response pair. Cla, Ins, P1, P2, Data and Ne describe
// the command; Reply and SW are filled in on completion. Data is borrowed
// from the caller and must stay valid until the exchange finished.
type APDU struct {
	Cla  byte
	Ins  byte
	P1   byte
	P2   byte
	Data []byte

	// Ne is the expected response length. Zero means no response data is
	// expected; use maxResponse (256) when the length is unknown.
	Ne int

	Reply []byte
	SW    uint16
}

// Error carries a raw status word the card returned for a command that could
// not complete. The protocol layer translates well-known words into more
// specific errors.
type Error struct {
	SW uint16
}

func (e *Error) Error() string {
	return fmt.Sprintf("unexpected status word 0x%04x", e.SW)
}

// exchange performs one wire exchange and returns reply data and status.
func exchange(t Transport, cla, ins, p1, p2 byte, data []byte, ne int) ([]byte, uint16, error) {
	c := iso.Capdu{Cla: cla, Ins: ins, P1: p1, P2: p2, Data: data, Ne: ne}

	req, err := c.Bytes()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode command: %w", err)
	}

	raw, err := t.Transmit(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to transmit: %w", err)
	}

	r, err := iso.ParseRapdu(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode response: %w", err)
	}

	return r.Data, uint16(r.SW1)<<8 | uint16(r.SW2), nil
}

// Transceive sends a single command APDU and reassembles the full response.
//
// Status 0x61xx makes it issue GET RESPONSE with Le = xx (0 meaning 256)
// until a terminal status word arrives; 0x6Cxx retries once with the
// corrected Le. The terminal status word is stored in a.SW and the
// accumulated reply in a.Reply.
func Transceive(t Transport, a *APDU) error {
	return transceive(t, a, a.Cla, a.Data)
}

func transceive(t Transport, a *APDU, cla byte, data []byte) error {
	reply, sw, err := exchange(t, cla, a.Ins, a.P1, a.P2, data, a.Ne)
	if err != nil {
		return err
	}

	// Wrong Le: the card tells us the correct one, retry a single time.
	if sw&0xff00 == 0x6c00 {
		ne := int(sw & 0xff)
		if ne == 0 {
			ne = maxResponse
		}
		if reply, sw, err = exchange(t, cla, a.Ins, a.P1, a.P2, data, ne); err != nil {
			return err
		}
	}

	a.Reply = append(a.Reply[:0], reply...)

	for sw&0xff00 == 0x6100 {
		ne := int(sw & 0xff)
		if ne == 0 {
			ne = maxResponse
		}

		var more []byte
		if more, sw, err = exchange(t, 0x00, insGetResponse, 0, 0, nil, ne); err != nil {
			return err
		}
		a.Reply = append(a.Reply, more...)
	}

	a.SW = sw
	return nil
}

// TransceiveChain behaves like Transceive but splits command data longer
// than 255 bytes into a command chain: every fragment but the last is sent
// with the class chain bit set and must be answered with status 0x9000, or
// the chain aborts with that status word.
func TransceiveChain(t Transport, a *APDU) error {
	data := a.Data
	for len(data) > maxCommandData {
		frag := data[:maxCommandData]
		data = data[maxCommandData:]

		_, sw, err := exchange(t, a.Cla|ClaChain, a.Ins, a.P1, a.P2, frag, 0)
		if err != nil {
			return err
		}
		if sw != SWSuccess {
			a.SW = sw
			return &Error{SW: sw}
		}
	}

	return transceive(t, a, a.Cla, data)
}
