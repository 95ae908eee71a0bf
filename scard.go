// SPDX-FileCopyrightText: 2020 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pivbox

import (
	"github.com/ebfe/scard"
)

// Host is the host smart card API the library consumes. It is satisfied by
// SCard around an established PC/SC context; the library never creates a
// context itself.
type Host interface {
	ListReaders() ([]string, error)
	Connect(reader string) (Card, error)
}

// Card is one connected reader channel, owned by a Token.
type Card interface {
	Transmit([]byte) ([]byte, error)
	BeginTransaction() error
	EndTransaction() error
	Reconnect() error
	Disconnect() error
}

// SCard adapts an established scard context to the Host interface.
func SCard(ctx *scard.Context) Host {
	return scardHost{ctx: ctx}
}

type scardHost struct {
	ctx *scard.Context
}

func (h scardHost) ListReaders() ([]string, error) {
	return h.ctx.ListReaders()
}

func (h scardHost) Connect(reader string) (Card, error) {
	card, err := h.ctx.Connect(reader, scard.ShareExclusive, scard.ProtocolT1)
	if err != nil {
		return nil, err
	}
	return scardCard{card: card}, nil
}

type scardCard struct {
	card *scard.Card
}

func (c scardCard) Transmit(req []byte) ([]byte, error) {
	return c.card.Transmit(req)
}

func (c scardCard) BeginTransaction() error {
	return c.card.BeginTransaction()
}

func (c scardCard) EndTransaction() error {
	return c.card.EndTransaction(scard.LeaveCard)
}

func (c scardCard) Reconnect() error {
	return c.card.Reconnect(scard.ShareExclusive, scard.ProtocolT1, scard.LeaveCard)
}

func (c scardCard) Disconnect() error {
	return c.card.Disconnect(scard.LeaveCard)
}
