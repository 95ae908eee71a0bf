// SPDX-FileCopyrightText: 2023-2024 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package pivbox

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ebfe/scard"
)

// transport adapts a card handle to the APDU framer and implements the one
// permitted transport-level retry: when the host reports that the card was
// reset or re-inserted underneath us, reconnect a single time and replay
// the same command. Everything else surfaces as an IO error.
type transport struct {
	card Card
	log  *slog.Logger

	// onReset resets per-connection state after a successful reconnect: it
	// marks the applet as unselected, so the next command re-selects it, and
	// re-opens a transaction that was open. The replayed command itself is
	// sent without a prior SELECT.
	onReset func() error
}

func isResetIndication(err error) bool {
	return errors.Is(err, scard.ErrResetCard) || errors.Is(err, scard.ErrRemovedCard)
}

func (tp *transport) Transmit(req []byte) ([]byte, error) {
	tp.log.Debug("apdu transmit", slog.String("data", hex.EncodeToString(req)))

	resp, err := tp.card.Transmit(req)
	if err != nil && isResetIndication(err) {
		if rerr := tp.card.Reconnect(); rerr != nil {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}

		if tp.onReset != nil {
			if rerr := tp.onReset(); rerr != nil {
				return nil, rerr
			}
		}

		resp, err = tp.card.Transmit(req)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	tp.log.Debug("apdu response", slog.String("data", hex.EncodeToString(resp)))
	return resp, nil
}
