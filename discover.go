// SPDX-FileCopyrightText: 2020 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pivbox

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ebfe/scard"
)

type config struct {
	log    *slog.Logger
	rand   io.Reader
	extLen bool
}

// Option configures discovery and the tokens it returns.
type Option func(*config)

// WithLogger injects a logger. Full APDU traffic is dumped at Debug level,
// including sensitive information. Be careful.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithRand overrides the source of randomness used for card challenges and
// box sealing. Defaults to crypto/rand.
func WithRand(r io.Reader) Option {
	return func(c *config) { c.rand = r }
}

// WithExtendedLength makes tokens encode long commands as extended-length
// APDUs instead of command chains. Only enable this for cards that
// advertise extended length support.
func WithExtendedLength() Option {
	return func(c *config) { c.extLen = true }
}

func newConfig(opts []Option) config {
	c := config{
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		rand: rand.Reader,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// connectToken opens the reader and wires up a token descriptor.
func connectToken(host Host, reader string, cfg config) (*Token, error) {
	card, err := host.Connect(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	t := &Token{
		reader:      reader,
		card:        card,
		rand:        cfg.rand,
		log:         cfg.log,
		extLen:      cfg.extLen,
		defaultAuth: AuthPIN,
		authMethods: map[AuthMethod]bool{AuthPIN: true},
	}
	t.tp = &transport{card: card, log: cfg.log, onReset: t.onReset}

	return t, nil
}

// Enumerate lists all PIV tokens reachable through the given host context
// (see SCard for the PC/SC adapter).
//
// Each reader is probed with a short transaction: SELECT of the PIV AID and
// reads of the CHUID, discovery and key history objects where present. A
// reader whose card fails the probe is still returned as a token with the
// failure recorded (see Token.ProbeError) and its capability fields
// cleared; readers that fail at the PC/SC level are skipped. Enumerate
// itself only fails when the host context is unusable.
func Enumerate(host Host, opts ...Option) ([]*Token, error) {
	cfg := newConfig(opts)

	readers, err := host.ListReaders()
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w: %w", ErrIO, err)
	}

	var tokens []*Token
	for _, reader := range readers {
		t, err := connectToken(host, reader, cfg)
		if err != nil {
			cfg.log.Debug("skipping reader", slog.String("reader", reader), slog.Any("error", err))
			continue
		}

		t.probe()
		tokens = append(tokens, t)
	}

	return tokens, nil
}

// probe populates the token descriptor. Failures are recorded, not
// returned: a half-probed token is still useful for reporting.
func (t *Token) probe() {
	tx, err := t.Begin()
	if err != nil {
		t.probeErr = err
		return
	}
	defer tx.Close()

	fail := func(err error) {
		t.probeErr = err
		t.authMethods = map[AuthMethod]bool{}
		t.algorithms = nil
		t.vci = false
	}

	if err := t.selectApplet(); err != nil {
		fail(err)
		return
	}

	if err := t.readCHUID(); err != nil {
		if !errors.Is(err, ErrNotFound) {
			fail(err)
			return
		}
		// No CHUID at all. Keep the token addressable anyway.
		t.synthesizeGUID()
	}

	if err := t.readDiscovery(); err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNotSupported) {
		fail(err)
		return
	}

	if err := t.readKeyHistory(); err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNotSupported) {
		fail(err)
		return
	}

	if err := t.readCardCapability(); err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNotSupported) {
		fail(err)
		return
	}

	// Non-YubicoPIV cards reject the version instruction; that is fine.
	t.readVersion() //nolint:errcheck
}

// Find returns the token whose GUID starts with the given prefix. It is
// faster than Enumerate since it reads only the CHUID of each card. A
// prefix matching more than one token yields ErrDuplicate, no match
// ErrNotFound.
func Find(host Host, guidPrefix []byte, opts ...Option) (*Token, error) {
	if len(guidPrefix) == 0 || len(guidPrefix) > GUIDLen {
		return nil, fmt.Errorf("%w: guid prefix must be 1 to %d bytes", ErrArgument, GUIDLen)
	}

	cfg := newConfig(opts)

	readers, err := host.ListReaders()
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w: %w", ErrIO, err)
	}

	var found *Token
	for _, reader := range readers {
		t, err := connectToken(host, reader, cfg)
		if err != nil {
			continue
		}

		if err := t.findProbe(); err != nil {
			t.Release() //nolint:errcheck
			continue
		}

		if !bytes.HasPrefix(t.guid[:], guidPrefix) {
			t.Release() //nolint:errcheck
			continue
		}

		if found != nil {
			t.Release()     //nolint:errcheck
			found.Release() //nolint:errcheck
			return nil, ErrDuplicate
		}
		found = t
	}

	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// findProbe is the minimal probe used by Find: select and CHUID only.
func (t *Token) findProbe() error {
	tx, err := t.Begin()
	if err != nil {
		return err
	}
	defer tx.Close()

	if err := t.selectApplet(); err != nil {
		return err
	}

	return t.readCHUID()
}
