package kmipclient

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"bufio"
	"crypto/rand"
	"crypto/tls"
	"io"
	"log"
	"net"
	"time"

	"github.com/gemalto/kmip-go/kmip14"
	"github.com/gemalto/kmip-go/ttlv"
	"github.com/pkg/errors"
)

// Client drives Sessions over one TLS connection to a KMIP server. It is
// the only component that performs network I/O: Sessions and Exchanges stay
// pure so they can be tested with canned responses.
//
// A Client is not safe for concurrent use; KMIP request/response pairing is
// connection-ordered, so exchanges on one connection must be serialized.
type Client struct {
	// Endpoint is the host:port of the KMIP server.
	Endpoint string

	// TLSConfig for the connection. KMIP servers conventionally require
	// mutual TLS, so the config usually carries a client certificate.
	TLSConfig *tls.Config

	// Network read & write timeouts, applied per exchange.
	//
	// If set to zero, timeouts are not enforced.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectTimeout bounds a single dial attempt. Zero means no bound.
	ConnectTimeout time.Duration

	// ConnectRetries is the number of additional dial attempts after the
	// first one fails.
	ConnectRetries int

	// Log destination (if not set, log is discarded)
	Log *log.Logger

	conn net.Conn
	dec  *ttlv.Decoder
}

// Connect dials the server, retrying up to ConnectRetries times.
func (c *Client) Connect() error {
	if c.Log == nil {
		c.Log = log.New(io.Discard, "", log.LstdFlags)
	}

	dialer := &net.Dialer{Timeout: c.ConnectTimeout}

	var err error
	for attempt := 0; attempt <= c.ConnectRetries; attempt++ {
		var conn *tls.Conn
		conn, err = tls.DialWithDialer(dialer, "tcp", c.Endpoint, c.TLSConfig)
		if err == nil {
			c.conn = conn
			c.dec = ttlv.NewDecoder(bufio.NewReader(conn))
			c.Log.Printf("[INFO] Connected to %s", c.Endpoint)
			return nil
		}
		c.Log.Printf("[ERROR] Connect attempt %d to %s failed: %s", attempt+1, c.Endpoint, err)
	}
	return errors.Wrapf(err, "connecting to %s", c.Endpoint)
}

// Close closes the connection. The Client may be re-Connected afterwards.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.dec = nil
	return err
}

// RunSession drives the session to completion: it repeatedly asks for the
// next exchange, sends its encoded request, and feeds the raw response back
// in. On any error — transport or protocol — the session is dead and must
// be discarded; retrying the logical operation means running a new session,
// possibly on a fresh connection.
func (c *Client) RunSession(session Session) error {
	if c.conn == nil {
		return errors.New("client is not connected")
	}

	for {
		exchange, err := session.NextExchange()
		if err != nil {
			return err
		}
		if exchange == nil {
			return nil
		}

		req, err := exchange.EncodeRequest()
		if err != nil {
			return err
		}

		if c.WriteTimeout != 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
		}
		if _, err := c.conn.Write(req); err != nil {
			return errors.Wrapf(err, "sending %s request", exchange.Kind())
		}

		if c.ReadTimeout != 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
		}
		resp, err := c.dec.NextTTLV()
		if err != nil {
			return errors.Wrapf(err, "receiving %s response", exchange.Kind())
		}

		if err := exchange.IngestResponse(resp); err != nil {
			return err
		}
		c.Log.Printf("[INFO] %s exchange completed", exchange.Kind())
	}
}

// RegisterSymmetricKey registers the key on the server and, with
// withActivation, activates it. It returns the assigned key identifier.
func (c *Client) RegisterSymmetricKey(key *Key, withActivation bool) (string, error) {
	session := NewRegisterSymmetricKeySession(key, withActivation)
	if err := c.RunSession(session); err != nil {
		return "", err
	}
	return session.KeyID(), nil
}

// GetSymmetricKey retrieves the key with the given identifier. Exactly one
// of the key and the KeyEntryError is set when err is nil.
func (c *Client) GetSymmetricKey(keyID string, verifyState bool) (*Key, KeyEntryError, error) {
	session := NewGetSymmetricKeySession(keyID, verifyState)
	if err := c.RunSession(session); err != nil {
		return nil, KeyEntryNone, err
	}
	key, entryErr := session.Key()
	return key, entryErr, nil
}

// VerifyKeyIsActive reports whether the key exists and is active.
// KeyEntryNone means it is.
func (c *Client) VerifyKeyIsActive(keyID string) (KeyEntryError, error) {
	session := NewVerifyKeyIsActiveSession(keyID)
	if err := c.RunSession(session); err != nil {
		return KeyEntryNone, err
	}
	return session.EntryError(), nil
}

// ResolveMasterKey runs the startup flow a database server performs for its
// data-at-rest master key. With no configured KeyIdentifier, or when rotation
// is requested, a fresh 256-bit key is registered and activated; otherwise the
// configured key is fetched with its state verified, and a key that exists but
// is unusable is an error.
func (c *Client) ResolveMasterKey(p Params) (*Key, error) {
	if p.KeyIdentifier == "" || p.RotateMasterKey {
		material := make([]byte, 32)
		if _, err := rand.Read(material); err != nil {
			return nil, errors.Wrap(err, "generating master key material")
		}
		keyID, err := c.RegisterSymmetricKey(NewAESKey(material), true)
		if err != nil {
			return nil, err
		}
		return NewKey(keyID, material, kmip14.CryptographicAlgorithmAES), nil
	}

	key, entryErr, err := c.GetSymmetricKey(p.KeyIdentifier, true)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errors.Errorf("master key %q is unusable: %s", p.KeyIdentifier, entryErr)
	}
	return key, nil
}
