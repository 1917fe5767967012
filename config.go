package kmipclient

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const defaultKMIPPort = 5696

// Params is the configuration surface a database server exposes for its
// KMIP master-key source.
type Params struct {
	// ServerName is the KMIP server host name, also used for TLS
	// verification.
	ServerName string

	// Port of the KMIP server; defaults to 5696.
	Port int

	// ServerCAFile is a PEM file with the CA certificates the server's
	// certificate is verified against. Empty means the system pool.
	ServerCAFile string

	// ClientCertificateFile is a single PEM file holding both the client
	// certificate and its private key, used for mutual TLS.
	ClientCertificateFile string

	// ConnectRetries and ConnectTimeout control dialing; see Client.
	ConnectRetries int
	ConnectTimeout time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeyIdentifier is the identifier of an existing master key to fetch.
	// Empty means a new key should be registered.
	KeyIdentifier string

	// RotateMasterKey requests registration of a fresh master key even if
	// KeyIdentifier is set.
	RotateMasterKey bool
}

// TLSConfig builds the TLS client configuration from the certificate files.
func (p *Params) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: p.ServerName,
	}

	if p.ServerCAFile != "" {
		pemBytes, err := os.ReadFile(p.ServerCAFile)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading server CA PEM file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, errors.Errorf("no certificates found in %s", p.ServerCAFile)
		}
		cfg.RootCAs = pool
	}

	if p.ClientCertificateFile != "" {
		pemBytes, err := os.ReadFile(p.ClientCertificateFile)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading client certificate PEM file")
		}
		// The file carries both the certificate and the key.
		cert, err := tls.X509KeyPair(pemBytes, pemBytes)
		if err != nil {
			return nil, errors.Wrapf(err, "error parsing client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// NewClient builds a Client from the parameters. The caller still has to
// Connect it.
func NewClient(p Params) (*Client, error) {
	if p.ServerName == "" {
		return nil, errors.New("KMIP server name is not configured")
	}

	tlsConfig, err := p.TLSConfig()
	if err != nil {
		return nil, err
	}

	port := p.Port
	if port == 0 {
		port = defaultKMIPPort
	}

	return &Client{
		Endpoint:       net.JoinHostPort(p.ServerName, strconv.Itoa(port)),
		TLSConfig:      tlsConfig,
		ReadTimeout:    p.ReadTimeout,
		WriteTimeout:   p.WriteTimeout,
		ConnectTimeout: p.ConnectTimeout,
		ConnectRetries: p.ConnectRetries,
	}, nil
}
