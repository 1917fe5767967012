package kmipclient

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	kmip "github.com/gemalto/kmip-go"
	"github.com/gemalto/kmip-go/kmip14"
	"github.com/gemalto/kmip-go/ttlv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestCertificate(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "kmip-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(parsed)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, pool
}

// testKeyStore is the in-memory key registry behind the test server.
type testKeyStore struct {
	mu     sync.Mutex
	keys   map[string][]byte
	active map[string]bool
	nextID int
}

func newTestKeyStore() *testKeyStore {
	return &testKeyStore{keys: map[string][]byte{}, active: map[string]bool{}}
}

// handle serves one batch item, returning either a response payload or a
// failure reason.
func (ks *testKeyStore) handle(op kmip14.Operation, payload ttlv.TTLV, dec *ttlv.Decoder) (interface{}, kmip14.ResultReason) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	switch op {
	case kmip14.OperationRegister:
		var req RegisterRequestPayload
		if err := dec.DecodeValue(&req, payload); err != nil {
			return nil, kmip14.ResultReasonInvalidMessage
		}
		ks.nextID++
		id := fmt.Sprintf("key-%d", ks.nextID)
		ks.keys[id] = req.SymmetricKey.KeyBlock.KeyValue.KeyMaterial
		return RegisterResponsePayload{UniqueIdentifier: id}, 0

	case kmip14.OperationActivate:
		var req ActivateRequestPayload
		if err := dec.DecodeValue(&req, payload); err != nil {
			return nil, kmip14.ResultReasonInvalidMessage
		}
		if _, ok := ks.keys[req.UniqueIdentifier]; !ok {
			return nil, kmip14.ResultReasonItemNotFound
		}
		ks.active[req.UniqueIdentifier] = true
		return ActivateResponsePayload{UniqueIdentifier: req.UniqueIdentifier}, 0

	case kmip14.OperationGet:
		var req GetRequestPayload
		if err := dec.DecodeValue(&req, payload); err != nil {
			return nil, kmip14.ResultReasonInvalidMessage
		}
		material, ok := ks.keys[req.UniqueIdentifier]
		if !ok {
			return nil, kmip14.ResultReasonItemNotFound
		}
		return GetResponsePayload{
			ObjectType:       kmip14.ObjectTypeSymmetricKey,
			UniqueIdentifier: req.UniqueIdentifier,
			SymmetricKey: SymmetricKey{
				KeyBlock: KeyBlock{
					KeyFormatType:          kmip14.KeyFormatTypeRaw,
					KeyValue:               KeyValue{KeyMaterial: material},
					CryptographicAlgorithm: kmip14.CryptographicAlgorithmAES,
					CryptographicLength:    len(material) * 8,
				},
			},
		}, 0

	case kmip14.OperationGetAttributes:
		var req GetAttributesRequestPayload
		if err := dec.DecodeValue(&req, payload); err != nil {
			return nil, kmip14.ResultReasonInvalidMessage
		}
		if _, ok := ks.keys[req.UniqueIdentifier]; !ok {
			return nil, kmip14.ResultReasonItemNotFound
		}
		state := kmip14.StatePreActive
		if ks.active[req.UniqueIdentifier] {
			state = kmip14.StateActive
		}
		return stateResponse(req.UniqueIdentifier, state), 0
	}

	return nil, kmip14.ResultReasonOperationNotSupported
}

func serveTestConn(conn net.Conn, ks *testKeyStore) {
	defer conn.Close()

	dec := ttlv.NewDecoder(bufio.NewReader(conn))
	for {
		raw, err := dec.NextTTLV()
		if err != nil {
			return
		}
		var req kmip.RequestMessage
		if err := dec.DecodeValue(&req, raw); err != nil {
			return
		}
		if len(req.BatchItem) != 1 {
			return
		}

		item := req.BatchItem[0]
		respItem := kmip.ResponseBatchItem{
			Operation:         item.Operation,
			UniqueBatchItemID: item.UniqueBatchItemID,
		}

		payload, _ := item.RequestPayload.(ttlv.TTLV)
		result, reason := ks.handle(item.Operation, payload, dec)
		if reason != 0 {
			respItem.ResultStatus = kmip14.ResultStatusOperationFailed
			respItem.ResultReason = reason
		} else {
			respItem.ResultStatus = kmip14.ResultStatusSuccess
			respItem.ResponsePayload = result
		}

		resp, err := ttlv.Marshal(kmip.ResponseMessage{
			ResponseHeader: kmip.ResponseHeader{
				ProtocolVersion: kmip.ProtocolVersion{
					ProtocolVersionMajor: protocolVersionMajor,
					ProtocolVersionMinor: protocolVersionMinor,
				},
				TimeStamp:  time.Now(),
				BatchCount: 1,
			},
			BatchItem: []kmip.ResponseBatchItem{respItem},
		})
		if err != nil {
			return
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func startTestServer(t *testing.T, ks *testKeyStore) (string, *tls.Config) {
	t.Helper()

	cert, pool := generateTestCertificate(t)
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveTestConn(conn, ks)
		}
	}()

	return listener.Addr().String(), &tls.Config{RootCAs: pool, ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12}
}

func newTestClient(t *testing.T, addr string, tlsConfig *tls.Config) *Client {
	t.Helper()

	client := &Client{
		Endpoint:       addr,
		TLSConfig:      tlsConfig,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
	require.NoError(t, client.Connect())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClientKeyLifecycle(t *testing.T) {
	addr, tlsConfig := startTestServer(t, newTestKeyStore())
	client := newTestClient(t, addr, tlsConfig)

	keyID, err := client.RegisterSymmetricKey(NewAESKey(testMaterial()), true)
	require.NoError(t, err)
	require.NotEmpty(t, keyID)

	entryErr, err := client.VerifyKeyIsActive(keyID)
	require.NoError(t, err)
	assert.Equal(t, KeyEntryNone, entryErr)

	key, entryErr, err := client.GetSymmetricKey(keyID, true)
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, KeyEntryNone, entryErr)
	assert.Equal(t, keyID, key.ID())
	assert.Equal(t, testMaterial(), key.Material())
}

func TestClientRegisterWithoutActivation(t *testing.T) {
	addr, tlsConfig := startTestServer(t, newTestKeyStore())
	client := newTestClient(t, addr, tlsConfig)

	keyID, err := client.RegisterSymmetricKey(NewAESKey(testMaterial()), false)
	require.NoError(t, err)

	entryErr, err := client.VerifyKeyIsActive(keyID)
	require.NoError(t, err)
	assert.Equal(t, KeyIsNotActive, entryErr)

	// With state verification on, retrieval is refused for the inactive key.
	key, entryErr, err := client.GetSymmetricKey(keyID, true)
	require.NoError(t, err)
	assert.Nil(t, key)
	assert.Equal(t, KeyIsNotActive, entryErr)

	// Without it, the material still comes back.
	key, entryErr, err = client.GetSymmetricKey(keyID, false)
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, KeyEntryNone, entryErr)
}

func TestClientMissingKey(t *testing.T) {
	addr, tlsConfig := startTestServer(t, newTestKeyStore())
	client := newTestClient(t, addr, tlsConfig)

	key, entryErr, err := client.GetSymmetricKey("no-such-key", false)
	require.NoError(t, err)
	assert.Nil(t, key)
	assert.Equal(t, KeyDoesNotExist, entryErr)

	entryErr, err = client.VerifyKeyIsActive("no-such-key")
	require.NoError(t, err)
	assert.Equal(t, KeyDoesNotExist, entryErr)
}

func TestClientNotConnected(t *testing.T) {
	client := &Client{Endpoint: "127.0.0.1:5696"}
	err := client.RunSession(NewVerifyKeyIsActiveSession("key-1"))
	require.Error(t, err)
}

func TestClientConnectFailure(t *testing.T) {
	client := &Client{
		Endpoint:       "127.0.0.1:1",
		TLSConfig:      &tls.Config{MinVersion: tls.VersionTLS12},
		ConnectTimeout: time.Second,
		ConnectRetries: 1,
	}
	require.Error(t, client.Connect())
}

func TestClientResolveMasterKey(t *testing.T) {
	addr, tlsConfig := startTestServer(t, newTestKeyStore())
	client := newTestClient(t, addr, tlsConfig)

	// No identifier configured: a fresh key is registered and activated.
	fresh, err := client.ResolveMasterKey(Params{})
	require.NoError(t, err)
	require.NotEmpty(t, fresh.ID())
	assert.Len(t, fresh.Material(), 32)

	entryErr, err := client.VerifyKeyIsActive(fresh.ID())
	require.NoError(t, err)
	assert.Equal(t, KeyEntryNone, entryErr)

	// The configured key is fetched back with the same material.
	same, err := client.ResolveMasterKey(Params{KeyIdentifier: fresh.ID()})
	require.NoError(t, err)
	assert.Equal(t, fresh.ID(), same.ID())
	assert.Equal(t, fresh.Material(), same.Material())

	// Rotation registers a new key even with an identifier configured.
	rotated, err := client.ResolveMasterKey(Params{KeyIdentifier: fresh.ID(), RotateMasterKey: true})
	require.NoError(t, err)
	assert.NotEqual(t, fresh.ID(), rotated.ID())

	// A missing key is an error here, unlike in GetSymmetricKey.
	_, err = client.ResolveMasterKey(Params{KeyIdentifier: "no-such-key"})
	require.Error(t, err)

	// So is a key that was never activated.
	inactiveID, err := client.RegisterSymmetricKey(NewAESKey(testMaterial()), false)
	require.NoError(t, err)
	_, err = client.ResolveMasterKey(Params{KeyIdentifier: inactiveID})
	require.Error(t, err)
}

func TestClientServerDisconnect(t *testing.T) {
	cert, pool := generateTestCertificate(t)
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	// The server reads one request and hangs up without answering.
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
		conn.Close()
	}()

	client := newTestClient(t, listener.Addr().String(),
		&tls.Config{RootCAs: pool, ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12})

	_, err = client.VerifyKeyIsActive("key-1")
	require.Error(t, err)
}
