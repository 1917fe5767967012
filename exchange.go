package kmipclient

import (
	"bytes"
	"fmt"

	kmip "github.com/gemalto/kmip-go"
	"github.com/gemalto/kmip-go/kmip14"
	"github.com/gemalto/kmip-go/ttlv"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ExchangeState is the lifecycle state of an Exchange. States move strictly
// forward; an Exchange is never reused.
type ExchangeState uint8

const (
	// ExchangeCreated: the request has not been encoded yet.
	ExchangeCreated ExchangeState = iota

	// ExchangeAwaitingResponse: the request has been encoded and is
	// considered in flight; the driver owes the exchange a raw response.
	ExchangeAwaitingResponse

	// ExchangeResponseReceived: a structurally valid response has been
	// ingested and is ready for interpretation.
	ExchangeResponseReceived

	// ExchangeInterpreted: the response has been interpreted; terminal.
	ExchangeInterpreted

	// ExchangeFailed: encoding, ingestion, or interpretation failed; terminal.
	ExchangeFailed
)

func (s ExchangeState) String() string {
	switch s {
	case ExchangeCreated:
		return "Created"
	case ExchangeAwaitingResponse:
		return "AwaitingResponse"
	case ExchangeResponseReceived:
		return "ResponseReceived"
	case ExchangeInterpreted:
		return "Interpreted"
	case ExchangeFailed:
		return "Failed"
	}
	return fmt.Sprintf("ExchangeState(%d)", uint8(s))
}

// ExchangeKind identifies the operation an Exchange performs.
type ExchangeKind uint8

const (
	KindRegisterSymmetricKey ExchangeKind = iota + 1
	KindActivate
	KindGetSymmetricKey
	KindVerifyKeyIsActive
)

func (k ExchangeKind) String() string {
	switch k {
	case KindRegisterSymmetricKey:
		return "RegisterSymmetricKey"
	case KindActivate:
		return "Activate"
	case KindGetSymmetricKey:
		return "GetSymmetricKey"
	case KindVerifyKeyIsActive:
		return "VerifyKeyIsActive"
	}
	return fmt.Sprintf("ExchangeKind(%d)", uint8(k))
}

// Exchange is one KMIP request/response round trip. It is created by a
// Session already bound to its operation input, encodes exactly one request,
// ingests exactly one raw response, and interprets it once.
//
// Calling any method outside the state it is defined for is a programming
// error and panics: it indicates a driver bug, not a runtime condition to
// recover from. Recoverable problems (malformed responses, server-reported
// operation failures) are returned as errors instead and move the Exchange
// to ExchangeFailed.
type Exchange struct {
	kind  ExchangeKind
	state ExchangeState

	key   *Key   // Register input
	keyID string // Activate/Get/VerifyActive input

	batchItemID []byte

	dec     *ttlv.Decoder
	item    kmip.ResponseBatchItem
	payload ttlv.TTLV
}

func newExchange(kind ExchangeKind) *Exchange {
	id := uuid.New()
	return &Exchange{kind: kind, batchItemID: id[:]}
}

func newRegisterExchange(key *Key) *Exchange {
	e := newExchange(KindRegisterSymmetricKey)
	e.key = key
	return e
}

func newActivateExchange(keyID string) *Exchange {
	e := newExchange(KindActivate)
	e.keyID = keyID
	return e
}

func newGetExchange(keyID string) *Exchange {
	e := newExchange(KindGetSymmetricKey)
	e.keyID = keyID
	return e
}

func newVerifyActiveExchange(keyID string) *Exchange {
	e := newExchange(KindVerifyKeyIsActive)
	e.keyID = keyID
	return e
}

// Kind returns the operation this exchange performs.
func (e *Exchange) Kind() ExchangeKind {
	return e.kind
}

// State returns the current lifecycle state.
func (e *Exchange) State() ExchangeState {
	return e.state
}

func (e *Exchange) operation() kmip14.Operation {
	switch e.kind {
	case KindRegisterSymmetricKey:
		return kmip14.OperationRegister
	case KindActivate:
		return kmip14.OperationActivate
	case KindGetSymmetricKey:
		return kmip14.OperationGet
	case KindVerifyKeyIsActive:
		return kmip14.OperationGetAttributes
	}
	panic("kmipclient: exchange has no operation kind")
}

func (e *Exchange) requestPayload() interface{} {
	switch e.kind {
	case KindRegisterSymmetricKey:
		return RegisterRequestPayload{
			ObjectType: kmip14.ObjectTypeSymmetricKey,
			TemplateAttribute: TemplateAttribute{
				Attribute: []Attribute{
					{
						AttributeName:  attributeNameCryptographicUsageMask,
						AttributeValue: kmip14.CryptographicUsageMaskEncrypt | kmip14.CryptographicUsageMaskDecrypt,
					},
				},
			},
			SymmetricKey: SymmetricKey{
				KeyBlock: KeyBlock{
					KeyFormatType:          kmip14.KeyFormatTypeRaw,
					KeyValue:               KeyValue{KeyMaterial: e.key.Material()},
					CryptographicAlgorithm: e.key.Algorithm(),
					CryptographicLength:    e.key.Length(),
				},
			},
		}
	case KindActivate:
		return ActivateRequestPayload{UniqueIdentifier: e.keyID}
	case KindGetSymmetricKey:
		return GetRequestPayload{UniqueIdentifier: e.keyID}
	case KindVerifyKeyIsActive:
		return GetAttributesRequestPayload{
			UniqueIdentifier: e.keyID,
			AttributeName:    []string{attributeNameState},
		}
	}
	panic("kmipclient: exchange has no payload kind")
}

// EncodeRequest produces the TTLV wire payload for this exchange's request.
// Callable only once, in state ExchangeCreated; the exchange then awaits
// its response.
func (e *Exchange) EncodeRequest() ([]byte, error) {
	if e.state != ExchangeCreated {
		panic("kmipclient: EncodeRequest called in state " + e.state.String())
	}

	msg := kmip.RequestMessage{
		RequestHeader: kmip.RequestHeader{
			ProtocolVersion: kmip.ProtocolVersion{
				ProtocolVersionMajor: protocolVersionMajor,
				ProtocolVersionMinor: protocolVersionMinor,
			},
			BatchCount: 1,
		},
		BatchItem: []kmip.RequestBatchItem{
			{
				Operation:         e.operation(),
				UniqueBatchItemID: e.batchItemID,
				RequestPayload:    e.requestPayload(),
			},
		},
	}

	raw, err := ttlv.Marshal(msg)
	if err != nil {
		e.state = ExchangeFailed
		return nil, errors.Wrapf(err, "encoding %s request", e.kind)
	}

	e.state = ExchangeAwaitingResponse
	return []byte(raw), nil
}

// IngestResponse feeds the raw bytes received from the transport into the
// exchange. Callable only in state ExchangeAwaitingResponse. Structurally
// invalid input (not a well-formed TTLV response message, batch count other
// than one, operation or batch item ID mismatch) fails the exchange and is
// reported as an error.
func (e *Exchange) IngestResponse(raw []byte) error {
	if e.state != ExchangeAwaitingResponse {
		panic("kmipclient: IngestResponse called in state " + e.state.String())
	}

	dec := ttlv.NewDecoder(bytes.NewReader(raw))
	t, err := dec.NextTTLV()
	if err != nil {
		e.state = ExchangeFailed
		return errors.Wrap(err, "reading KMIP response")
	}
	if t.Tag() != kmip14.TagResponseMessage {
		e.state = ExchangeFailed
		return errors.Errorf("unexpected message tag %s", t.Tag())
	}

	var msg kmip.ResponseMessage
	if err := dec.DecodeValue(&msg, t); err != nil {
		e.state = ExchangeFailed
		return errors.Wrap(err, "decoding KMIP response message")
	}

	if msg.ResponseHeader.BatchCount != 1 || len(msg.BatchItem) != 1 {
		e.state = ExchangeFailed
		return errors.Errorf("expected a single batch item, got %d", len(msg.BatchItem))
	}

	item := msg.BatchItem[0]
	if item.Operation != e.operation() {
		e.state = ExchangeFailed
		return errors.Errorf("response operation %s does not match request operation %s",
			item.Operation, e.operation())
	}
	if !bytes.Equal(item.UniqueBatchItemID, e.batchItemID) {
		e.state = ExchangeFailed
		return errors.New("response batch item ID does not match the request")
	}

	e.dec = dec
	e.item = item
	e.payload, _ = item.ResponsePayload.(ttlv.TTLV)
	e.state = ExchangeResponseReceived
	return nil
}

// DecodeKeyID interprets a Register response and returns the identifier the
// server assigned to the key.
func (e *Exchange) DecodeKeyID() (string, error) {
	e.requireInterpretable(KindRegisterSymmetricKey, "DecodeKeyID")

	if err := e.requireSuccess(); err != nil {
		return "", err
	}

	var payload RegisterResponsePayload
	if err := e.decodePayload(&payload); err != nil {
		return "", err
	}
	if payload.UniqueIdentifier == "" {
		e.state = ExchangeFailed
		return "", errors.New("register response carries no unique identifier")
	}

	e.state = ExchangeInterpreted
	return payload.UniqueIdentifier, nil
}

// VerifyResponse interprets an Activate response. Any non-success result
// status is a protocol failure: KMIP has no negative-but-successful form
// for Activate.
func (e *Exchange) VerifyResponse() error {
	e.requireInterpretable(KindActivate, "VerifyResponse")

	if err := e.requireSuccess(); err != nil {
		return err
	}
	e.state = ExchangeInterpreted
	return nil
}

// DecodeKey interprets a Get response. It returns the retrieved key, or
// (nil, nil) if the server reported that the key does not exist — a valid
// answer, possibly from a race with deletion.
func (e *Exchange) DecodeKey() (*Key, error) {
	e.requireInterpretable(KindGetSymmetricKey, "DecodeKey")

	if e.item.ResultStatus != kmip14.ResultStatusSuccess {
		if e.item.ResultReason == kmip14.ResultReasonItemNotFound {
			e.state = ExchangeInterpreted
			return nil, nil
		}
		e.state = ExchangeFailed
		return nil, e.statusError()
	}

	var payload GetResponsePayload
	if err := e.decodePayload(&payload); err != nil {
		return nil, err
	}
	if payload.ObjectType != kmip14.ObjectTypeSymmetricKey {
		e.state = ExchangeFailed
		return nil, errors.Errorf("retrieved object is a %s, not a symmetric key", payload.ObjectType)
	}
	material := payload.SymmetricKey.KeyBlock.KeyValue.KeyMaterial
	if len(material) == 0 {
		e.state = ExchangeFailed
		return nil, errors.New("get response carries no key material")
	}

	e.state = ExchangeInterpreted
	return NewKey(payload.UniqueIdentifier, material, payload.SymmetricKey.KeyBlock.CryptographicAlgorithm), nil
}

// DecodeResponse interprets a Get Attributes response for the State
// attribute. KeyEntryNone means the key exists and is active; a populated
// KeyEntryError describes why it is not usable. This is the one
// interpretation point that distinguishes "operation succeeded, answer is
// negative" from "operation failed".
func (e *Exchange) DecodeResponse() (KeyEntryError, error) {
	e.requireInterpretable(KindVerifyKeyIsActive, "DecodeResponse")

	if e.item.ResultStatus != kmip14.ResultStatusSuccess {
		if e.item.ResultReason == kmip14.ResultReasonItemNotFound {
			e.state = ExchangeInterpreted
			return KeyDoesNotExist, nil
		}
		e.state = ExchangeFailed
		return KeyEntryNone, e.statusError()
	}

	var payload GetAttributesResponsePayload
	if err := e.decodePayload(&payload); err != nil {
		return KeyEntryNone, err
	}
	for _, attr := range payload.Attribute {
		if attr.AttributeName != attributeNameState {
			continue
		}
		e.state = ExchangeInterpreted
		if attr.AttributeValue == kmip14.StateActive {
			return KeyEntryNone, nil
		}
		return KeyIsNotActive, nil
	}

	e.state = ExchangeFailed
	return KeyEntryNone, errors.New("get-attributes response is missing the State attribute")
}

func (e *Exchange) requireInterpretable(kind ExchangeKind, method string) {
	if e.kind != kind {
		panic("kmipclient: " + method + " called on a " + e.kind.String() + " exchange")
	}
	if e.state != ExchangeResponseReceived {
		panic("kmipclient: " + method + " called in state " + e.state.String())
	}
}

func (e *Exchange) requireSuccess() error {
	if e.item.ResultStatus == kmip14.ResultStatusSuccess {
		return nil
	}
	e.state = ExchangeFailed
	return e.statusError()
}

func (e *Exchange) statusError() error {
	return errors.Errorf("%s failed: status %s, reason %s: %s",
		e.kind, e.item.ResultStatus, e.item.ResultReason, e.item.ResultMessage)
}

func (e *Exchange) decodePayload(v interface{}) error {
	if len(e.payload) == 0 {
		e.state = ExchangeFailed
		return errors.Errorf("%s response carries no payload", e.kind)
	}
	if err := e.dec.DecodeValue(v, e.payload); err != nil {
		e.state = ExchangeFailed
		return errors.Wrapf(err, "decoding %s response payload", e.kind)
	}
	return nil
}
