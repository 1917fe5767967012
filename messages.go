package kmipclient

import (
	"github.com/gemalto/kmip-go/kmip14"
)

// The engine speaks KMIP 1.4; the message envelope (RequestMessage,
// ResponseMessage, headers and batch items) comes from
// github.com/gemalto/kmip-go. The operation payloads below are defined
// here so that every field an Exchange encodes or interprets is explicit
// and strongly typed.

const (
	protocolVersionMajor = 1
	protocolVersionMinor = 4
)

// attributeNameState is the canonical name of the State attribute
// (KMIP 1.4 spec, section 3.22).
const attributeNameState = "State"

// attributeNameCryptographicUsageMask is the canonical name of the
// Cryptographic Usage Mask attribute (section 3.19).
const attributeNameCryptographicUsageMask = "Cryptographic Usage Mask"

// Attribute is a single named attribute in a template.
type Attribute struct {
	TTLVTag        struct{} `ttlv:"Attribute"`
	AttributeName  string
	AttributeValue interface{}
}

// TemplateAttribute carries the attributes assigned to an object at
// registration time.
type TemplateAttribute struct {
	TTLVTag   struct{}    `ttlv:"TemplateAttribute"`
	Attribute []Attribute `ttlv:",omitempty"`
}

// KeyValue holds raw key material. Wrapped key values are not supported.
type KeyValue struct {
	TTLVTag     struct{} `ttlv:"KeyValue"`
	KeyMaterial []byte
}

// KeyBlock describes key material together with its format and
// cryptographic parameters.
type KeyBlock struct {
	TTLVTag                struct{} `ttlv:"KeyBlock"`
	KeyFormatType          kmip14.KeyFormatType
	KeyValue               KeyValue
	CryptographicAlgorithm kmip14.CryptographicAlgorithm `ttlv:",omitempty"`
	CryptographicLength    int                           `ttlv:",omitempty"`
}

// SymmetricKey is the managed object form of a symmetric key.
type SymmetricKey struct {
	TTLVTag  struct{} `ttlv:"SymmetricKey"`
	KeyBlock KeyBlock
}

// RegisterRequestPayload requests registration of an existing symmetric
// key (KMIP 1.4, section 4.3).
type RegisterRequestPayload struct {
	TTLVTag           struct{} `ttlv:"RequestPayload"`
	ObjectType        kmip14.ObjectType
	TemplateAttribute TemplateAttribute
	SymmetricKey      SymmetricKey
}

type RegisterResponsePayload struct {
	TTLVTag          struct{} `ttlv:"ResponsePayload"`
	UniqueIdentifier string
}

// ActivateRequestPayload transitions a registered key into the Active
// state (section 4.19).
type ActivateRequestPayload struct {
	TTLVTag          struct{} `ttlv:"RequestPayload"`
	UniqueIdentifier string
}

type ActivateResponsePayload struct {
	TTLVTag          struct{} `ttlv:"ResponsePayload"`
	UniqueIdentifier string
}

// GetRequestPayload retrieves a managed object by identifier (section 4.11).
type GetRequestPayload struct {
	TTLVTag          struct{} `ttlv:"RequestPayload"`
	UniqueIdentifier string
}

type GetResponsePayload struct {
	TTLVTag          struct{} `ttlv:"ResponsePayload"`
	ObjectType       kmip14.ObjectType
	UniqueIdentifier string
	SymmetricKey     SymmetricKey
}

// GetAttributesRequestPayload retrieves named attributes of a managed
// object (section 4.12). The engine only ever asks for State.
type GetAttributesRequestPayload struct {
	TTLVTag          struct{} `ttlv:"RequestPayload"`
	UniqueIdentifier string
	AttributeName    []string
}

// StateAttribute is the State attribute of a managed object. The typed
// value lets the decoder map the wire enumeration directly onto
// kmip14.State.
type StateAttribute struct {
	TTLVTag        struct{} `ttlv:"Attribute"`
	AttributeName  string
	AttributeValue kmip14.State
}

type GetAttributesResponsePayload struct {
	TTLVTag          struct{}         `ttlv:"ResponsePayload"`
	UniqueIdentifier string           `ttlv:",omitempty"`
	Attribute        []StateAttribute `ttlv:",omitempty"`
}
