// Package kmipclient implements the client side of the KMIP key-lifecycle
// operations a database server performs against an external key management
// server to protect its data-at-rest encryption master key.
//
// The package is organized around two small abstractions:
//
//   - Exchange: a single KMIP request/response round trip for one operation
//     (Register, Activate, Get, Get Attributes). An Exchange owns request
//     construction, raw response ingestion, and response interpretation.
//   - Session: an ordered series of Exchanges completing one logical key
//     operation, e.g. "register a symmetric key and activate it". A Session
//     is a state machine: it hands out the next Exchange to run, inspects
//     the completed one, and eventually produces a terminal result.
//
// Sessions never touch the network. The Client drives them: it asks a
// Session for its next Exchange, sends the encoded request over a TLS
// connection, feeds the raw response back, and repeats until the Session
// reports completion. This keeps the protocol logic deterministic and
// testable against canned responses.
//
// Server-reported negative answers, such as "no such key", are not errors.
// They are modeled as KeyEntryError values carried in the Session result,
// distinct from transport and decoding failures which abort the Session.
//
// Supported operations, for symmetric keys only:
//   - Register: register key material, returning the assigned identifier.
//   - Activate: activate a registered key.
//   - Get: retrieve key material by identifier.
//   - Get Attributes: check that a key exists and is in the Active state.
//
// The wire format is KMIP 1.4 TTLV, encoded and decoded with
// github.com/gemalto/kmip-go. A small Vault KV client is included as an
// alternative key source for deployments that store the master key in
// HashiCorp Vault instead of a KMIP server.
package kmipclient
