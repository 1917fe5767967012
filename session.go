package kmipclient

// Session encapsulates a series of KMIP exchanges (request/response pairs)
// that together complete one logical key operation.
//
// NextExchange must be called when the previous exchange, if any, has
// received its response. It returns the next exchange to run, or nil when
// the operation is complete. A decoding failure aborts the session: the
// error is returned, the session must be discarded, and a fresh session is
// the only way to retry the operation.
//
// Each Session variant additionally exposes one terminal accessor that may
// only be read once the session has finished; reading it earlier panics.
type Session interface {
	NextExchange() (*Exchange, error)
}

func requireResponseReceived(e *Exchange) {
	if e.State() != ExchangeResponseReceived {
		panic("kmipclient: NextExchange called before the previous exchange received its response")
	}
}

func panicAborted() {
	panic("kmipclient: NextExchange called on an aborted session")
}

type registerState uint8

const (
	registerNotStarted registerState = iota
	registerRegistering
	registerActivating
	registerFinished
	registerAborted
)

// RegisterSymmetricKeySession registers a symmetric key on the server and,
// unless withActivation is false, activates it in a follow-up exchange.
type RegisterSymmetricKeySession struct {
	key            *Key
	withActivation bool
	state          registerState

	register *Exchange
	activate *Exchange
	keyID    string
}

func NewRegisterSymmetricKeySession(key *Key, withActivation bool) *RegisterSymmetricKeySession {
	return &RegisterSymmetricKeySession{key: key, withActivation: withActivation}
}

func (s *RegisterSymmetricKeySession) NextExchange() (*Exchange, error) {
	switch s.state {
	case registerNotStarted:
		s.register = newRegisterExchange(s.key)
		s.state = registerRegistering
		return s.register, nil

	case registerRegistering:
		requireResponseReceived(s.register)
		keyID, err := s.register.DecodeKeyID()
		if err != nil {
			s.state = registerAborted
			return nil, err
		}
		s.keyID = keyID
		s.register = nil
		if !s.withActivation {
			s.state = registerFinished
			return nil, nil
		}
		s.activate = newActivateExchange(s.keyID)
		s.state = registerActivating
		return s.activate, nil

	case registerActivating:
		requireResponseReceived(s.activate)
		if err := s.activate.VerifyResponse(); err != nil {
			s.state = registerAborted
			return nil, err
		}
		s.activate = nil
		s.state = registerFinished
		return nil, nil

	case registerFinished:
		return nil, nil
	}

	panicAborted()
	return nil, nil
}

// KeyID returns the identifier the server assigned to the registered key.
// Valid only once the session has finished.
func (s *RegisterSymmetricKeySession) KeyID() string {
	if s.state != registerFinished {
		panic("kmipclient: KeyID read before the session finished")
	}
	return s.keyID
}

type getState uint8

const (
	getNotStarted getState = iota
	getVerifying
	getRetrieving
	getFinished
	getAborted
)

// GetSymmetricKeySession retrieves a symmetric key by identifier. With
// verifyState set, the key's State attribute is checked first and retrieval
// is skipped when the key is already known to be unusable.
type GetSymmetricKeySession struct {
	keyID       string
	verifyState bool
	state       getState

	verify   *Exchange
	retrieve *Exchange
	key      *Key
	entryErr KeyEntryError
}

func NewGetSymmetricKeySession(keyID string, verifyState bool) *GetSymmetricKeySession {
	return &GetSymmetricKeySession{keyID: keyID, verifyState: verifyState}
}

func (s *GetSymmetricKeySession) NextExchange() (*Exchange, error) {
	startRetrieving := func() *Exchange {
		s.retrieve = newGetExchange(s.keyID)
		s.state = getRetrieving
		return s.retrieve
	}

	switch s.state {
	case getNotStarted:
		if s.verifyState {
			s.verify = newVerifyActiveExchange(s.keyID)
			s.state = getVerifying
			return s.verify, nil
		}
		return startRetrieving(), nil

	case getVerifying:
		requireResponseReceived(s.verify)
		entryErr, err := s.verify.DecodeResponse()
		if err != nil {
			s.state = getAborted
			return nil, err
		}
		s.verify = nil
		if entryErr != KeyEntryNone {
			// Verification short-circuits a known-bad key.
			s.entryErr = entryErr
			s.state = getFinished
			return nil, nil
		}
		return startRetrieving(), nil

	case getRetrieving:
		requireResponseReceived(s.retrieve)
		key, err := s.retrieve.DecodeKey()
		if err != nil {
			s.state = getAborted
			return nil, err
		}
		if key != nil {
			s.key = key
		} else {
			s.entryErr = KeyDoesNotExist
		}
		s.retrieve = nil
		s.state = getFinished
		return nil, nil

	case getFinished:
		return nil, nil
	}

	panicAborted()
	return nil, nil
}

// Key returns the session result: exactly one of a retrieved key or a
// KeyEntryError describing why the server could not serve it. Valid only
// once the session has finished.
func (s *GetSymmetricKeySession) Key() (*Key, KeyEntryError) {
	if s.state != getFinished {
		panic("kmipclient: Key read before the session finished")
	}
	return s.key, s.entryErr
}

type verifyState uint8

const (
	verifyNotStarted verifyState = iota
	verifyVerifying
	verifyFinished
	verifyAborted
)

// VerifyKeyIsActiveSession checks in a single exchange that a key exists
// on the server and is in the Active state.
type VerifyKeyIsActiveSession struct {
	keyID string
	state verifyState

	verify   *Exchange
	entryErr KeyEntryError
}

func NewVerifyKeyIsActiveSession(keyID string) *VerifyKeyIsActiveSession {
	return &VerifyKeyIsActiveSession{keyID: keyID}
}

func (s *VerifyKeyIsActiveSession) NextExchange() (*Exchange, error) {
	switch s.state {
	case verifyNotStarted:
		s.verify = newVerifyActiveExchange(s.keyID)
		s.state = verifyVerifying
		return s.verify, nil

	case verifyVerifying:
		requireResponseReceived(s.verify)
		entryErr, err := s.verify.DecodeResponse()
		if err != nil {
			s.state = verifyAborted
			return nil, err
		}
		s.entryErr = entryErr
		s.verify = nil
		s.state = verifyFinished
		return nil, nil

	case verifyFinished:
		return nil, nil
	}

	panicAborted()
	return nil, nil
}

// EntryError returns KeyEntryNone if the key exists and is active, or the
// reason it is not usable. Valid only once the session has finished.
func (s *VerifyKeyIsActiveSession) EntryError() KeyEntryError {
	if s.state != verifyFinished {
		panic("kmipclient: EntryError read before the session finished")
	}
	return s.entryErr
}
