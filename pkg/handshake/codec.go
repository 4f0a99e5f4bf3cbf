package handshake

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrUnknownOpcode = errors.New("handshake: unknown opcode")
	ErrMalformed     = errors.New("handshake: malformed message")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("handshake: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1024,
		MaxMapPairs:      64,
	}.DecMode()
	if err != nil {
		panic("handshake: CBOR decoder initialization failed: " + err.Error())
	}
}

type envelope struct {
	Opcode Opcode          `cbor:"1,keyasint"`
	Body   cbor.RawMessage `cbor:"2,keyasint"`
}

// Message is a decoded handshake message. Body holds a pointer to the
// struct matching Opcode, e.g. *Introduce for OpcodeIntroduce.
type Message struct {
	Opcode Opcode
	Body   any
}

// Marshal encodes body as a message. The opcode is derived from the body type.
func Marshal(body any) ([]byte, error) {
	op, err := opcodeOf(body)
	if err != nil {
		return nil, err
	}
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("handshake: encode %s: %w", op, err)
	}
	return encMode.Marshal(envelope{Opcode: op, Body: raw})
}

// Unmarshal decodes a message.
func Unmarshal(data []byte) (*Message, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var body any
	switch env.Opcode {
	case OpcodeIntroduce:
		body = &Introduce{}
	case OpcodeAuthRequired:
		body = &AuthRequired{}
	case OpcodeAuthenticate:
		body = &Authenticate{}
	case OpcodeAuthFailed:
		body = &AuthFailed{}
	case OpcodeAdmitted:
		body = &Admitted{}
	case OpcodeCancel:
		body = &Cancel{}
	case OpcodeFailure:
		body = &Failure{}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, uint8(env.Opcode))
	}

	if isNull(env.Body) {
		return nil, fmt.Errorf("%w: %s without body", ErrMalformed, env.Opcode)
	}
	if err := decMode.Unmarshal(env.Body, body); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Opcode, err)
	}
	return &Message{Opcode: env.Opcode, Body: body}, nil
}

// isNull reports whether a raw body is absent, CBOR null or undefined.
func isNull(raw cbor.RawMessage) bool {
	return len(raw) == 0 || (len(raw) == 1 && (raw[0] == 0xf6 || raw[0] == 0xf7))
}

func opcodeOf(body any) (Opcode, error) {
	switch body.(type) {
	case *Introduce, Introduce:
		return OpcodeIntroduce, nil
	case *AuthRequired, AuthRequired:
		return OpcodeAuthRequired, nil
	case *Authenticate, Authenticate:
		return OpcodeAuthenticate, nil
	case *AuthFailed, AuthFailed:
		return OpcodeAuthFailed, nil
	case *Admitted, Admitted:
		return OpcodeAdmitted, nil
	case *Cancel, Cancel:
		return OpcodeCancel, nil
	case *Failure, Failure:
		return OpcodeFailure, nil
	default:
		return 0, fmt.Errorf("%w: body type %T", ErrUnknownOpcode, body)
	}
}
