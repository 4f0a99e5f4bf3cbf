// Package handshake defines the messages a host and a guest exchange while
// pairing, and their CBOR wire encoding.
//
// Every message is a CBOR map {1: opcode, 2: body}; the body type is
// selected by the opcode.
//
//	guest                         host
//	  |---- Introduce ------------->|
//	  |<--- AuthRequired -----------|   (shared secret only)
//	  |---- Authenticate ---------->|
//	  |<--- AuthFailed -------------|   (retries remaining)
//	  |<--- Admitted ---------------|
//
// Either side may send Cancel at any point; the host reports refusals and
// terminal failures with Failure.
package handshake

// Opcode identifies a handshake message type.
type Opcode uint8

const (
	OpcodeIntroduce    Opcode = 0x01
	OpcodeAuthRequired Opcode = 0x02
	OpcodeAuthenticate Opcode = 0x03
	OpcodeAuthFailed   Opcode = 0x04
	OpcodeAdmitted     Opcode = 0x05
	OpcodeCancel       Opcode = 0x06
	OpcodeFailure      Opcode = 0x07
)

// String returns the opcode name.
func (o Opcode) String() string {
	switch o {
	case OpcodeIntroduce:
		return "Introduce"
	case OpcodeAuthRequired:
		return "AuthRequired"
	case OpcodeAuthenticate:
		return "Authenticate"
	case OpcodeAuthFailed:
		return "AuthFailed"
	case OpcodeAdmitted:
		return "Admitted"
	case OpcodeCancel:
		return "Cancel"
	case OpcodeFailure:
		return "Failure"
	default:
		return "Unknown"
	}
}
