package handshake

// Introduce is the guest's first message after connecting.
type Introduce struct {
	InvitationID [16]byte `cbor:"1,keyasint"`
	PeerID       string   `cbor:"2,keyasint"`
	PeerName     string   `cbor:"3,keyasint,omitempty"`
}

// AuthRequired tells the guest to submit the host's auth code.
type AuthRequired struct {
	CodeLength  int `cbor:"1,keyasint"`
	MaxAttempts int `cbor:"2,keyasint"`
}

// Authenticate carries one auth code submission.
type Authenticate struct {
	Code string `cbor:"1,keyasint"`
}

// AuthFailed reports a wrong code with retries left.
type AuthFailed struct {
	Remaining int `cbor:"1,keyasint"`
}

// Admitted reports a successful admission.
type Admitted struct {
	MemberID   string `cbor:"1,keyasint"`
	AdmittedAt int64  `cbor:"2,keyasint"` // unix milliseconds
}

// Cancel ends the handshake at the sender's request.
type Cancel struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

// Failure ends the handshake with a status.
type Failure struct {
	Status  StatusCode `cbor:"1,keyasint"`
	Message string     `cbor:"2,keyasint,omitempty"`
}
