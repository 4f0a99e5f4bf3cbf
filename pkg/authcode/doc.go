// Package authcode implements the short human-verifiable codes used to
// authenticate a guest during an invitation handshake, and the retry budget
// bounding how many wrong codes a guest may submit.
//
// A code is a fixed-length decimal string (CodeLength digits, zero-padded)
// drawn uniformly from a cryptographically strong source. The host displays
// it to the operator, who relays it to the guest out of band; the guest
// submits it back over the handshake channel where it is compared in
// constant time.
package authcode
