// Package invitation defines the immutable invitation descriptor that a host
// hands to a guest over a side channel, and the text codec used to carry it.
//
// A descriptor is created once by the host and never changes afterwards;
// cancellation and expiry are session state tracked by package invitations.
//
// The text form is "INV:" followed by a Base38 encoding of a bit-packed
// header and the raw key material:
//
//	version(3) kind(2) auth(2) multiuse(1) timeout-ms(32) padding(8)
//	id(128) rendezvous-key(256) swarm-key(256)
//
// Header fields are packed least significant bit first.
package invitation
