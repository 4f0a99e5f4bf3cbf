// Package invitations runs the pairing handshake between a host that
// issued an invitation and a guest that received it.
//
// A Manager owns every session of one peer. CreateInvitation starts a
// HostSession that listens on the invitation's swarm topic;
// AcceptInvitation starts a GuestSession that dials the host, optionally
// proves knowledge of the host's auth code, and is admitted as a member by
// the host's admission.Authority. Each session is an actor: one goroutine
// owns its state and publishes an Event on every transition, which callers
// follow with Subscribe or WaitFor.
//
// A host session that ends because of its guest is re-armed with a fresh
// one for the same invitation until the invitation expires. Explicit
// ResetInvitation does the same on either side.
package invitations
