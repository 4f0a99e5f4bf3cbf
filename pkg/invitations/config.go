package invitations

import (
	"io"
	"time"

	"github.com/backkem/invitations/pkg/admission"
	"github.com/backkem/invitations/pkg/authcode"
	"github.com/backkem/invitations/pkg/transport"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// OfflinePolicy decides what a session does when the swarm reports OFFLINE
// while a guest connection is live.
type OfflinePolicy int

const (
	// OfflineFail ends a connected session with ERROR (ErrTransport).
	// Sessions still CONNECTING keep waiting.
	OfflineFail OfflinePolicy = iota

	// OfflineWait ignores connectivity notifications and relies on the
	// connection itself failing.
	OfflineWait
)

// String returns the policy name.
func (p OfflinePolicy) String() string {
	switch p {
	case OfflineFail:
		return "fail"
	case OfflineWait:
		return "wait"
	default:
		return "unknown"
	}
}

// IsValid returns true if the policy is known.
func (p OfflinePolicy) IsValid() bool {
	return p == OfflineFail || p == OfflineWait
}

// Config configures a Manager.
type Config struct {
	// Swarm connects hosts and guests. Required.
	Swarm transport.Swarm

	// Authority admits guests. Required to host invitations.
	Authority admission.Authority

	// Peer is the local identity sent to hosts when joining.
	// If ID is empty a random one is generated.
	Peer admission.PeerIdentity

	// MaxAuthAttempts bounds wrong auth code submissions per cycle
	// (default: authcode.DefaultMaxAuthAttempts).
	MaxAuthAttempts int

	// RegenerateCodeOnFailure issues a new auth code after every wrong
	// submission instead of keeping the current one.
	RegenerateCodeOnFailure bool

	// DisableRearm stops the host from accepting a new guest after a
	// guest-induced failure or a multi-use admission.
	DisableRearm bool

	// OfflinePolicy applies to connected sessions (default: OfflineFail).
	OfflinePolicy OfflinePolicy

	// DialInterval and MaxDialInterval bound the guest dial backoff.
	DialInterval    time.Duration
	MaxDialInterval time.Duration

	// Random is the source for auth codes (default: crypto/rand).
	Random io.Reader

	// AdmitTimeout bounds one admission call (default: DefaultAdmitTimeout).
	AdmitTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// DefaultAdmitTimeout bounds an admission call.
const DefaultAdmitTimeout = 10 * time.Second

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Swarm == nil {
		return ErrSwarmRequired
	}
	if c.MaxAuthAttempts < 0 {
		return ErrInvalidConfig
	}
	if !c.OfflinePolicy.IsValid() {
		return ErrInvalidConfig
	}
	if c.Peer.ID != "" {
		if err := c.Peer.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	if c.MaxAuthAttempts == 0 {
		c.MaxAuthAttempts = authcode.DefaultMaxAuthAttempts
	}
	if c.DialInterval == 0 {
		c.DialInterval = DefaultDialInterval
	}
	if c.MaxDialInterval == 0 {
		c.MaxDialInterval = DefaultMaxDialInterval
	}
	if c.AdmitTimeout == 0 {
		c.AdmitTimeout = DefaultAdmitTimeout
	}
	if c.Peer.ID == "" {
		c.Peer.ID = uuid.NewString()
	}
}
