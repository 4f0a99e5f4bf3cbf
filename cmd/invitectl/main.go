// Command invitectl hosts and joins invitations from the command line.
//
// Usage:
//
//	invitectl host [--kind device|space] [--auth none|secret] [--timeout 5m]
//	               [--multi-use] [--db members.db] [--url https://example/join]
//	invitectl join [--name NAME] <code>
//
// Both commands accept --transport lan|nats, --nats-url and --log-level.
// INVITATIONS_TRANSPORT, INVITATIONS_NATS_URL, INVITATIONS_LOG_LEVEL,
// INVITATIONS_DB and INVITATIONS_PEER_NAME set the defaults.
//
// The host prints the invitation code, then the auth code whenever a guest
// asks for one, and finally each admission. The guest reads the auth code
// from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/backkem/invitations/pkg/admission"
	"github.com/backkem/invitations/pkg/authcode"
	"github.com/backkem/invitations/pkg/invitation"
	"github.com/backkem/invitations/pkg/invitations"
	"github.com/backkem/invitations/pkg/transport"
	"github.com/nats-io/nats.go"
	"github.com/pion/logging"
	"github.com/spf13/pflag"
)

const usage = `usage:
  invitectl host [flags]
  invitectl join [flags] <code>

run "invitectl <command> --help" for the flags of a command
`

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	ec, err := loadEnv()
	if err != nil {
		return err
	}

	o, err := parseArgs(args, ec, stderr)
	if errors.Is(err, pflag.ErrHelp) || errors.Is(err, errUsage) {
		fmt.Fprint(stderr, usage)
		if errors.Is(err, errUsage) {
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = o.logLevel
	lf.Writer = stderr

	swarm, closeSwarm, err := openSwarm(o, lf)
	if err != nil {
		return err
	}
	defer closeSwarm()

	config := invitations.Config{
		Swarm:                   swarm,
		Peer:                    admission.PeerIdentity{Name: o.name},
		MaxAuthAttempts:         o.maxAttempts,
		RegenerateCodeOnFailure: o.regenerate,
		LoggerFactory:           lf,
	}

	if o.command == "host" {
		authority, closeAuthority, err := openAuthority(o, lf)
		if err != nil {
			return err
		}
		defer closeAuthority()
		config.Authority = authority
	}

	m, err := invitations.NewManager(config)
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}
	defer m.Close()

	if o.command == "host" {
		return runHost(ctx, m, o, stdout)
	}
	return runJoin(ctx, m, o, stdin, stdout)
}

func openSwarm(o *options, lf logging.LoggerFactory) (transport.Swarm, func(), error) {
	switch o.transport {
	case transportNATS:
		nc, err := nats.Connect(o.natsURL,
			nats.Name("invitectl"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to %s: %w", o.natsURL, err)
		}
		swarm, err := transport.NewNATSSwarm(transport.NATSConfig{
			Conn:          nc,
			LoggerFactory: lf,
		})
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return swarm, func() {
			swarm.Close()
			nc.Close()
		}, nil
	default:
		swarm := transport.NewLANSwarm(transport.LANConfig{LoggerFactory: lf})
		return swarm, func() { swarm.Close() }, nil
	}
}

func openAuthority(o *options, lf logging.LoggerFactory) (admission.Authority, func(), error) {
	if o.db == "" {
		return admission.NewMemoryAuthority(admission.MemoryConfig{LoggerFactory: lf}), func() {}, nil
	}
	store, err := admission.OpenSQLite(admission.SQLiteConfig{
		Path:          o.db,
		LoggerFactory: lf,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func runHost(ctx context.Context, m *invitations.Manager, o *options, out io.Writer) error {
	desc, err := m.CreateInvitation(ctx, o.kind, invitation.Options{
		AuthMethod: o.auth,
		Timeout:    o.timeout,
		MultiUse:   o.multiUse,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Invitation: %s\n", invitation.Encode(desc))
	if o.urlBase != "" {
		link, err := invitation.EncodeURL(desc, o.urlBase)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Link:       %s\n", link)
	}
	if desc.HasTimeout() {
		fmt.Fprintf(out, "Expires in: %s\n", desc.Timeout())
	}

	// A guest-induced end re-arms the invitation with a fresh session, so
	// keep following whatever the registry holds until it stops changing.
	var prev *invitations.HostSession
	for {
		h, err := m.Host(desc.ID())
		if err != nil {
			return err
		}
		if h == prev {
			return hostResult(h)
		}
		prev = h

		ev, err := followHost(ctx, h, out)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if ev.State == invitations.StateSuccess && !desc.MultiUse() {
			return nil
		}
	}
}

func followHost(ctx context.Context, h *invitations.HostSession, out io.Writer) (invitations.Event, error) {
	var shown string
	for ev := range h.Subscribe(ctx) {
		switch ev.State {
		case invitations.StateConnected:
			fmt.Fprintln(out, "Guest connected.")
		case invitations.StateAuthenticating:
			code, err := h.AuthCode()
			if err == nil && code != shown {
				shown = code
				fmt.Fprintf(out, "Auth code for %s: %s\n", h.Guest(), code)
			}
		case invitations.StateAuthFailed:
			fmt.Fprintf(out, "Wrong auth code, %d attempts left.\n", ev.AttemptsRemaining)
		case invitations.StateSuccess:
			if rec := h.Record(); rec != nil {
				fmt.Fprintf(out, "Admitted %s as %s.\n", rec.Peer, rec.MemberID)
			}
			return ev, nil
		default:
			if ev.State.IsTerminal() {
				fmt.Fprintf(out, "Handshake ended: %s (%v)\n", ev.State, ev.Err)
				return ev, nil
			}
		}
	}
	return invitations.Event{}, ctx.Err()
}

func hostResult(h *invitations.HostSession) error {
	switch h.State() {
	case invitations.StateSuccess, invitations.StateCancelled:
		return nil
	default:
		return h.Err()
	}
}

func runJoin(ctx context.Context, m *invitations.Manager, o *options, in io.Reader, out io.Writer) error {
	desc, err := invitation.DecodeURL(o.code)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Joining %s invitation %s\n", desc.Kind(), desc.ID())

	g, err := m.AcceptInvitation(ctx, desc)
	if err != nil {
		return err
	}

	lines := readLines(in)
	events := g.Subscribe(ctx)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil
				}
				return ctx.Err()
			}
			switch ev.State {
			case invitations.StateConnecting:
				fmt.Fprintln(out, "Looking for the host...")
			case invitations.StateAuthenticating:
				fmt.Fprintf(out, "Enter the auth code shown by the host (%d attempts left): ", ev.AttemptsRemaining)
			case invitations.StateAuthFailed:
				fmt.Fprintln(out, "Wrong auth code.")
			case invitations.StateSuccess:
				if rec := g.Record(); rec != nil {
					fmt.Fprintf(out, "Admitted as %s.\n", rec.MemberID)
				}
				return nil
			default:
				if ev.State.IsTerminal() {
					return fmt.Errorf("handshake ended in %s: %w", ev.State, ev.Err)
				}
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			code := strings.TrimSpace(line)
			if code == "" {
				continue
			}
			if err := g.SubmitAuthCode(code); err != nil {
				if errors.Is(err, authcode.ErrInvalidFormat) {
					fmt.Fprintf(out, "Auth codes are %d digits, try again: ", authcode.CodeLength)
					continue
				}
				fmt.Fprintf(out, "Cannot submit now: %v\n", err)
			}
		}
	}
}

// readLines streams lines from r until EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}
