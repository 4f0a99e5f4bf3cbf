package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/backkem/invitations/pkg/invitation"
	"github.com/caarlos0/env/v11"
	"github.com/pion/logging"
	"github.com/spf13/pflag"
)

// Transports selectable with --transport.
const (
	transportLAN  = "lan"
	transportNATS = "nats"
)

var errUsage = errors.New("usage")

// envConfig is read from INVITATIONS_* variables; flags override it.
type envConfig struct {
	Transport string `env:"INVITATIONS_TRANSPORT" envDefault:"lan"`
	NATSURL   string `env:"INVITATIONS_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	LogLevel  string `env:"INVITATIONS_LOG_LEVEL" envDefault:"warn"`
	DB        string `env:"INVITATIONS_DB"`
	PeerName  string `env:"INVITATIONS_PEER_NAME"`
}

// options is the merged configuration of one invocation.
type options struct {
	command string

	transport string
	natsURL   string
	logLevel  logging.LogLevel
	name      string

	// host
	kind        invitation.Kind
	auth        invitation.AuthMethod
	timeout     time.Duration
	multiUse    bool
	db          string
	maxAttempts int
	regenerate  bool
	urlBase     string

	// join
	code string
}

func loadEnv() (envConfig, error) {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		return envConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// parseArgs merges the environment with the command line. args excludes
// the program name.
func parseArgs(args []string, ec envConfig, stderr io.Writer) (*options, error) {
	if len(args) == 0 {
		return nil, errUsage
	}

	o := &options{command: args[0]}
	switch o.command {
	case "host", "join":
	case "-h", "--help", "help":
		return nil, pflag.ErrHelp
	default:
		return nil, fmt.Errorf("unknown command %q", o.command)
	}

	fs := pflag.NewFlagSet("invitectl "+o.command, pflag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&o.transport, "transport", ec.Transport, "swarm transport: lan or nats")
	fs.StringVar(&o.natsURL, "nats-url", ec.NATSURL, "NATS broker URL")
	logLevel := fs.String("log-level", ec.LogLevel, "log level: disabled, error, warn, info, debug, trace")
	fs.StringVar(&o.name, "name", ec.PeerName, "peer name sent to the host")

	var kind, auth string
	if o.command == "host" {
		fs.StringVar(&kind, "kind", "device", "invitation kind: device or space")
		fs.StringVar(&auth, "auth", "secret", "auth method: none or secret")
		fs.DurationVar(&o.timeout, "timeout", 5*time.Minute, "invitation lifetime (0 = no expiry)")
		fs.BoolVar(&o.multiUse, "multi-use", false, "admit more than one guest")
		fs.StringVar(&o.db, "db", ec.DB, "SQLite membership database (empty = in-memory)")
		fs.IntVar(&o.maxAttempts, "max-attempts", 0, "wrong auth codes allowed per cycle (0 = default)")
		fs.BoolVar(&o.regenerate, "regenerate", false, "issue a new auth code after each wrong attempt")
		fs.StringVar(&o.urlBase, "url", "", "also print the invitation as a URL with this base")
	}

	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return nil, err
	}
	o.logLevel = level

	switch o.transport {
	case transportLAN, transportNATS:
	default:
		return nil, fmt.Errorf("unknown transport %q", o.transport)
	}

	switch o.command {
	case "host":
		if fs.NArg() != 0 {
			return nil, fmt.Errorf("host takes no arguments")
		}
		if o.kind, err = invitation.ParseKind(kind); err != nil {
			return nil, err
		}
		if o.auth, err = invitation.ParseAuthMethod(auth); err != nil {
			return nil, err
		}
		if o.timeout < 0 {
			return nil, fmt.Errorf("timeout must not be negative")
		}
		if o.maxAttempts < 0 {
			return nil, fmt.Errorf("max-attempts must not be negative")
		}
	case "join":
		if fs.NArg() != 1 {
			return nil, fmt.Errorf("join takes exactly one invitation code")
		}
		o.code = fs.Arg(0)
	}

	return o, nil
}

func parseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "none":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return logging.LogLevelDisabled, fmt.Errorf("unknown log level %q", s)
	}
}
