package adapters

import (
	"errors"
	"time"

	"github.com/meshlink/meshlink/identity"
	"github.com/meshlink/meshlink/session"
)

// RouterMode selects whether the SAM bridge is reached as an external
// process or expected to be embedded in the host process, per §6.
type RouterMode int

const (
	RouterExternal RouterMode = iota
	RouterEmbedded
)

// ServerConfig is the parsed shape of §6's server configuration. Nothing
// in this package reads a config file or flag set to populate one — that
// is the command-line front end's job, an explicit non-goal here.
type ServerConfig struct {
	MaxSessions        uint32
	CommandTimeoutSecs uint64
	AllowedClients     [][identity.AddressSize]byte
	SamAddress         string
	EnableOverlay      bool
	RouterMode         RouterMode
}

// DefaultServerConfig returns the §6 defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxSessions:        10,
		CommandTimeoutSecs: 300,
		SamAddress:         "127.0.0.1:7656",
		RouterMode:         RouterExternal,
	}
}

// Validate reports whether c's values are sound, independent of whether
// they came from a file, flags, or a test literal.
func (c ServerConfig) Validate() error {
	if c.MaxSessions == 0 {
		return errors.New("adapters: max_sessions must be > 0")
	}
	if c.CommandTimeoutSecs == 0 {
		return errors.New("adapters: command_timeout_secs must be > 0")
	}
	if c.SamAddress == "" {
		return errors.New("adapters: sam_address must not be empty")
	}
	return nil
}

// CommandTimeout is CommandTimeoutSecs as a time.Duration.
func (c ServerConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSecs) * time.Second
}

// ClientConfig is the parsed shape of §6's client configuration.
type ClientConfig struct {
	ServerDestination        [identity.AddressSize]byte
	ConnectionTimeoutSecs    uint64
	CommandTimeoutSecs       uint64
	SamAddress               string
	ServerOverlayDestination string // base64, optional
	EnableOverlay            bool
	RouterMode               RouterMode
}

// DefaultClientConfig returns the §6 defaults, minus ServerDestination
// which has no sensible default.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectionTimeoutSecs: 30,
		CommandTimeoutSecs:    300,
		SamAddress:            "127.0.0.1:7656",
		RouterMode:            RouterExternal,
	}
}

// Validate reports whether c's values are sound.
func (c ClientConfig) Validate() error {
	if c.ServerDestination == ([identity.AddressSize]byte{}) {
		return errors.New("adapters: server_destination must be set")
	}
	if c.ConnectionTimeoutSecs == 0 {
		return errors.New("adapters: connection_timeout_secs must be > 0")
	}
	if c.CommandTimeoutSecs == 0 {
		return errors.New("adapters: command_timeout_secs must be > 0")
	}
	if c.EnableOverlay && c.ServerOverlayDestination == "" {
		return errors.New("adapters: server_overlay_destination required when overlay is enabled")
	}
	if c.SamAddress == "" {
		return errors.New("adapters: sam_address must not be empty")
	}
	return nil
}

// ConnectionTimeout is ConnectionTimeoutSecs as a time.Duration.
func (c ClientConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSecs) * time.Second
}

// CommandTimeout is CommandTimeoutSecs as a time.Duration.
func (c ClientConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSecs) * time.Second
}

// Policy translates a validated ServerConfig into the session.Policy the
// core actually consumes.
func (c ServerConfig) Policy() session.Policy {
	return session.Policy{
		MaxSessions:    int(c.MaxSessions),
		CommandTimeout: c.CommandTimeout(),
		AllowedClients: c.AllowedClients,
	}
}
