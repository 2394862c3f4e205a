package config

import "time"

// DefaultAddr is the default listen address for the relay server.
// Loopback only: peers are not authenticated at this layer.
const DefaultAddr = "127.0.0.1:3001"

// Default PTY geometry used when the terminal handshake carries none.
const (
	DefaultCols = 120
	DefaultRows = 30
)

// DefaultResolveTimeout is how long a new connection may stay silent before
// it is committed to the terminal role.
const DefaultResolveTimeout = 5 * time.Second

// DefaultPendingTimeout is how long an automation command waits for a canvas
// reply before its pending record expires.
const DefaultPendingTimeout = 30 * time.Second

// DefaultMaxSessions caps the number of concurrently running PTY children.
const DefaultMaxSessions = 20

// Terminal input throttle: messages per second and burst size.
const (
	DefaultInputRateLimit = 1000
	DefaultInputBurst     = 64
)

// DefaultLogLevel is used when neither the file nor the flags set a level.
const DefaultLogLevel = "info"

// DefaultLogFormat selects the zap encoder.
const DefaultLogFormat = "console"
