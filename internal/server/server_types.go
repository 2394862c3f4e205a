package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/glowus/relay/internal/canvas"
	"github.com/glowus/relay/internal/config"
	"github.com/glowus/relay/internal/pty"
	"github.com/glowus/relay/internal/relay"
)

// channelBufferSize is the buffer size for per-client send channels. It lets
// a client fall behind during output bursts without stalling the hub.
const channelBufferSize = 256

// Role is the protocol a connection was committed to. A connection starts
// unresolved and moves to exactly one other role, once.
type Role int32

const (
	RoleUnresolved Role = iota
	RoleTerminal
	RoleAutomation
	RoleCanvas
)

func (r Role) String() string {
	switch r {
	case RoleUnresolved:
		return "unresolved"
	case RoleTerminal:
		return "terminal"
	case RoleAutomation:
		return "automation"
	case RoleCanvas:
		return "canvas"
	default:
		return "invalid"
	}
}

// Options configures a Server. Zero values select the defaults from the
// config package.
type Options struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:3001").
	Addr string

	// Shell is spawned for terminal peers; empty selects pty.DefaultShell.
	Shell string

	// Cols and Rows are the PTY geometry when init carries none.
	Cols int
	Rows int

	// ResolveTimeout is how long a silent connection waits before it is
	// committed to the terminal role.
	ResolveTimeout time.Duration

	// PendingTimeout is how long an automation command waits for a reply
	// before its pending record expires.
	PendingTimeout time.Duration

	// MaxSessions caps concurrently running PTY sessions.
	MaxSessions int

	// InputRateLimit and InputBurst shape terminal input per connection.
	InputRateLimit int
	InputBurst     int

	// WriteWait bounds a single websocket write. A peer that stops reading
	// is disconnected once a write exceeds it.
	WriteWait time.Duration

	Logger *zap.Logger
}

// OptionsFromConfig maps a loaded, defaulted config onto server options.
func OptionsFromConfig(cfg *config.Config, logger *zap.Logger) Options {
	return Options{
		Addr:           cfg.Addr,
		Shell:          cfg.Shell,
		Cols:           cfg.DefaultCols,
		Rows:           cfg.DefaultRows,
		ResolveTimeout: cfg.ResolveTimeout(),
		PendingTimeout: cfg.PendingTimeout(),
		MaxSessions:    cfg.MaxSessions,
		InputRateLimit: cfg.InputRateLimit,
		InputBurst:     cfg.InputBurst,
		Logger:         logger,
	}
}

func (o *Options) applyDefaults() {
	if o.Addr == "" {
		o.Addr = config.DefaultAddr
	}
	if o.Cols <= 0 {
		o.Cols = config.DefaultCols
	}
	if o.Rows <= 0 {
		o.Rows = config.DefaultRows
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = config.DefaultResolveTimeout
	}
	if o.PendingTimeout <= 0 {
		o.PendingTimeout = config.DefaultPendingTimeout
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = config.DefaultMaxSessions
	}
	if o.InputRateLimit <= 0 {
		o.InputRateLimit = config.DefaultInputRateLimit
	}
	if o.InputBurst <= 0 {
		o.InputBurst = config.DefaultInputBurst
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Server accepts websocket peers and routes their traffic by role.
//
// mu serializes every change to the peer tables and every access to the
// canvas store. Messages the hub sends on behalf of those tables (mirrors,
// command broadcasts, snapshot replies) are queued while mu is held, so each
// peer sees them in the order the hub applied them.
type Server struct {
	opts Options

	// upgrader converts HTTP connections to WebSocket connections.
	// Origins are not checked: the relay only serves a trusted loopback
	// deployment and never authenticates peers.
	upgrader websocket.Upgrader

	mu sync.Mutex

	// clients tracks every connected peer, resolved or not.
	clients map[*Client]struct{}

	// automation is the bound automation peer. A later mcp-connect
	// replaces it.
	automation *Client

	// canvases holds every canvas peer.
	canvases map[*Client]struct{}

	// store is the process-wide canvas snapshot. Guarded by mu.
	store *canvas.Store

	// stopped is set by Stop; new connections are refused afterwards.
	stopped bool

	// relay tracks in-flight automation commands.
	relay *relay.Relay

	// expired counts commands whose pending record expired unanswered.
	expired atomic.Int64

	// sessions owns every PTY child so shutdown can kill them all.
	sessions *pty.Manager

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time

	logger *zap.Logger
}

// NewServer creates a relay server. Call StartAsync or Run to listen.
func NewServer(opts Options) *Server {
	opts.applyDefaults()

	s := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[*Client]struct{}),
		canvases:  make(map[*Client]struct{}),
		store:     canvas.NewStore(),
		sessions:  pty.NewManager(opts.MaxSessions, opts.Logger.Named("pty")),
		startTime: time.Now(),
		logger:    opts.Logger,
	}
	s.relay = relay.New(opts.PendingTimeout, opts.Logger.Named("relay"),
		relay.WithExpireHook(func(relay.Pending) { s.expired.Add(1) }))
	return s
}

// outbound is one queued frame. closeAfter makes the write pump send a close
// frame right after it and stop.
type outbound struct {
	data       []byte
	closeAfter bool
}

// Client is one connected websocket peer.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	// send is the connection's single outbound FIFO, drained by writePump.
	send chan outbound

	// done is closed when the client is shutting down.
	done     chan struct{}
	sendOnce sync.Once

	// role holds a Role. It leaves RoleUnresolved exactly once, by CAS.
	role atomic.Int32

	// resolveTimer commits a silent connection to the terminal role.
	resolveTimer *time.Timer

	// ready is closed once the terminal start attempt finished and
	// shell-info (or the spawn failure) is queued.
	ready     chan struct{}
	readyOnce sync.Once

	// mu guards resolveTimer, session and closed.
	mu      sync.Mutex
	session *pty.Session
	closed  bool

	// inputLimiter throttles terminal input; callers wait, nothing is dropped.
	inputLimiter *rate.Limiter

	// ctx is cancelled on teardown to release limiter waits.
	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.Logger
}

// Role returns the committed role, or RoleUnresolved.
func (c *Client) Role() Role {
	return Role(c.role.Load())
}

// ID returns the connection's UUID.
func (c *Client) ID() string {
	return c.id
}

// Addr returns the address the server listens on. Once started this is the
// bound address, which differs from the configured one for port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// ClientCount returns the number of connected peers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// PeerCounts returns the number of connected peers per role name.
func (s *Server) PeerCounts() map[string]int {
	counts := map[string]int{
		RoleUnresolved.String(): 0,
		RoleTerminal.String():   0,
		RoleAutomation.String(): 0,
		RoleCanvas.String():     0,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		counts[c.Role().String()]++
	}
	return counts
}

// AutomationBound reports whether an automation peer is bound.
func (s *Server) AutomationBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.automation != nil
}

// CanvasState returns the current canvas snapshot.
func (s *Server) CanvasState() canvas.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Read()
}

// Sessions returns the PTY session registry.
func (s *Server) Sessions() *pty.Manager {
	return s.sessions
}

// Relay returns the command relay.
func (s *Server) Relay() *relay.Relay {
	return s.relay
}
