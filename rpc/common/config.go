package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Transport configuration struct (shared by tcp and unix listeners)
// --------------------------------------------------------------------------

type TransportConfig struct {
	// TCP endpoint (host:port) the listener binds to
	Endpoint string
	// Unix socket path, an additional listener is started if set
	UnixSocket string

	// Admission control: connections beyond this limit are held until a slot frees (0 = unlimited)
	MaxConnections int
	// Connections without a frame for this long are closed (0 = never)
	IdleTimeout time.Duration
	// Upper bound of a single wire message
	MaxMessageSize int

	// Socket options
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int // < 0 keeps the OS default
	WriteBufferSize int
	ReadBufferSize  int
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds every configuration parameter of a DocServer.
type ServerConfig struct {
	Transport TransportConfig

	// AdvertisedHost is the host:port of this node as it appears in replica set member lists.
	// Defaults to the transport endpoint.
	AdvertisedHost string

	// Cursor and change feed settings
	CursorTimeout time.Duration
	FeedRetention int // 0 = unbounded

	// Static replica set configuration installed at start (optional)
	ReplicaSetName string
	Members        []string // host or host=priority

	// Replication client used by a secondary
	Replication ClientConfig
	SyncRetryMin time.Duration
	SyncRetryMax time.Duration

	ShutdownTimeout time.Duration

	// Logging configuration
	LogLevel string
}

// DefaultServerConfig returns a configuration with every optional value set.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Transport: TransportConfig{
			Endpoint:       "127.0.0.1:27017",
			MaxConnections: 0,
			IdleTimeout:    5 * time.Minute,
			MaxMessageSize: 48 * 1000 * 1000,
			TCPNoDelay:     true,
			TCPLingerSec:   -1,
		},
		CursorTimeout:   10 * time.Minute,
		Replication:     DefaultClientConfig(),
		SyncRetryMin:    100 * time.Millisecond,
		SyncRetryMax:    2 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
	}
}

// Self returns the advertised host of the node.
func (c *ServerConfig) Self() string {
	if c.AdvertisedHost != "" {
		return c.AdvertisedHost
	}
	return c.Transport.Endpoint
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Wire Listener")
	addField("Endpoint", c.Transport.Endpoint)
	if c.Transport.UnixSocket != "" {
		addField("Unix Socket", c.Transport.UnixSocket)
	}
	addField("Advertised Host", c.Self())
	addField("Max Connections", limit(c.Transport.MaxConnections))
	addField("Idle Timeout", duration(c.Transport.IdleTimeout))
	addField("Max Message Size", fmt.Sprintf("%d bytes", c.Transport.MaxMessageSize))
	addField("TCP No Delay", strconv.FormatBool(c.Transport.TCPNoDelay))

	addSection("Store")
	addField("Feed Retention", limit(c.FeedRetention))
	addField("Cursor Timeout", duration(c.CursorTimeout))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	if c.ReplicaSetName != "" {
		addSection("Replica Set")
		addField("Set Name", c.ReplicaSetName)
		addField("Sync Retry", fmt.Sprintf("%s .. %s", c.SyncRetryMin, c.SyncRetryMax))

		members := append([]string(nil), c.Members...)
		sort.Strings(members)
		sb.WriteString("  Members:\n")
		for _, m := range members {
			sb.WriteString(fmt.Sprintf("    %s\n", m))
		}
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds the options of a wire client (replication and CLI).
type ClientConfig struct {
	Endpoints         []string
	AppName           string
	MaxPoolSize       uint64
	MinPoolSize       uint64
	MaxConnIdleTime   time.Duration
	HeartbeatInterval time.Duration
	ServerSelection   time.Duration // max wait time
	ConnectTimeout    time.Duration
	ChangeStreamAwait time.Duration
	RequestTimeout    time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		AppName:           "ddoc",
		MaxPoolSize:       4,
		MinPoolSize:       0,
		MaxConnIdleTime:   time.Minute,
		HeartbeatInterval: 500 * time.Millisecond,
		ServerSelection:   2 * time.Second,
		ConnectTimeout:    2 * time.Second,
		ChangeStreamAwait: 500 * time.Millisecond,
		RequestTimeout:    10 * time.Second,
	}
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("App Name", c.AppName)
	addField("Pool Size", fmt.Sprintf("%d .. %d", c.MinPoolSize, max(1, c.MaxPoolSize)))
	addField("Max Conn Idle Time", duration(c.MaxConnIdleTime))
	addField("Heartbeat", duration(c.HeartbeatInterval))
	addField("Max Wait Time", duration(c.ServerSelection))
	addField("Connect Timeout", duration(c.ConnectTimeout))
	addField("Request Timeout", duration(c.RequestTimeout))

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func limit(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}

func duration(d time.Duration) string {
	if d <= 0 {
		return "disabled"
	}
	return d.String()
}
