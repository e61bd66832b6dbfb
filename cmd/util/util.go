package util

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dDoc/rpc/client"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/ValentinKolb/dDoc/rpc/transport/tcp"
	"github.com/ValentinKolb/dDoc/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of every environment variable read by the CLI
	EnvPrefix = "ddoc"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		if lineWidth > 0 && lineWidth+1+len(word) > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}
		currentLine.WriteString(word)
		lineWidth += len(word)
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}
	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and makes viper read DDOC_<FLAG> environment variables.
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Client flags
// --------------------------------------------------------------------------

// SetupClientFlags adds the connection flags of a client command group
func SetupClientFlags(cmd *cobra.Command) {
	defaults := common.DefaultClientConfig()
	flags := cmd.PersistentFlags()

	flags.String("host", "127.0.0.1:27017", WrapString("Address of the dDoc server (host:port, or the socket path for the unix transport)"))
	flags.String("transport", "tcp", WrapString("Transport of the raw wire client used by status and reconfig (tcp, unix)"))
	flags.String("app-name", defaults.AppName, WrapString("Application name sent in the handshake"))
	flags.Uint64("max-pool-size", defaults.MaxPoolSize, WrapString("Maximum number of pooled connections"))
	flags.Uint64("min-pool-size", defaults.MinPoolSize, WrapString("Minimum number of pooled connections"))
	flags.Duration("max-conn-idle-time", defaults.MaxConnIdleTime, WrapString("Pooled connections idle for longer are closed"))
	flags.Duration("heartbeat", defaults.HeartbeatInterval, WrapString("Interval of the server monitoring heartbeat"))
	flags.Duration("max-wait-time", defaults.ServerSelection, WrapString("How long to wait for a usable server"))
	flags.Duration("connect-timeout", defaults.ConnectTimeout, WrapString("Timeout for establishing a connection"))
	flags.Duration("await-time", defaults.ChangeStreamAwait, WrapString("Max await time of a change stream getMore"))
	flags.Duration("timeout", defaults.RequestTimeout, WrapString("Timeout of a single command"))
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() *common.ClientConfig {
	return &common.ClientConfig{
		Endpoints:         []string{viper.GetString("host")},
		AppName:           viper.GetString("app-name"),
		MaxPoolSize:       viper.GetUint64("max-pool-size"),
		MinPoolSize:       viper.GetUint64("min-pool-size"),
		MaxConnIdleTime:   viper.GetDuration("max-conn-idle-time"),
		HeartbeatInterval: viper.GetDuration("heartbeat"),
		ServerSelection:   viper.GetDuration("max-wait-time"),
		ConnectTimeout:    viper.GetDuration("connect-timeout"),
		ChangeStreamAwait: viper.GetDuration("await-time"),
		RequestTimeout:    viper.GetDuration("timeout"),
	}
}

// GetTransport creates the raw client transport selected by the transport flag
func GetTransport() (transport.IRPCClientTransport, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPClientTransport(), nil
	case "unix":
		return unix.NewUnixClientTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// NewWireClient connects a raw wire client to the configured host
func NewWireClient(ctx context.Context) (*client.WireClient, error) {
	t, err := GetTransport()
	if err != nil {
		return nil, err
	}
	config := GetClientConfig()
	return client.NewWireClient(ctx, config.Endpoints[0], *config, t, serializer.NewWireSerializer(0))
}

// CommandContext returns a context bounded by the configured request timeout
func CommandContext() (context.Context, context.CancelFunc) {
	if timeout := viper.GetDuration("timeout"); timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}

// --------------------------------------------------------------------------
// Documents
// --------------------------------------------------------------------------

// ParseDocument parses a relaxed extended JSON argument. An empty string is the empty document.
func ParseDocument(s string) (bson.D, error) {
	if strings.TrimSpace(s) == "" {
		return bson.D{}, nil
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), false, &doc); err != nil {
		return nil, fmt.Errorf("invalid document %q: %w", s, err)
	}
	return doc, nil
}

// FormatDocument renders a document as relaxed extended JSON
func FormatDocument(doc interface{}) string {
	out, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(out)
}

// FormatDuration prints sub-millisecond durations with microsecond precision
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return d.Round(time.Microsecond).String()
	}
	return d.Round(10 * time.Microsecond).String()
}
