package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/server"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Logger = logger.GetLogger("cmd")

	serveCmdConfig = common.DefaultServerConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the dDoc server",
		Long:    `Start the dDoc server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DDOC_<flag> (e.g. DDOC_CURSOR_TIMEOUT=5m)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	defaults := common.DefaultServerConfig()
	flags := ServeCmd.PersistentFlags()

	// listener
	flags.String("bind", "127.0.0.1", cmdUtil.WrapString("Address the wire listener binds to"))
	flags.Int("port", 27017, cmdUtil.WrapString("Port of the wire listener"))
	flags.String("advertised-host", "", cmdUtil.WrapString("host:port of this node as it appears in the member list of the replica set (defaults to bind:port)"))
	flags.String("unix-socket", "", cmdUtil.WrapString("Optional path of an additional unix socket listener"))
	flags.Int("max-connections", defaults.Transport.MaxConnections, cmdUtil.WrapString("Connections beyond this limit are held until a slot frees (0 = unlimited)"))
	flags.Duration("idle-timeout", defaults.Transport.IdleTimeout, cmdUtil.WrapString("Connections without a request for this long are closed (0 = never)"))
	flags.Int("max-message-size", defaults.Transport.MaxMessageSize, cmdUtil.WrapString("Upper bound of a single wire message in bytes"))
	flags.Bool("tcp-nodelay", defaults.Transport.TCPNoDelay, cmdUtil.WrapString("Whether to enable TCP_NODELAY on accepted connections"))
	flags.Int("tcp-keepalive", 0, cmdUtil.WrapString("TCP keepalive interval in seconds (0 = OS default)"))
	flags.Int("tcp-linger", defaults.Transport.TCPLingerSec, cmdUtil.WrapString("TCP linger time in seconds (negative = OS default)"))
	flags.Int("write-buffer", 0, cmdUtil.WrapString("Socket write buffer size in KB (0 = OS default)"))
	flags.Int("read-buffer", 0, cmdUtil.WrapString("Socket read buffer size in KB (0 = OS default)"))

	// store
	flags.Duration("cursor-timeout", defaults.CursorTimeout, cmdUtil.WrapString("Idle cursors are killed after this duration"))
	flags.Int("feed-retention", defaults.FeedRetention, cmdUtil.WrapString("Number of change events kept for change streams (0 = unbounded)"))
	flags.Duration("shutdown-timeout", defaults.ShutdownTimeout, cmdUtil.WrapString("How long a graceful shutdown may take"))

	// replica set
	flags.String("replica-set", "", cmdUtil.WrapString("Name of the replica set this node belongs to"))
	flags.String("members", "", cmdUtil.WrapString("Comma-separated member list in the format 'host:port=priority,...'. The member with the highest priority is the primary"))
	flags.Duration("sync-retry-min", defaults.SyncRetryMin, cmdUtil.WrapString("Initial delay before a failed sync session is retried"))
	flags.Duration("sync-retry-max", defaults.SyncRetryMax, cmdUtil.WrapString("Maximum delay between sync session retries"))
	flags.Duration("sync-await-time", defaults.Replication.ChangeStreamAwait, cmdUtil.WrapString("Max await time of the change stream a secondary follows"))
	flags.Duration("sync-heartbeat", defaults.Replication.HeartbeatInterval, cmdUtil.WrapString("Heartbeat interval of the replication client"))
	flags.Duration("sync-connect-timeout", defaults.Replication.ConnectTimeout, cmdUtil.WrapString("Connect timeout of the replication client"))

	// ops
	flags.String("metrics-endpoint", "", cmdUtil.WrapString("Optional address (e.g. :9100) serving Prometheus metrics under /metrics"))
	flags.String("log-level", defaults.LogLevel, cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	port := viper.GetInt("port")
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}

	c := &serveCmdConfig
	c.Transport.Endpoint = net.JoinHostPort(viper.GetString("bind"), strconv.Itoa(port))
	c.Transport.UnixSocket = viper.GetString("unix-socket")
	c.Transport.MaxConnections = viper.GetInt("max-connections")
	c.Transport.IdleTimeout = viper.GetDuration("idle-timeout")
	c.Transport.MaxMessageSize = viper.GetInt("max-message-size")
	c.Transport.TCPNoDelay = viper.GetBool("tcp-nodelay")
	c.Transport.TCPKeepAliveSec = viper.GetInt("tcp-keepalive")
	c.Transport.TCPLingerSec = viper.GetInt("tcp-linger")
	c.Transport.WriteBufferSize = viper.GetInt("write-buffer") * 1024
	c.Transport.ReadBufferSize = viper.GetInt("read-buffer") * 1024

	c.AdvertisedHost = viper.GetString("advertised-host")
	c.CursorTimeout = viper.GetDuration("cursor-timeout")
	c.FeedRetention = viper.GetInt("feed-retention")
	c.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	c.LogLevel = viper.GetString("log-level")

	c.ReplicaSetName = viper.GetString("replica-set")
	c.Members = nil
	if members := viper.GetString("members"); members != "" {
		for _, m := range strings.Split(members, ",") {
			if m = strings.TrimSpace(m); m != "" {
				c.Members = append(c.Members, m)
			}
		}
	}
	if c.ReplicaSetName == "" && len(c.Members) > 0 {
		return fmt.Errorf("members given without a replica set name")
	}
	if c.ReplicaSetName != "" && len(c.Members) == 0 {
		return fmt.Errorf("replica set %s has no members", c.ReplicaSetName)
	}

	c.SyncRetryMin = viper.GetDuration("sync-retry-min")
	c.SyncRetryMax = viper.GetDuration("sync-retry-max")
	if c.SyncRetryMin <= 0 || c.SyncRetryMax < c.SyncRetryMin {
		return fmt.Errorf("invalid sync retry bounds %s .. %s", c.SyncRetryMin, c.SyncRetryMax)
	}
	c.Replication.ChangeStreamAwait = viper.GetDuration("sync-await-time")
	c.Replication.HeartbeatInterval = viper.GetDuration("sync-heartbeat")
	c.Replication.ConnectTimeout = viper.GetDuration("sync-connect-timeout")

	return common.InitLoggers(c.LogLevel)
}

// run starts the server and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	Logger.Infof("starting dDoc v%s with configuration:\n%s", server.Version, serveCmdConfig.String())

	serv := server.NewDocServer(serveCmdConfig)
	if err := serv.Start(); err != nil {
		return err
	}

	var metricsServer *http.Server
	if endpoint := viper.GetString("metrics-endpoint"); endpoint != "" {
		metricsServer = serveMetrics(endpoint, serv)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	Logger.Infof("received shutdown signal")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	return serv.Shutdown()
}

// serveMetrics exposes the metrics of serv in the Prometheus text format
func serveMetrics(endpoint string, serv *server.DocServer) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		serv.WriteMetrics(w)
	})
	srv := &http.Server{Addr: endpoint, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics endpoint %s failed: %v", endpoint, err)
		}
	}()
	Logger.Infof("metrics available at http://%s/metrics", endpoint)
	return srv
}
