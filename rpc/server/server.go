package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/ValentinKolb/dDoc/lib/db/engines/memdoc"
	"github.com/ValentinKolb/dDoc/lib/feed"
	"github.com/ValentinKolb/dDoc/lib/repl"
	"github.com/ValentinKolb/dDoc/lib/replset"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/ValentinKolb/dDoc/lib/store/lstore"
	"github.com/ValentinKolb/dDoc/rpc/client"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/ValentinKolb/dDoc/rpc/transport/tcp"
	"github.com/ValentinKolb/dDoc/rpc/transport/unix"
	"github.com/lni/dragonboat/v4/logger"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("server")

// DocServer is one node: listeners, document store, change feed, cursor
// registry, replica set role and replication engine.
//
// Usage:
//
//	s := server.NewDocServer(config)
//	if err := s.Start(); err != nil {
//		panic(err)
//	}
//	defer s.Shutdown()
type DocServer struct {
	config     common.ServerConfig
	serializer serializer.IRPCSerializer
	transports []transport.IRPCServerTransport
	connIDs    atomic.Int64
	requestIDs atomic.Int32

	store    store.IStore
	feed     *feed.ChangeFeed
	resolver *replset.Resolver
	engine   *repl.Engine
	cursors  *cursorRegistry
	metrics  *serverMetrics

	// ctx is cancelled at shutdown, blocking commands watch it
	ctx    context.Context
	cancel context.CancelFunc
	reaper sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	closed      bool
	shutdownErr error
}

// ErrServerClosed is returned by operations on a server that was shut down.
var ErrServerClosed = errors.New("ddoc server closed")

// NewDocServer creates a server from config. Nothing is bound before Start.
func NewDocServer(config common.ServerConfig) *DocServer {
	def := common.DefaultServerConfig()
	if config.Transport.MaxMessageSize <= 0 {
		config.Transport.MaxMessageSize = def.Transport.MaxMessageSize
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	s := &DocServer{
		config:     config,
		serializer: serializer.NewWireSerializer(config.Transport.MaxMessageSize),
		feed:       feed.NewChangeFeed(config.FeedRetention),
		cursors:    newCursorRegistry(config.CursorTimeout),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	dbFactory := func() db.IDocDB { return memdoc.NewMemDocDB() }
	s.store = lstore.NewLocalStore(dbFactory, s.feed)
	s.engine = repl.NewEngine(s.store, client.NewSyncSourceDialer(config.Replication), repl.Options{
		RetryMin: config.SyncRetryMin,
		RetryMax: config.SyncRetryMax,
	})
	s.resolver = replset.NewResolver(config.Self(), s.onRoleChange)

	s.metrics = newServerMetrics(s)
	return s
}

// Start validates the static replica set configuration, binds every listener,
// starts the cursor reaper and installs the configuration. A static configuration
// without this node is installed with a warning. A failed Start leaves nothing
// running and may be retried.
func (s *DocServer) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.started {
		return nil
	}
	if err := s.start(); err != nil {
		return err
	}
	s.started = true
	return nil
}

func (s *DocServer) start() error {
	transports := s.newTransports()
	if len(transports) == 0 {
		return fmt.Errorf("no listener configured, set an endpoint or a unix socket")
	}

	var static *replset.Config
	if s.config.ReplicaSetName != "" {
		hosts, priorities, err := replset.ParseMembers(s.config.Members)
		if err != nil {
			return err
		}
		cfg, err := replset.NewConfig(s.config.ReplicaSetName, hosts, priorities)
		if err != nil {
			return err
		}
		static = &cfg
	}

	Logger.Infof("starting ddoc server %s", s.Addr())
	Logger.Debugf("%s", s.config.String())

	for i, t := range transports {
		if err := t.Listen(s.config.Transport); err != nil {
			s.stopListeners(transports[:i])
			return fmt.Errorf("failed to start listener: %w", err)
		}
		Logger.Infof("listening on %s", t.Addr())
	}

	if static != nil {
		_, err := s.resolver.Configure(*static)
		var confErr *replset.ConfigurationError
		if err != nil && !errors.As(err, &confErr) {
			s.stopListeners(transports)
			return err
		}
	}
	s.transports = transports

	s.reaper.Add(1)
	go func() {
		defer s.reaper.Done()
		s.cursors.run(s.ctx)
	}()
	return nil
}

// newTransports creates one transport per configured listener. Transports cannot
// listen again once shut down, so every start attempt gets new ones.
func (s *DocServer) newTransports() []transport.IRPCServerTransport {
	var transports []transport.IRPCServerTransport
	if s.config.Transport.Endpoint != "" {
		transports = append(transports, tcp.NewTCPServerTransport(&s.connIDs))
	}
	if s.config.Transport.UnixSocket != "" {
		transports = append(transports, unix.NewUnixServerTransport(&s.connIDs))
	}
	for _, t := range transports {
		t.RegisterHandler(s.handle)
	}
	return transports
}

// stopListeners shuts down transports bound by a failed start.
func (s *DocServer) stopListeners(started []transport.IRPCServerTransport) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	for _, t := range started {
		if err := t.Shutdown(ctx); err != nil {
			Logger.Warningf("failed to stop listener %s: %v", t.Addr(), err)
		}
	}
}

// Shutdown stops accepting connections, closes every connection, cursor and
// the replication engine and finally the store. Shutdown is idempotent and a
// shut down server cannot be started again.
func (s *DocServer) Shutdown() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.closed {
		s.closed = true
		s.shutdownErr = s.shutdown()
	}
	return s.shutdownErr
}

func (s *DocServer) shutdown() error {
	Logger.Infof("shutting down ddoc server %s", s.Addr())
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	// stops the cursor reaper, the listeners cancel blocked getMores themselves
	s.cancel()
	s.reaper.Wait()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.engine.Close()
		return nil
	})
	for _, t := range s.transports {
		t := t
		g.Go(func() error {
			return t.Shutdown(gctx)
		})
	}
	err := g.Wait()

	s.cursors.closeAll()
	if closeErr := s.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		Logger.Warningf("shutdown of %s incomplete: %v", s.Addr(), err)
	}
	return err
}

// --------------------------------------------------------------------------
// Request Handling
// --------------------------------------------------------------------------

// handle is the transport handler. It decodes one wire message, runs the
// command and encodes the reply. Only malformed messages return an error, which
// closes the connection.
func (s *DocServer) handle(ctx context.Context, conn transport.ConnInfo, req []byte) ([]byte, error) {
	var msg common.Message
	if err := s.serializer.Deserialize(req, &msg); err != nil {
		s.metrics.protocolError()
		return nil, err
	}

	var database string
	switch msg.Header.OpCode {
	case common.OpMsg:
		for _, e := range msg.Body {
			if e.Key == "$db" {
				database, _ = e.Value.(string)
			}
		}
	case common.OpQuery:
		database = strings.TrimSuffix(msg.FullCollectionName, ".$cmd")
	default:
		s.metrics.protocolError()
		return nil, serializer.NewProtocolError(nil, "unexpected %s from a client", msg.Header.OpCode)
	}

	started := time.Now()
	kind := KindUnsupported
	var body bson.D

	cmd, err := ParseCommand(database, msg.Command())
	if err == nil {
		kind = cmd.Kind()
		body, err = s.execute(ctx, cmd)
	}
	if err != nil {
		cmdErr := toCommandError(err)
		if cmdErr.Code == common.CodeInternalError {
			Logger.Errorf("conn %d: %s failed: %v", conn.ID, kind, err)
		} else {
			Logger.Debugf("conn %d: %s failed: %v", conn.ID, kind, cmdErr)
		}
		body = cmdErr.Document()
	} else {
		if kind == KindHello {
			body = append(body, bson.E{Key: "connectionId", Value: int32(conn.ID)})
		}
		body = append(body, bson.E{Key: "ok", Value: 1.0})
	}
	s.metrics.command(kind, started, err != nil)

	if msg.MoreToCome() {
		return nil, nil
	}
	return s.reply(&msg, body)
}

// reply encodes body as the answer to req. Replies that cannot be encoded are
// replaced by an error document.
func (s *DocServer) reply(req *common.Message, body bson.D) ([]byte, error) {
	encode := func(body bson.D) ([]byte, error) {
		id := s.requestIDs.Add(1)
		if req.Header.OpCode == common.OpQuery {
			return s.serializer.Serialize(*common.NewQueryReply(req, id, body))
		}
		return s.serializer.Serialize(*common.NewMsgReply(req, id, body))
	}

	resp, err := encode(body)
	if err == nil {
		return resp, nil
	}
	Logger.Errorf("failed to encode reply to request %d: %v", req.Header.RequestID, err)
	return encode(common.NewCommandError(common.CodeInternalError, "failed to encode reply: %v", err).Document())
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Addr returns the advertised host of the server.
func (s *DocServer) Addr() string {
	return s.config.Self()
}

// ConnectionCount returns the number of admitted connections over all listeners.
func (s *DocServer) ConnectionCount() int {
	n := 0
	for _, t := range s.transports {
		n += t.ConnectionCount()
	}
	return n
}

func (s *DocServer) heldCount() int {
	n := 0
	for _, t := range s.transports {
		n += t.HeldCount()
	}
	return n
}

// IsPrimary reports whether the node accepts writes.
func (s *DocServer) IsPrimary() bool {
	return s.resolver.IsPrimary()
}

// Role returns the current replica set role and primary.
func (s *DocServer) Role() replset.Resolution {
	return s.resolver.Current()
}

// Store returns the document store of the server.
func (s *DocServer) Store() store.IStore {
	return s.store
}

// Engine returns the replication engine of the server.
func (s *DocServer) Engine() *repl.Engine {
	return s.engine
}

// WriteMetrics writes the server metrics in Prometheus text format.
func (s *DocServer) WriteMetrics(w io.Writer) {
	s.metrics.write(w)
}

func (s *DocServer) maxMessageSize() int {
	return s.config.Transport.MaxMessageSize
}
