// Command collabd serves the collaborative-editing core: a raw wire-frame
// socket for live client connections, and an HTTP fallback carrying the
// init-sync POST route for oversized first-sync payloads.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/server"
	"go.gazette.dev/core/task"

	"github.com/colabio/collab-core/internal/access"
	"github.com/colabio/collab-core/internal/collab"
	"github.com/colabio/collab-core/internal/collabstore"
	"github.com/colabio/collab-core/internal/config"
	"github.com/colabio/collab-core/internal/docengine/jsonengine"
	"github.com/colabio/collab-core/internal/durablelog/memlog"
	"github.com/colabio/collab-core/internal/frontend"
	"github.com/colabio/collab-core/internal/lease"
	"github.com/colabio/collab-core/internal/manager"
	"github.com/colabio/collab-core/internal/router"
	"github.com/colabio/collab-core/internal/snapshotstore"
	"github.com/colabio/collab-core/internal/workerpool"
)

type args struct {
	Config config.Config `group:"Application"`
}

func main() {
	var opts args
	var parser = flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	var cfg = opts.Config

	defer mbp.InitDiagnosticsAndRecover(cfg.Diagnostics)()
	mbp.InitLog(cfg.Log)

	var defaultKind, err = collab.ParseKind(cfg.Collab.DefaultKind)
	mbp.Must(err, "parsing --collab.default-kind")

	snapshots, err := snapshotstore.Open(cfg.Collab.SnapshotDBPath, cfg.Collab.SnapshotCap)
	mbp.Must(err, "opening snapshot store")

	collabs, err := collabstore.Open(cfg.Collab.CollabDBPath)
	mbp.Must(err, "opening collab record store")

	var leases lease.Manager
	if cfg.Collab.UseEtcdLease {
		var etcd = cfg.Etcd.MustDial()
		leases = lease.NewEtcdManager(etcd)
	} else {
		log.Info("running with in-process snapshot leasing; pass --collab.use-etcd-lease for multi-replica deployments")
		leases = lease.NewMemManager()
	}

	var pool = workerpool.New(0)

	var acc access.Resolver
	controller, err := access.NewController(access.AllowAll{}, cfg.Collab.AccessCacheSize, cfg.Collab.AccessCacheTTL)
	mbp.Must(err, "building access controller")
	acc = controller

	var tokens = access.NewHMACTokenResolver([]byte(cfg.Collab.TokenSecret))

	var ctx = context.Background()
	var mgr = manager.New(ctx, manager.Deps{
		Engine:    jsonengine.Engine{},
		Log:       memlog.New(10000),
		Snapshots: snapshots,
		Collabs:   collabs,
		Access:    acc,
		Leases:    leases,
		Kinds:     manager.StoreKindResolver{Collabs: collabs, Default: defaultKind},
		Pool:      pool,
	})

	var registry = frontend.NewRegistry()

	srv, err := server.New(cfg.Listen.Interface, cfg.Listen.HTTPPort)
	mbp.Must(err, "building HTTP server")

	var httpRouter = mux.NewRouter()
	var fallback = &frontend.HTTPFallback{Manager: mgr, Tokens: tokens, Access: acc}
	fallback.RegisterRoutes(httpRouter)
	srv.HTTPMux.Handle("/", httpRouter)

	frameListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Listen.Interface, cfg.Listen.FramePort))
	mbp.Must(err, "binding wire-frame listener")

	var tasks = task.NewGroup(ctx)

	tasks.Queue("sweeper", func() error {
		mgr.RunSweeper(tasks.Context())
		return nil
	})

	tasks.Queue("frame-listener", func() error {
		return acceptLoop(tasks.Context(), frameListener, mgr, acc, tokens, registry, cfg.Collab)
	})

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			_ = frameListener.Close()
			tasks.Cancel()
			srv.BoundedGracefulStop()
			return nil
		case <-tasks.Context().Done():
			_ = frameListener.Close()
			return nil
		}
	})

	srv.QueueTasks(tasks)
	tasks.GoRun()

	mbp.Must(tasks.Wait(), "collabd task failed")
	_ = snapshots.Close()
	_ = collabs.Close()
	pool.Close()
	log.Info("goodbye")
}

func acceptLoop(ctx context.Context, ln net.Listener, mgr *manager.Manager, acc access.Resolver, tokens *access.TokenResolver, registry *frontend.Registry, cfg config.CollabConfig) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go serveConn(ctx, conn, mgr, acc, tokens, registry, cfg)
	}
}

// connTransport adapts a net.Conn into router.RawTransport. Writes are
// serialized with a mutex since a sink's runner and a future ack-reader
// goroutine could otherwise interleave frames on the wire.
type connTransport struct {
	mu sync.Mutex
	bw *bufio.Writer
}

func (t *connTransport) TrySend(payload []byte) (bool, error) {
	if !t.mu.TryLock() {
		return false, nil
	}
	defer t.mu.Unlock()
	if _, err := t.bw.Write(payload); err != nil {
		return false, err
	}
	return true, t.bw.Flush()
}

// serveConn handles one accepted connection end to end: a single
// handshake line identifying the workspace and bearer token, then a
// stream of wire frames multiplexed across objects by the Dispatcher.
func serveConn(ctx context.Context, conn net.Conn, mgr *manager.Manager, acc access.Resolver, tokens *access.TokenResolver, registry *frontend.Registry, cfg config.CollabConfig) {
	defer conn.Close()

	var br = bufio.NewReader(conn)
	var bw = bufio.NewWriter(conn)
	var logger = log.WithField("remote", conn.RemoteAddr().String())

	line, err := br.ReadString('\n')
	if err != nil {
		logger.WithError(err).Debug("connection closed before handshake")
		return
	}
	var parts = strings.SplitN(strings.TrimRight(line, "\r\n"), "\t", 2)
	if len(parts) != 2 {
		logger.Warn("malformed handshake line")
		return
	}
	var workspaceID, token = parts[0], parts[1]

	principal, err := tokens.Resolve(token)
	if err != nil {
		logger.WithError(err).Warn("rejecting connection: bad token")
		return
	}

	var transport = &connTransport{bw: bw}
	var origin = uuid.NewString()
	var r = router.New(principal, origin, transport, mgr, acc, cfg.DefaultAckTimeout, cfg.MaxPayloadBytes)
	registry.Attach(ctx, principal, r)
	defer registry.Detach(principal, r)
	defer r.Close(context.Background())

	var dispatcher = frontend.NewDispatcher(workspaceID, r)
	if err := dispatcher.ServeConn(ctx, br); err != nil {
		logger.WithError(err).Debug("connection ended")
	}
}
