// Package server is the façade spec.md §1 describes as sitting above
// the AIOQ core: it owns construction order (pools, worker pool,
// callback queue, dispatcher, handlers, reactor), the listening socket,
// and the Run/Stop lifecycle. It generalizes the teacher's
// server/server.go Server/New/Run/Stop doc-comment surface — which the
// teacher itself never filled in beyond a Test() sketch — into the
// real wiring spec.md's modules need, and the listening-socket setup
// of internal/socket.go's listenSocket, ported from bare syscall to
// golang.org/x/sys/unix.
package server

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/s00inx/aioqserver/internal/callbackqueue"
	"github.com/s00inx/aioqserver/internal/conn"
	"github.com/s00inx/aioqserver/internal/config"
	"github.com/s00inx/aioqserver/internal/dispatcher"
	httphandler "github.com/s00inx/aioqserver/internal/handler/http"
	"github.com/s00inx/aioqserver/internal/pool/twotier"
	"github.com/s00inx/aioqserver/internal/reactor"
	"github.com/s00inx/aioqserver/internal/workerpool"
)

// Server owns every long-lived collaborator the AIOQ core needs and
// the listening socket it accepts on.
type Server struct {
	cfg config.Config
	log zerolog.Logger

	pools   *twotier.Pool
	workers *workerpool.Pool
	cbq     *callbackqueue.Queue
	disp    *dispatcher.Dispatcher
	reactor *reactor.Reactor

	listenFd int
	cancel   context.CancelFunc
}

// New validates cfg, then builds every collaborator in the
// construction order the reactor⇄dispatcher circular dependency
// requires: pools and worker infrastructure first, the dispatcher next
// (with a nil ReactorOps), the listening socket and reactor after, and
// finally Dispatcher.SetReactor to close the loop.
func New(cfg config.Config, log zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pools := twotier.New(twotier.Config{
		MaxConnections: cfg.MaxConnections,
		BuddyPoolBytes: cfg.BuddyPoolBytes,
		BuddyMinBlock:  cfg.BuddyMinBlock,
	})
	workers := workerpool.New(cfg.WorkerThreads, cfg.RingDepth)
	cbq := callbackqueue.New(cfg.RingDepth)

	disp := dispatcher.New(workers, cbq, pools, nil, log)
	disp.Register(httphandler.New(cfg.StaticRoot, "aioqserver/1.0", pools, log))
	// FILE and CHAT transport are out of scope (spec.md §1 Non-goals);
	// registering the stubs still exercises the first-claim-wins order
	// against more than a single handler (SPEC_FULL.md §C).
	disp.Register(&dispatcher.StubHandler{TaskName: conn.TaskFile})
	disp.Register(&dispatcher.StubHandler{TaskName: conn.TaskChat})

	listenFd, err := listenSocket(cfg.ListenAddr, cfg.ListenPort, cfg.Backlog)
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}

	r, err := reactor.New(listenFd, pools, disp, cbq, cfg.RingBufferBytes, cfg.RingBufferBytes, cfg.MaxConnections, log)
	if err != nil {
		unix.Close(listenFd)
		return nil, fmt.Errorf("server: reactor init: %w", err)
	}
	disp.SetReactor(r)

	return &Server{
		cfg:      cfg,
		log:      log,
		pools:    pools,
		workers:  workers,
		cbq:      cbq,
		disp:     disp,
		reactor:  r,
		listenFd: listenFd,
	}, nil
}

// Run blocks on the reactor's loop until ctx is cancelled or a fatal
// AIOQ error occurs, matching spec.md §7's Fatal error class: init
// failures are returned from New, runtime failures are returned here.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	s.log.Info().
		Int("port", s.cfg.ListenPort).
		Int("max_connections", s.cfg.MaxConnections).
		Int("worker_threads", s.cfg.WorkerThreads).
		Msg("server: listening")

	return s.reactor.Run(runCtx)
}

// Stop requests a graceful shutdown: cancel the Run context so the
// reactor loop exits on its next epoll_wait tick, then drain and join
// the worker pool per spec.md §5's "drains running tasks, then joins"
// rule, then release the listening socket and epoll fd.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.workers.Stop()
	if err := s.reactor.Close(); err != nil {
		s.log.Warn().Err(err).Msg("server: reactor close")
	}
	unix.Close(s.listenFd)
}

// listenSocket creates a non-blocking IPv4 TCP listener bound to
// addr:port, generalizing internal/socket.go's listenSocket from bare
// syscall to golang.org/x/sys/unix (SPEC_FULL.md §A) and from a fixed
// loopback address to the configured one.
func listenSocket(addr string, port, backlog int) (int, error) {
	var ip [4]byte
	if parsed := parseIPv4(addr); parsed != nil {
		ip = *parsed
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt(SO_REUSEADDR): %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: ip}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set_nonblock: %w", err)
	}
	return fd, nil
}

// parseIPv4 turns a dotted-quad string into its 4-byte form. It returns
// nil for an empty or unparsable address; listenSocket then binds
// 0.0.0.0 (all interfaces), the same default config.Default() already
// uses.
func parseIPv4(addr string) *[4]byte {
	var out [4]byte
	parts := 0
	val := 0
	for i := 0; i <= len(addr); i++ {
		if i == len(addr) || addr[i] == '.' {
			if parts >= 4 || val > 255 {
				return nil
			}
			out[parts] = byte(val)
			parts++
			val = 0
			continue
		}
		c := addr[i]
		if c < '0' || c > '9' {
			return nil
		}
		val = val*10 + int(c-'0')
	}
	if parts != 4 {
		return nil
	}
	return &out
}
