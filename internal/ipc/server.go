package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"github.com/google/uuid"

	"engraver/internal/api"
	"engraver/internal/daemon"
	"engraver/internal/logging"
	"engraver/internal/queue"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: serverCtx}
	if err := rpcServer.RegisterName(ServiceName, srv); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// Serve starts accepting RPC connections until Close is called.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.track(conn, true)
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer s.track(c, false)
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

func (s *Server) track(conn net.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

// Close stops the server, drops open connections and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually or rerun engraver stop"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

// log returns a logger tagged with a fresh request id.
func (s *service) log() *slog.Logger {
	return s.logger.With(logging.String(logging.FieldCorrelationID, uuid.NewString()))
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.log().Info("daemon started via IPC",
		logging.String(logging.FieldEventType, "daemon_start"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.log().Debug("daemon stop requested")
	s.daemon.Stop()
	resp.Stopped = true
	s.log().Info("daemon stopped via IPC",
		logging.String(logging.FieldEventType, "daemon_stop"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	resp.Status = s.daemon.Status(s.ctx).ToAPI()
	return nil
}

func (s *service) Enqueue(req EnqueueRequest, resp *EnqueueResponse) error {
	job, err := s.daemon.Queue().Enqueue(s.ctx, api.SourceIPC, queue.EnqueueRequest{
		ItemRef:      req.ItemRef,
		ArtifactRef:  req.ArtifactRef,
		ArtifactKind: queue.ArtifactKind(req.ArtifactKind),
		Priority:     req.Priority,
		MaxAttempts:  req.MaxAttempts,
	})
	if err != nil {
		return err
	}
	resp.Job = job
	s.log().Info("job queued via IPC",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldItemRef, job.ItemRef),
		logging.String(logging.FieldEventType, "job_enqueued"))
	return nil
}

func (s *service) JobList(req JobListRequest, resp *JobListResponse) error {
	filter := queue.ListFilter{ItemRef: req.ItemRef, Limit: req.Limit}
	for _, value := range req.Statuses {
		status, ok := queue.ParseStatus(value)
		if !ok {
			return fmt.Errorf("unknown status %q", value)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	jobs, err := s.daemon.Queue().List(s.ctx, filter)
	if err != nil {
		return err
	}
	resp.Jobs = jobs
	return nil
}

func (s *service) JobDescribe(req JobDescribeRequest, resp *JobDescribeResponse) error {
	if req.ID <= 0 {
		return fmt.Errorf("invalid job id %d", req.ID)
	}
	job, err := s.daemon.Queue().Describe(s.ctx, req.ID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %d not found", req.ID)
	}
	resp.Job = *job
	return nil
}

func (s *service) JobHistory(req JobHistoryRequest, resp *JobHistoryResponse) error {
	entries, err := s.daemon.Queue().History(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Entries = entries
	return nil
}

func (s *service) JobPosition(req JobPositionRequest, resp *JobPositionResponse) error {
	pos, err := s.daemon.Queue().Position(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Position = pos
	return nil
}

func (s *service) JobRetry(req JobRetryRequest, resp *JobRetryResponse) error {
	if len(req.IDs) == 0 {
		updated, err := s.daemon.Queue().Retry(s.ctx, nil)
		if err != nil {
			return err
		}
		resp.Updated = updated
	} else {
		result, err := api.RetryFailedJobsByID(s.ctx, s.daemon.Queue(), req.IDs)
		if err != nil {
			return err
		}
		resp.Updated = result.UpdatedCount
		resp.Jobs = result.Jobs
	}
	s.log().Info("failed jobs retried",
		logging.String(logging.FieldEventType, "job_retry"),
		logging.Int64("updated_count", resp.Updated))
	return nil
}

func (s *service) QueueHealth(_ QueueHealthRequest, resp *QueueHealthResponse) error {
	health, err := s.daemon.Queue().Health(s.ctx)
	if err != nil {
		return err
	}
	resp.Health = health
	return nil
}

func (s *service) DatabaseHealth(_ DatabaseHealthRequest, resp *DatabaseHealthResponse) error {
	health, err := s.daemon.Queue().DatabaseHealth(s.ctx)
	if err != nil && health.Error == "" {
		return err
	}
	resp.Health = health
	return nil
}

func (s *service) Preflight(_ PreflightRequest, resp *PreflightResponse) error {
	resp.Checks = api.FromPreflight(s.daemon.Preflight(s.ctx))
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	if err := s.daemon.TestNotification(s.ctx); err != nil {
		resp.Message = err.Error()
		return nil
	}
	resp.Sent = true
	resp.Message = "test notification sent"
	return nil
}
