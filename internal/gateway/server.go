// Package gateway wires channel adapters to the agent runtime. It owns
// the inbound event loop, per-session serialization and backpressure,
// tool approval interception, user-requested cancellation, and the
// daemon's HTTP and gRPC surfaces.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/channels"
	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/observability"
	"github.com/haasonsaas/valet/internal/sessions"
	"github.com/haasonsaas/valet/pkg/models"
)

// deliveryTimeout bounds one outbound response delivery. Deliveries
// outlive turn cancellation so a "Generation cancelled." notice still
// reaches the user.
const deliveryTimeout = 30 * time.Second

// defaultWorkers bounds concurrent turns when the config leaves the
// pool size unset.
const defaultWorkers = 4

// TurnRunner executes one conversational turn. *agent.Runtime is the
// production implementation; tests script their own.
type TurnRunner interface {
	ProcessTurn(ctx context.Context, session *models.Session, allow *agent.Allowlist, event *models.ChannelEvent) *models.AgentResponse
}

// Options configures a Server. Config, Registry, Router, Broker,
// Runner, and Store are required.
type Options struct {
	Config   *config.Config
	Registry *channels.Registry
	Router   *Router
	Broker   *ApprovalBroker
	Runner   TurnRunner
	Store    sessions.Store
	Metrics  *observability.Metrics

	// WSHandler, when set, is mounted on the HTTP server at the
	// configured websocket path.
	WSHandler http.Handler

	// ExtraHandlers mounts additional routes on the HTTP server, keyed
	// by mux pattern. The daemon uses this for the schedule endpoints.
	ExtraHandlers map[string]http.Handler

	// Authorize, when set, vets every inbound event before dispatch.
	// Events it rejects are dropped without a reply. The daemon builds
	// it from the per-channel allowed-user lists.
	Authorize func(evt *models.ChannelEvent) bool

	Logger *slog.Logger
}

// Server is the daemon's event loop. One dispatch goroutine consumes
// every adapter's events plus injected ones; per-session worker
// goroutines run turns, with a semaphore bounding how many run at once
// across sessions.
type Server struct {
	cfg           *config.Config
	registry      *channels.Registry
	router        *Router
	broker        *ApprovalBroker
	runner        TurnRunner
	store         sessions.Store
	metrics       *observability.Metrics
	wsHandler     http.Handler
	extraHandlers map[string]http.Handler
	authorize     func(evt *models.ChannelEvent) bool
	logger        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	turnSem  chan struct{}
	inject   chan *models.ChannelEvent
	draining atomic.Bool

	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
}

// NewServer validates opts and builds a stopped server.
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("config is required")
	case opts.Registry == nil:
		return nil, errors.New("channel registry is required")
	case opts.Router == nil:
		return nil, errors.New("router is required")
	case opts.Broker == nil:
		return nil, errors.New("approval broker is required")
	case opts.Runner == nil:
		return nil, errors.New("turn runner is required")
	case opts.Store == nil:
		return nil, errors.New("session store is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	workers := opts.Config.Gateway.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.Config.Gateway.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:           opts.Config,
		registry:      opts.Registry,
		router:        opts.Router,
		broker:        opts.Broker,
		runner:        opts.Runner,
		store:         opts.Store,
		metrics:       opts.Metrics,
		wsHandler:     opts.WSHandler,
		extraHandlers: opts.ExtraHandlers,
		authorize:     opts.Authorize,
		logger:        opts.Logger.With("component", "gateway"),
		ctx:           ctx,
		cancel:        cancel,
		turnSem:       make(chan struct{}, workers),
		inject:        make(chan *models.ChannelEvent, queueSize),
	}, nil
}

// Start connects every adapter and begins processing events. On error
// the caller should still Stop to release anything partly started.
func (s *Server) Start(ctx context.Context) error {
	// Subscribe before the adapters connect so no event is missed.
	events := s.registry.AggregateMessages(s.ctx)
	if err := s.registry.StartAll(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.dispatch(events)

	if err := s.startHTTP(); err != nil {
		return err
	}
	if err := s.startGRPC(); err != nil {
		return err
	}

	s.logger.Info("gateway started",
		"channels", len(s.registry.All()),
		"workers", cap(s.turnSem))
	return nil
}

// Stop drains the gateway: intake stops, in-flight turns are cancelled
// with the shutdown cause, workers finish delivering their final
// responses, then the servers and adapters shut down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("gateway stopping")
	s.draining.Store(true)
	if s.healthServer != nil {
		s.healthServer.Shutdown()
	}

	if n := s.router.CancelAll(models.CancelledByShutdown); n > 0 {
		s.logger.Info("cancelled in-flight turns", "count", n)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown wait interrupted", "error", ctx.Err())
	}

	s.stopGRPC()
	s.stopHTTP(ctx)
	if err := s.registry.StopAll(ctx); err != nil {
		s.logger.Warn("adapter shutdown", "error", err)
	}
	s.logger.Info("gateway stopped")
	return nil
}

// Inject feeds a synthetic event into the pipeline as if an adapter
// had produced it. The scheduler uses this for timer-fired messages.
// It reports false when the gateway is draining or backed up.
func (s *Server) Inject(evt *models.ChannelEvent) bool {
	if s.draining.Load() {
		return false
	}
	select {
	case s.inject <- evt:
		return true
	default:
		return false
	}
}

// dispatch is the single consumer of inbound events. Keeping it single
// threaded makes handle replacement and queue writes race-free.
func (s *Server) dispatch(events <-chan *models.ChannelEvent) {
	defer s.wg.Done()
	for {
		var evt *models.ChannelEvent
		select {
		case <-s.ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				// Adapters are gone; keep serving injected events.
				events = nil
				continue
			}
			evt = e
		case e := <-s.inject:
			evt = e
		}
		s.handleEvent(evt)
	}
}

func (s *Server) handleEvent(evt *models.ChannelEvent) {
	if evt == nil || evt.ChannelID == "" {
		return
	}
	if s.draining.Load() {
		s.logger.Debug("dropping event, gateway draining", "channel_id", evt.ChannelID)
		return
	}

	adapterType, _ := models.SplitChannelID(evt.ChannelID)
	s.metrics.MessageCounter.WithLabelValues(string(adapterType), "inbound").Inc()

	if s.authorize != nil && !s.authorize(evt) {
		s.logger.Warn("event from unauthorized sender dropped", "channel_id", evt.ChannelID)
		s.metrics.ErrorCounter.WithLabelValues("gateway", "unauthorized").Inc()
		return
	}

	if s.broker.Intercept(evt) {
		return
	}
	if isStopCommand(evt.UserMessage) {
		s.cancelGeneration(evt)
		return
	}

	handle, err := s.router.Ensure(s.ctx, evt.ChannelID, evt.SessionHint)
	if err != nil {
		s.logger.Error("session lookup failed", "channel_id", evt.ChannelID, "error", err)
		s.metrics.ErrorCounter.WithLabelValues("gateway", "session_lookup").Inc()
		s.deliverAsync(models.NewErrorResponse(evt.ChannelID, "",
			"Something went wrong finding your session. Please try again."))
		return
	}

	s.startWorker(handle)
	if !handle.enqueue(evt) {
		s.metrics.TurnCounter.WithLabelValues("busy").Inc()
		s.deliverAsync(models.NewErrorResponse(evt.ChannelID, handle.SessionID(),
			"Still working on your last message. Send /stop to cancel it, or try again in a moment."))
		return
	}
	s.metrics.QueuedEvents.Inc()
}

// isStopCommand matches the chat commands that cancel the running turn.
func isStopCommand(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "/stop", "/cancel":
		return true
	}
	return false
}

func (s *Server) cancelGeneration(evt *models.ChannelEvent) {
	if handle, ok := s.router.Lookup(evt.ChannelID); ok && handle.CancelTurn(models.CancelledByUser) {
		s.logger.Info("cancellation requested",
			"channel_id", evt.ChannelID, "session_id", handle.SessionID())
		return
	}
	s.deliverAsync(models.NewAgentResponse(evt.ChannelID, "", "Nothing is running right now."))
}

// startWorker spawns the session's worker goroutine on first use.
func (s *Server) startWorker(handle *Handle) {
	handle.workerOnce.Do(func() {
		s.wg.Add(1)
		go s.runSession(handle)
	})
}

// runSession serializes turns for one handle: events run strictly in
// arrival order, one at a time.
func (s *Server) runSession(handle *Handle) {
	defer s.wg.Done()
	adapterType, _ := models.SplitChannelID(handle.ChannelID())
	s.metrics.ActiveSessions.WithLabelValues(string(adapterType)).Inc()
	defer s.metrics.ActiveSessions.WithLabelValues(string(adapterType)).Dec()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-handle.done:
			for {
				select {
				case <-handle.queue:
					s.metrics.QueuedEvents.Dec()
				default:
					return
				}
			}
		case evt := <-handle.queue:
			s.metrics.QueuedEvents.Dec()
			s.runTurn(handle, evt)
		}
	}
}

func (s *Server) runTurn(handle *Handle, evt *models.ChannelEvent) {
	select {
	case s.turnSem <- struct{}{}:
	case <-s.ctx.Done():
		return
	}
	defer func() { <-s.turnSem }()

	turnCtx := handle.beginTurn(s.ctx)
	defer handle.endTurn()
	if s.ctx.Err() != nil {
		return
	}

	session, err := s.store.Get(turnCtx, handle.SessionID())
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			s.logger.Info("session deleted, dropping handle",
				"session_id", handle.SessionID(), "channel_id", handle.ChannelID())
			s.router.Drop(handle.ChannelID(), handle)
			s.deliver(models.NewErrorResponse(evt.ChannelID, handle.SessionID(),
				"That session was deleted. Your next message starts a fresh one."))
			return
		}
		s.logger.Error("session load failed", "session_id", handle.SessionID(), "error", err)
		s.metrics.ErrorCounter.WithLabelValues("gateway", "storage").Inc()
		s.deliver(models.NewErrorResponse(evt.ChannelID, handle.SessionID(),
			"Your session could not be loaded. Please try again."))
		return
	}

	adapterType, _ := models.SplitChannelID(handle.ChannelID())
	start := time.Now()
	resp := s.runner.ProcessTurn(turnCtx, session, handle.Allowlist(), evt)
	s.metrics.TurnDuration.WithLabelValues(string(adapterType)).Observe(time.Since(start).Seconds())

	if resp == nil {
		return
	}
	switch {
	case resp.CancellationCause != "":
		s.metrics.TurnCounter.WithLabelValues("cancelled").Inc()
		s.logger.Info("turn cancelled",
			"session_id", session.ID, "cause", string(resp.CancellationCause))
	case resp.IsError:
		s.metrics.TurnCounter.WithLabelValues("error").Inc()
	default:
		s.metrics.TurnCounter.WithLabelValues("ok").Inc()
	}
	s.deliver(resp)
}

// deliverAsync delivers off the dispatch goroutine, so a slow adapter
// cannot stall event intake. Workers deliver synchronously to keep
// turn responses ordered.
func (s *Server) deliverAsync(resp *models.AgentResponse) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(resp)
	}()
}

// deliver routes one response on a context independent of the turn, so
// cancellation notices still go out after the turn context died.
func (s *Server) deliver(resp *models.AgentResponse) {
	adapterType, _ := models.SplitChannelID(resp.ChannelID)

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	if err := s.router.RouteResponse(ctx, resp); err != nil {
		s.logger.Warn("response delivery failed", "channel_id", resp.ChannelID, "error", err)
		s.metrics.ErrorCounter.WithLabelValues("gateway", "delivery").Inc()
		return
	}
	s.metrics.MessageCounter.WithLabelValues(string(adapterType), "outbound").Inc()
}
