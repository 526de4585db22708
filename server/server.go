// server/server.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MorpheusXAUT/vacs-server/log"
	"github.com/MorpheusXAUT/vacs-server/protocol"
	"github.com/MorpheusXAUT/vacs-server/vatsim"
)

// Server ties the pieces together: the HTTP surface, the websocket
// sessions, the client registry with its coverage state, the call
// manager, and the periodic VATSIM controller sync.
type Server struct {
	config  Config
	lg      *log.Logger
	metrics *Metrics

	registry   *Registry
	calls      *CallManager
	dispatcher *dispatcher
	tokens     *TokenStore
	limits     *RateLimiters
	slurper    *vatsim.SlurperClient
	feed       vatsim.DataFeed
	dataset    *DatasetManager

	upgrader  websocket.Upgrader
	startTime time.Time
}

func NewServer(config Config, lg *log.Logger) (*Server, error) {
	dataset := NewDatasetManager(config.Dataset.Dir, lg)
	network, err := dataset.Load()
	if err != nil {
		return nil, fmt.Errorf("unable to load dataset from %s: %w", config.Dataset.Dir, err)
	}
	lg.Info("dataset loaded", slog.String("dir", config.Dataset.Dir),
		slog.Int("firs", network.NumFirs()), slog.String("sha", dataset.Sha()))

	metrics := NewMetrics()
	registry := NewRegistry(network, metrics, lg)
	calls := NewCallManager(metrics, lg)
	limits := NewRateLimiters(config.RateLimits, metrics)

	return &Server{
		config:     config,
		lg:         lg,
		metrics:    metrics,
		registry:   registry,
		calls:      calls,
		dispatcher: newDispatcher(registry, calls, limits, metrics, config.Calls.AutoHangup, lg),
		tokens:     NewTokenStore(wsTokenTTL),
		limits:     limits,
		slurper:    vatsim.NewSlurperClient(config.Vatsim.SlurperBaseUrl, slurperTimeout),
		feed:       vatsim.NewVatsimDataFeed(config.Vatsim.DataFeedUrl, config.Vatsim.DataFeedTimeout),
		dataset:    dataset,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
	}, nil
}

// Run serves until ctx is canceled, then disconnects all clients and
// shuts the HTTP server down.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:        s.config.Server.BindAddr,
		Handler:     s.httpHandler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.lg.Info("listening", slog.String("addr", s.config.Server.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		s.lg.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		s.runVatsimSync(ctx)
		return nil
	})

	return group.Wait()
}

// serveConnection owns one websocket connection from login to teardown.
func (s *Server) serveConnection(ctx context.Context, conn *websocket.Conn) {
	defer s.lg.CatchAndReportCrash()
	defer conn.Close()

	result := s.awaitLogin(ctx, conn)
	if result == nil {
		return
	}

	sess := NewSession(result.info, result.profile, s.lg)
	if err := s.registry.AddClient(sess); err != nil {
		s.lg.Debug("rejecting login for already connected client",
			slog.String("client_id", string(sess.Id())), slog.Any("error", err))
		s.failLogin(conn, protocol.LoginFailureDuplicateId)
		return
	}
	s.metrics.LoginAttempt(true)

	go s.watchShutdown(ctx, sess)
	go s.writePump(conn, sess)

	s.sendInitialState(sess)
	s.readPump(conn, sess)

	s.dispatcher.cleanupClientCalls(sess.Id())
	s.registry.RemoveClient(sess.Id(), sess.DisconnectReason())
}

// sendInitialState pushes the session's own info and the current client
// and station lists to a freshly logged-in client.
func (s *Server) sendInitialState(sess *Session) {
	profile := sess.ActiveProfile()
	s.dispatcher.trySend(sess, protocol.SessionInfo{
		Client:  sess.Info(),
		Profile: protocol.ChangedProfile(profile),
	})
	s.dispatcher.trySend(sess, protocol.ClientList{Clients: s.registry.ListClients(sess.Id())})
	s.dispatcher.trySend(sess, protocol.StationList{
		Stations: s.registry.ListStations(profile, sess.PositionId()),
	})
}

// watchShutdown disconnects the session when the server is going down.
func (s *Server) watchShutdown(ctx context.Context, sess *Session) {
	select {
	case <-ctx.Done():
		reason := protocol.DisconnectedFor(protocol.DisconnectTerminated)
		sess.Disconnect(&reason)
	case <-sess.Done():
	}
}

// writePump drains the session's outbound queue onto the wire and keeps
// the connection alive with pings. It owns all writes after login; when
// the session ends it flushes the queue, sends the disconnect notice if
// the server initiated it, and closes the connection.
func (s *Server) writePump(conn *websocket.Conn, sess *Session) {
	defer s.lg.CatchAndReportCrash()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case msg := <-sess.outbound:
			if err := s.writeMessage(conn, msg); err != nil {
				sess.Disconnect(nil)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.lg.Debug("failed to ping client", slog.String("client_id", string(sess.Id())),
					slog.Any("error", err))
				sess.Disconnect(nil)
				return
			}

		case <-sess.Done():
			s.drainOutbound(conn, sess)
			if reason := sess.DisconnectReason(); reason != nil {
				s.writeMessage(conn, protocol.Disconnected{Reason: *reason})
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) drainOutbound(conn *websocket.Conn, sess *Session) {
	for {
		select {
		case msg := <-sess.outbound:
			if err := s.writeMessage(conn, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, msg protocol.ServerMessage) error {
	b, err := protocol.MarshalServerMessage(msg)
	if err != nil {
		s.lg.Warn("failed to marshal message", slog.String("message_type", msg.ServerMessageType()),
			slog.Any("error", err))
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		s.lg.Warn("failed to write message", slog.String("message_type", msg.ServerMessageType()),
			slog.Any("error", err))
		return err
	}
	s.metrics.MessageSent(msg.ServerMessageType(), len(b))
	return nil
}

// readPump reads and dispatches client messages until the connection
// dies or a handler asks for teardown. Pong frames push the read
// deadline out; a silent client times out.
func (s *Server) readPump(conn *websocket.Conn, sess *Session) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.lg.Debug("connection closed unexpectedly",
					slog.String("client_id", string(sess.Id())), slog.Any("error", err))
			}
			sess.Disconnect(nil)
			return
		}

		msg, err := protocol.UnmarshalClientMessage(data)
		if err != nil {
			s.lg.Debug("malformed message", slog.String("client_id", string(sess.Id())),
				slog.Any("error", err))
			s.metrics.MalformedMessage()
			s.metrics.ProtocolError(protocol.ErrorKindMalformedMessage)
			s.dispatcher.trySend(sess, protocol.Error{Reason: protocol.MalformedMessage()})
			continue
		}
		s.metrics.MessageReceived(msg.ClientMessageType(), len(data))

		if !s.dispatcher.dispatch(sess, msg) {
			s.lg.Debug("closing connection", slog.String("client_id", string(sess.Id())))
			sess.Disconnect(nil)
			return
		}
	}
}

// runVatsimSync periodically reconciles connected clients against the
// public controller feed. The pending set carries suspected drops
// across ticks so a single missed feed read does not kick anyone.
func (s *Server) runVatsimSync(ctx context.Context) {
	ticker := time.NewTicker(s.config.Vatsim.ControllerUpdateInterval)
	defer ticker.Stop()

	pending := make(map[protocol.ClientId]struct{})
	for {
		select {
		case <-ctx.Done():
			s.lg.Info("stopping controller sync")
			return
		case <-ticker.C:
			if s.registry.IsEmpty() {
				continue
			}
			s.syncVatsimControllers(ctx, pending)
		}
	}
}

func (s *Server) syncVatsimControllers(ctx context.Context, pending map[protocol.ClientId]struct{}) {
	controllers, err := s.feed.FetchControllers(ctx)
	if err != nil {
		s.lg.Warn("failed to fetch controller feed", slog.Any("error", err))
		return
	}

	current := make(map[protocol.ClientId]vatsim.ControllerInfo, len(controllers))
	for _, c := range controllers {
		current[c.Cid] = c
	}

	disconnects := s.registry.SyncVatsimState(current, pending, s.config.Vatsim.RequireActiveConnection)
	for _, d := range disconnects {
		s.lg.Info("disconnecting client after controller sync",
			slog.String("client_id", string(d.ClientId)),
			slog.String("reason", d.Reason.MetricLabel()))
		if sess := s.registry.Client(d.ClientId); sess != nil {
			reason := d.Reason
			sess.Disconnect(&reason)
		}
	}
}
