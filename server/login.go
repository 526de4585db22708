// server/login.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MorpheusXAUT/vacs-server/coverage"
	"github.com/MorpheusXAUT/vacs-server/log"
	"github.com/MorpheusXAUT/vacs-server/protocol"
	"github.com/MorpheusXAUT/vacs-server/util"
	"github.com/MorpheusXAUT/vacs-server/vatsim"
)

// loginResult carries what a successful login flow established: who the
// client is and which profile its station updates are filtered by.
type loginResult struct {
	info    protocol.ClientInfo
	profile protocol.ActiveProfile
}

// awaitLogin runs the login flow on a fresh connection: the first
// application message must be a valid Login within the configured
// deadline. Control frames are handled transparently by the websocket
// library and do not count. Returns nil when the connection should be
// closed; any failure message has already been written.
func (s *Server) awaitLogin(ctx context.Context, conn *websocket.Conn) *loginResult {
	timeout := s.config.Auth.LoginFlowTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		s.lg.Warn("failed to set login read deadline", slog.Any("error", err))
		s.metrics.LoginAttempt(false)
		return nil
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			s.lg.Debug("login flow timed out")
			s.failLogin(conn, protocol.LoginFailureTimeout)
		} else {
			s.lg.Debug("client disconnected during login flow", slog.Any("error", err))
			s.metrics.LoginAttempt(false)
		}
		return nil
	}
	msg, err := protocol.UnmarshalClientMessage(data)
	if err != nil {
		s.lg.Debug("malformed message during login flow", slog.Any("error", err))
		s.metrics.MalformedMessage()
		s.failLogin(conn, protocol.LoginFailureUnauthorized)
		return nil
	}
	s.metrics.MessageReceived(msg.ClientMessageType(), len(data))

	login, ok := msg.(*protocol.Login)
	if !ok {
		s.lg.Debug("unexpected message during login flow",
			slog.String("message_type", msg.ClientMessageType()))
		s.failLogin(conn, protocol.LoginFailureUnauthorized)
		return nil
	}

	return s.processLogin(ctx, conn, login)
}

func (s *Server) processLogin(ctx context.Context, conn *websocket.Conn, login *protocol.Login) *loginResult {
	if !protocol.CompatibleVersion(login.ProtocolVersion) {
		s.lg.Debug("incompatible protocol version",
			slog.String("client_version", login.ProtocolVersion),
			slog.String("server_version", protocol.Version))
		s.failLogin(conn, protocol.LoginFailureIncompatibleProtocol)
		return nil
	}

	clientId, err := s.tokens.Verify(login.Token)
	if err != nil {
		s.lg.Debug("login token verification failed", slog.Any("error", err))
		s.failLogin(conn, protocol.LoginFailureInvalidCredentials)
		return nil
	}

	network := s.registry.Network()

	if !s.config.Vatsim.RequireActiveConnection {
		var position *coverage.Position
		if login.PositionId != nil {
			if p, ok := network.Position(*login.PositionId); ok {
				position = p
			}
		}
		return &loginResult{
			info: protocol.ClientInfo{
				Id:          clientId,
				DisplayName: string(clientId),
				PositionId:  positionIdOf(position),
			},
			profile: loginProfile(login.CustomProfile, position, network, s.lg),
		}
	}

	controller, err := s.slurper.ControllerInfo(ctx, clientId)
	if err != nil {
		if ctx.Err() != nil {
			s.lg.Debug("login flow timed out during connection lookup",
				slog.String("client_id", string(clientId)))
			s.failLogin(conn, protocol.LoginFailureTimeout)
			return nil
		}
		s.lg.Warn("failed to retrieve connection info",
			slog.String("client_id", string(clientId)), slog.Any("error", err))
		s.failLoginError(conn, protocol.InternalError("Failed to retrieve VATSIM connection info"))
		return nil
	}
	if controller == nil || controller.Facility == vatsim.FacilityUnknown {
		s.lg.Debug("no active network connection", slog.String("client_id", string(clientId)))
		s.failLogin(conn, protocol.LoginFailureNoActiveVatsimConnection)
		return nil
	}

	positions := network.FindPositions(controller.Callsign, controller.Frequency, controller.Facility)
	position, failure := resolveLoginPosition(positions, login.PositionId, controller, s.lg)
	if failure != nil {
		s.failLoginReason(conn, *failure)
		return nil
	}

	return &loginResult{
		info: protocol.ClientInfo{
			Id:          clientId,
			DisplayName: controller.Callsign,
			Frequency:   controller.Frequency,
			PositionId:  positionIdOf(position),
		},
		profile: loginProfile(login.CustomProfile, position, network, s.lg),
	}
}

// resolveLoginPosition picks the position a controller logs in with from
// the candidates its connection matched, honoring an explicit client
// selection when the match is ambiguous. A nil position with a nil
// failure means the client logs in without a position.
func resolveLoginPosition(positions []*coverage.Position, selected *protocol.PositionId,
	controller *vatsim.ControllerInfo, lg *log.Logger) (*coverage.Position, *protocol.LoginFailureReason) {
	switch {
	case len(positions) == 0:
		lg.Debug("no matching position", slog.Any("controller", controller))
		return nil, nil
	case len(positions) == 1:
		return positions[0], nil
	case selected != nil:
		for _, p := range positions {
			if p.Id == *selected {
				return p, nil
			}
		}
		lg.Debug("selected position not among matches",
			slog.Any("position_id", *selected), slog.Any("controller", controller))
		failure := protocol.LoginFailed(protocol.LoginFailureInvalidVatsimPosition)
		return nil, &failure
	default:
		ids := util.MapSlice(positions, func(p *coverage.Position) protocol.PositionId { return p.Id })
		lg.Debug("ambiguous position match", slog.Int("matches", len(positions)),
			slog.Any("controller", controller))
		failure := protocol.LoginFailedAmbiguous(ids)
		return nil, &failure
	}
}

func positionIdOf(position *coverage.Position) protocol.PositionId {
	if position == nil {
		return ""
	}
	return position.Id
}

func loginProfile(customProfile bool, position *coverage.Position, network *coverage.Network, lg *log.Logger) protocol.ActiveProfile {
	if customProfile {
		return protocol.CustomProfile()
	}
	if position == nil || position.ProfileId == "" {
		return protocol.NoProfile()
	}
	profile, ok := network.Profile(position.ProfileId)
	if !ok {
		lg.Warn("position references unknown profile",
			slog.Any("position_id", position.Id), slog.Any("profile_id", position.ProfileId))
		return protocol.NoProfile()
	}
	return protocol.SpecificProfile(profile.Definition())
}

func (s *Server) failLogin(conn *websocket.Conn, kind protocol.LoginFailureKind) {
	s.failLoginReason(conn, protocol.LoginFailed(kind))
}

func (s *Server) failLoginReason(conn *websocket.Conn, reason protocol.LoginFailureReason) {
	s.metrics.LoginAttempt(false)
	s.metrics.LoginFailure(reason.Kind)
	s.writeDirect(conn, protocol.LoginFailure{Reason: reason})
}

func (s *Server) failLoginError(conn *websocket.Conn, reason protocol.ErrorReason) {
	s.metrics.LoginAttempt(false)
	s.metrics.ProtocolError(reason.Kind)
	s.writeDirect(conn, protocol.Error{Reason: reason})
}

// writeDirect writes one message on a connection that has no session
// (and thus no write pump) yet.
func (s *Server) writeDirect(conn *websocket.Conn, msg protocol.ServerMessage) {
	s.writeMessage(conn, msg)
}
