// server/session.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"log/slog"
	"sync"

	"github.com/MorpheusXAUT/vacs-server/coverage"
	"github.com/MorpheusXAUT/vacs-server/log"
	"github.com/MorpheusXAUT/vacs-server/protocol"
	"github.com/MorpheusXAUT/vacs-server/vatsim"
)

///////////////////////////////////////////////////////////////////////////
// Session

// Session is one logged-in client. The websocket itself is owned by the
// read and write pumps; everything else talks to the client through the
// session's outbound channel and observes its shutdown through Done.
type Session struct {
	id protocol.ClientId
	lg *log.Logger

	outbound chan protocol.ServerMessage

	closed    chan struct{}
	closeOnce sync.Once

	mu               sync.Mutex
	info             protocol.ClientInfo
	activeProfile    protocol.ActiveProfile
	disconnectReason *protocol.DisconnectReason
	guard            *ClientConnectionGuard
}

func NewSession(info protocol.ClientInfo, profile protocol.ActiveProfile, lg *log.Logger) *Session {
	return &Session{
		id:            info.Id,
		lg:            lg.With(slog.String("client_id", string(info.Id))),
		outbound:      make(chan protocol.ServerMessage, clientChannelCapacity),
		closed:        make(chan struct{}),
		info:          info,
		activeProfile: profile,
	}
}

func (s *Session) Id() protocol.ClientId { return s.id }

func (s *Session) Info() protocol.ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Session) PositionId() protocol.PositionId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.PositionId
}

func (s *Session) ActiveProfile() protocol.ActiveProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeProfile
}

func (s *Session) setPositionId(id protocol.PositionId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.PositionId = id
}

func (s *Session) attachGuard(guard *ClientConnectionGuard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard = guard
}

// updateClientInfo folds the latest data feed state for this client into
// its client info, reporting whether anything changed.
func (s *Session) updateClientInfo(controller vatsim.ControllerInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	if s.info.DisplayName != controller.Callsign {
		s.info.DisplayName = controller.Callsign
		changed = true
	}
	if s.info.Frequency != controller.Frequency {
		s.info.Frequency = controller.Frequency
		changed = true
	}
	return changed
}

// updateActiveProfile applies the profile implied by the client's
// current position. A specific profile with the same id stays as is and
// a custom profile is never overridden; otherwise the new profile is
// resolved against the network, falling back to none when it does not
// exist.
func (s *Session) updateActiveProfile(profileId protocol.ProfileId, network *coverage.Network) protocol.SessionProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.activeProfile.Kind == protocol.ProfileSpecific && profileId != "" &&
		s.activeProfile.ProfileId() == profileId:
		return protocol.UnchangedProfile()
	case s.activeProfile.Kind == protocol.ProfileCustom:
		return protocol.UnchangedProfile()
	case s.activeProfile.Kind == protocol.ProfileNone && profileId == "":
		return protocol.UnchangedProfile()
	case profileId != "":
		if profile, ok := network.Profile(profileId); ok {
			s.activeProfile = protocol.SpecificProfile(profile.Definition())
		} else {
			s.lg.Warn("active profile does not exist, falling back to none",
				slog.String("profile_id", string(profileId)))
			s.activeProfile = protocol.NoProfile()
		}
		return protocol.ChangedProfile(s.activeProfile)
	default:
		s.activeProfile = protocol.NoProfile()
		return protocol.ChangedProfile(s.activeProfile)
	}
}

// setActiveProfile stores a re-resolved profile definition without
// generating a change.
func (s *Session) setActiveProfile(profile protocol.ActiveProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeProfile = profile
}

// SendMessage queues a message for delivery to the client. It never
// blocks: a client that cannot drain its channel is disconnected rather
// than allowed to stall the rest of the server.
func (s *Session) SendMessage(msg protocol.ServerMessage) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- msg:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		s.lg.Warn("client channel full, disconnecting",
			slog.String("message_type", msg.ServerMessageType()))
		s.Disconnect(nil)
		return ErrClientChannelFull
	}
}

// Disconnect shuts the session down. The first reason provided wins;
// later calls only ensure the session is closed.
func (s *Session) Disconnect(reason *protocol.DisconnectReason) {
	s.mu.Lock()
	if reason != nil && s.disconnectReason == nil {
		s.disconnectReason = reason
		if s.guard != nil {
			s.guard.SetDisconnectReason(*reason)
		}
	}
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Session) DisconnectReason() *protocol.DisconnectReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectReason
}

// Done is closed once the session has been shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) LogValue() slog.Value {
	info := s.Info()
	return slog.GroupValue(
		slog.String("client_id", string(s.id)),
		slog.String("display_name", info.DisplayName),
		slog.String("position", string(info.PositionId)))
}
