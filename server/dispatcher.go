// server/dispatcher.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"log/slog"
	"time"

	"github.com/MorpheusXAUT/vacs-server/log"
	"github.com/MorpheusXAUT/vacs-server/protocol"
)

// dispatcher routes messages from logged-in clients: list queries against
// the registry, call signaling through the call manager, and WebRTC
// payload relay between call peers.
type dispatcher struct {
	registry *Registry
	calls    *CallManager
	limits   *RateLimiters
	metrics  *Metrics
	lg       *log.Logger

	// Ringing calls nobody answered are cancelled after this; zero
	// disables the guard.
	autoHangup time.Duration
}

func newDispatcher(registry *Registry, calls *CallManager, limits *RateLimiters,
	metrics *Metrics, autoHangup time.Duration, lg *log.Logger) *dispatcher {
	return &dispatcher{
		registry:   registry,
		calls:      calls,
		limits:     limits,
		metrics:    metrics,
		lg:         lg,
		autoHangup: autoHangup,
	}
}

// dispatch handles one message from a logged-in client, returning false
// when the connection should be closed. A panic in a handler closes the
// connection rather than taking the server down.
func (d *dispatcher) dispatch(sess *Session, msg protocol.ClientMessage) (keepServing bool) {
	defer d.lg.CatchAndReportCrash()

	switch m := msg.(type) {
	case *protocol.Login:
		d.lg.Debug("ignoring login on established session", slog.Any("session", sess))
		return true

	case *protocol.Logout, *protocol.Disconnect:
		return false

	case *protocol.ListClients:
		d.trySend(sess, protocol.ClientList{Clients: d.registry.ListClients(sess.Id())})
		return true

	case *protocol.ListStations:
		d.trySend(sess, protocol.StationList{
			Stations: d.registry.ListStations(sess.ActiveProfile(), sess.PositionId()),
		})
		return true

	case *protocol.CallInvite:
		d.handleCallInvite(sess, m)
		return true

	case *protocol.CallAccept:
		d.handleCallAccept(sess, m)
		return true

	case *protocol.CallReject:
		d.handleCallReject(sess, m)
		return true

	case *protocol.CallEnd:
		d.handleCallEnd(sess, m)
		return true

	case *protocol.CallError:
		d.handleCallError(sess, m)
		return true

	case *protocol.WebrtcOffer:
		d.handleSignaling(sess, m.CallId, m.FromClientId, m.ToClientId, *m)
		return true

	case *protocol.WebrtcAnswer:
		d.handleSignaling(sess, m.CallId, m.FromClientId, m.ToClientId, *m)
		return true

	case *protocol.WebrtcIceCandidate:
		d.handleSignaling(sess, m.CallId, m.FromClientId, m.ToClientId, *m)
		return true

	case *protocol.Error:
		d.lg.Warn("client reported error", slog.Any("session", sess),
			slog.String("kind", string(m.Reason.Kind)), slog.String("message", m.Reason.Message))
		return true

	default:
		d.metrics.ProtocolError(protocol.ErrorKindUnexpectedMessage)
		d.trySend(sess, protocol.Error{Reason: protocol.UnexpectedMessage(msg.ClientMessageType())})
		return true
	}
}

func (d *dispatcher) handleCallInvite(sess *Session, invite *protocol.CallInvite) {
	callerId := sess.Id()

	if retry, ok := d.limits.CheckCallInvite(string(callerId)); !ok {
		reason := protocol.RateLimited(ceilSeconds(retry))
		d.metrics.ProtocolError(reason.Kind)
		d.trySend(sess, protocol.Error{Reason: reason})
		return
	}

	if invite.Source.ClientId != callerId {
		d.sendCallError(sess, invite.CallId, protocol.CallErrorOther, "Source client ID mismatch")
		return
	}

	targets := d.resolveCallTargets(invite.Target, callerId)
	if len(targets) == 0 {
		d.sendCallError(sess, invite.CallId, protocol.CallErrorTargetNotFound, "")
		return
	}

	switch err := d.calls.StartCallAttempt(invite.CallId, callerId, invite.Target, targets, invite.Prio); err {
	case nil:
	case ErrCallerBusy:
		d.sendCallError(sess, invite.CallId, protocol.CallErrorCallActive, "")
		return
	case ErrCallIdInUse:
		d.sendCallError(sess, invite.CallId, protocol.CallErrorOther, "Call ID already in use")
		return
	default:
		d.sendCallError(sess, invite.CallId, protocol.CallErrorCallFailure, "")
		return
	}

	for calleeId := range targets {
		if d.sendToClient(calleeId, *invite) == nil {
			continue
		}
		term, _ := d.calls.MarkCallError(invite.CallId, calleeId, protocol.CallErrorCallFailure)
		if term == CallTerminationFailed || term == CallTerminationNotFound {
			d.sendCallError(sess, invite.CallId, protocol.CallErrorCallFailure, "")
			return
		}
	}

	if d.autoHangup > 0 {
		callId := invite.CallId
		time.AfterFunc(d.autoHangup, func() { d.autoHangupCall(callId, callerId) })
	}
}

func (d *dispatcher) handleCallAccept(sess *Session, accept *protocol.CallAccept) {
	accepterId := sess.Id()

	if accept.AcceptingClientId != accepterId {
		d.sendCallError(sess, accept.CallId, protocol.CallErrorOther, "Accepting client ID mismatch")
		return
	}

	call := d.calls.AcceptCall(accept.CallId, accepterId)
	if call == nil {
		d.sendCallError(sess, accept.CallId, protocol.CallErrorCallFailure, "")
		return
	}

	if perr := d.sendToClient(call.CallerId, *accept); perr != nil {
		d.trySend(sess, *perr)
		return
	}

	if len(call.NotifiedClients) > 1 {
		cancelled := protocol.CallCancelled{CallId: accept.CallId, Reason: protocol.AnsweredElsewhere(accepterId)}
		for calleeId := range call.NotifiedClients {
			if calleeId != accepterId {
				d.sendToClient(calleeId, cancelled)
			}
		}
	}
}

func (d *dispatcher) handleCallReject(sess *Session, reject *protocol.CallReject) {
	if reject.RejectingClientId != sess.Id() {
		d.sendCallError(sess, reject.CallId, protocol.CallErrorOther, "Rejecting client ID mismatch")
		return
	}

	term, call := d.calls.RejectCall(reject.CallId, sess.Id())
	d.resolveRingingTermination(sess, reject.CallId, term, call)
}

func (d *dispatcher) handleCallError(sess *Session, callError *protocol.CallError) {
	term, call := d.calls.MarkCallError(callError.CallId, sess.Id(), callError.Reason)
	d.resolveRingingTermination(sess, callError.CallId, term, call)
}

// resolveRingingTermination finishes a reject or error marking: unknown
// calls bounce a failure back to the sender, an exhausted attempt tells
// the caller everyone turned it down.
func (d *dispatcher) resolveRingingTermination(sess *Session, callId protocol.CallId,
	term CallTermination, call *RingingCall) {
	switch term {
	case CallTerminationNotFound, CallTerminationNotNotified:
		d.sendCallError(sess, callId, protocol.CallErrorCallFailure, "")
	case CallTerminationFailed:
		d.sendToClient(call.CallerId, protocol.CallCancelled{CallId: callId, Reason: protocol.AllRejected()})
	case CallTerminationContinued:
		// Others are still ringing.
	}
}

func (d *dispatcher) handleCallEnd(sess *Session, end *protocol.CallEnd) {
	enderId := sess.Id()

	if end.EndingClientId != enderId {
		d.sendCallError(sess, end.CallId, protocol.CallErrorOther, "Ending client ID mismatch")
		return
	}

	if ringing := d.calls.EndRingingCall(end.CallId, enderId); ringing != nil {
		cancelled := protocol.CallCancelled{CallId: end.CallId, Reason: protocol.CallerCancelled()}
		for calleeId := range ringing.NotifiedClients {
			d.sendToClient(calleeId, cancelled)
		}
		return
	}

	if active := d.calls.EndActiveCall(end.CallId, enderId); active != nil {
		peerId, ok := active.Peer(enderId)
		if !ok {
			d.sendCallError(sess, end.CallId, protocol.CallErrorTargetNotFound, "")
			return
		}
		if d.sendToClient(peerId, *end) != nil {
			d.sendCallError(sess, end.CallId, protocol.CallErrorWebrtcFailure, "")
		}
		return
	}

	d.sendCallError(sess, end.CallId, protocol.CallErrorTargetNotFound, "")
}

// handleSignaling relays a WebRTC payload between the peers of an
// established call.
func (d *dispatcher) handleSignaling(sess *Session, callId protocol.CallId,
	fromId, toId protocol.ClientId, msg protocol.ServerMessage) {
	if fromId != sess.Id() {
		d.sendCallError(sess, callId, protocol.CallErrorOther, "Source client ID mismatch")
		return
	}
	if !d.calls.HasActiveCall(callId, sess.Id()) {
		d.sendCallError(sess, callId, protocol.CallErrorSignalingFailure, "")
		return
	}

	if perr := d.sendToClient(toId, msg); perr != nil {
		d.trySend(sess, *perr)
	}
}

// cleanupClientCalls tears down every call a disconnecting client was
// involved in and notifies the other parties.
func (d *dispatcher) cleanupClientCalls(clientId protocol.ClientId) {
	ringing, active := d.calls.CleanupClientCalls(clientId)

	for _, call := range ringing {
		if call.CallerId == clientId {
			cancelled := protocol.CallCancelled{CallId: call.CallId, Reason: protocol.CallerCancelled()}
			for calleeId := range call.NotifiedClients {
				d.sendToClient(calleeId, cancelled)
			}
		} else {
			d.sendToClient(call.CallerId,
				protocol.CallCancelled{CallId: call.CallId, Reason: protocol.AllRejected()})
		}
	}

	if active != nil {
		if peerId, ok := active.Peer(clientId); ok {
			d.sendToClient(peerId, protocol.CallEnd{CallId: active.CallId, EndingClientId: clientId})
		}
	}
}

// autoHangupCall fires when a ringing call's timer expires: if nobody
// resolved the call meanwhile, the notified clients stop ringing and the
// caller is told the attempt timed out.
func (d *dispatcher) autoHangupCall(callId protocol.CallId, callerId protocol.ClientId) {
	defer d.lg.CatchAndReportCrash()

	call := d.calls.CancelRingingCall(callId, callerId, callOutcomeError(protocol.CallErrorAutoHangup))
	if call == nil {
		return
	}

	d.lg.Debug("auto hangup of unanswered call", slog.Any("call", call))
	cancelled := protocol.CallCancelled{CallId: callId, Reason: protocol.CallerCancelled()}
	for calleeId := range call.NotifiedClients {
		d.sendToClient(calleeId, cancelled)
	}
	d.sendToClient(callerId, protocol.CallError{CallId: callId, Reason: protocol.CallErrorAutoHangup})
}

// resolveCallTargets expands a call target into the set of clients to
// ring, never including the caller itself.
func (d *dispatcher) resolveCallTargets(target protocol.CallTarget,
	callerId protocol.ClientId) map[protocol.ClientId]struct{} {
	var targets map[protocol.ClientId]struct{}
	switch {
	case target.Client != "":
		if d.registry.IsClientConnected(target.Client) {
			targets = map[protocol.ClientId]struct{}{target.Client: {}}
		}
	case target.Position != "":
		targets = d.registry.ClientsForPosition(target.Position)
	case target.Station != "":
		targets = d.registry.ClientsForStation(target.Station)
	}
	delete(targets, callerId)
	return targets
}

// sendToClient delivers a message to a client by id. On failure the
// returned error message describes the problem for relaying to whichever
// peer initiated the delivery.
func (d *dispatcher) sendToClient(clientId protocol.ClientId, msg protocol.ServerMessage) *protocol.Error {
	sess := d.registry.Client(clientId)
	if sess == nil {
		d.lg.Warn("client not found", slog.String("client_id", string(clientId)),
			slog.String("message_type", msg.ServerMessageType()))
		d.metrics.PeerNotFound()
		return &protocol.Error{Reason: protocol.ClientNotFound(), ClientId: clientId}
	}
	if err := sess.SendMessage(msg); err != nil {
		d.lg.Warn("failed to send message to client", slog.String("client_id", string(clientId)),
			slog.String("message_type", msg.ServerMessageType()), slog.Any("error", err))
		d.metrics.ProtocolError(protocol.ErrorKindPeerConnection)
		return &protocol.Error{Reason: protocol.PeerConnectionError(), ClientId: clientId}
	}
	return nil
}

func (d *dispatcher) sendCallError(sess *Session, callId protocol.CallId,
	reason protocol.CallErrorReason, message string) {
	d.trySend(sess, protocol.CallError{CallId: callId, Reason: reason, Message: message})
}

func (d *dispatcher) trySend(sess *Session, msg protocol.ServerMessage) {
	if err := sess.SendMessage(msg); err != nil {
		d.lg.Warn("failed to send message", slog.Any("session", sess),
			slog.String("message_type", msg.ServerMessageType()), slog.Any("error", err))
	}
}

func ceilSeconds(d time.Duration) uint64 {
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return uint64(secs)
}
