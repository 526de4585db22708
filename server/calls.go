// server/calls.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"log/slog"

	"github.com/MorpheusXAUT/vacs-server/log"
	"github.com/MorpheusXAUT/vacs-server/protocol"
	"github.com/MorpheusXAUT/vacs-server/util"

	"github.com/brunoga/deep"
)

// RingingCall is a snapshot of a call attempt that has not been answered
// yet. NotifiedClients holds everyone whose client is currently ringing.
type RingingCall struct {
	CallId          protocol.CallId
	CallerId        protocol.ClientId
	Target          protocol.CallTarget
	Prio            bool
	NotifiedClients map[protocol.ClientId]struct{}
}

func (c RingingCall) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", c.CallId.String()),
		slog.String("caller", string(c.CallerId)),
		slog.String("target", c.Target.String()),
		slog.Int("notified", len(c.NotifiedClients)))
}

// ActiveCall is an established two-party call.
type ActiveCall struct {
	CallId   protocol.CallId
	CallerId protocol.ClientId
	CalleeId protocol.ClientId
}

func (c ActiveCall) Involves(client protocol.ClientId) bool {
	return c.CallerId == client || c.CalleeId == client
}

// Peer returns the other party of the call.
func (c ActiveCall) Peer(client protocol.ClientId) (protocol.ClientId, bool) {
	switch client {
	case c.CallerId:
		return c.CalleeId, true
	case c.CalleeId:
		return c.CallerId, true
	default:
		return "", false
	}
}

func (c ActiveCall) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", c.CallId.String()),
		slog.String("caller", string(c.CallerId)),
		slog.String("callee", string(c.CalleeId)))
}

// CallTermination is the result of marking a reject or error against a
// ringing call.
type CallTermination int

const (
	// CallTerminationNotFound: no such ringing call.
	CallTerminationNotFound CallTermination = iota
	// CallTerminationNotNotified: the client was never part of the call.
	CallTerminationNotNotified
	// CallTerminationContinued: recorded; other clients are still ringing.
	CallTerminationContinued
	// CallTerminationFailed: that was the last notified client, the
	// attempt is over.
	CallTerminationFailed
)

type ringingCallEntry struct {
	call     RingingCall
	rejected map[protocol.ClientId]struct{}
	errored  map[protocol.ClientId]struct{}
	guard    *CallAttemptGuard
}

func (e *ringingCallEntry) hasNotified(client protocol.ClientId) bool {
	_, ok := e.call.NotifiedClients[client]
	return ok
}

func (e *ringingCallEntry) involves(client protocol.ClientId) bool {
	return e.call.CallerId == client || e.hasNotified(client)
}

// exhausted reports whether every notified client has rejected or
// errored. An attempt with no notified clients left counts as exhausted.
func (e *ringingCallEntry) exhausted() bool {
	return len(e.rejected)+len(e.errored) >= len(e.call.NotifiedClients)
}

// complete resolves the attempt's metrics guard with the given outcome
// and returns a detached snapshot of the call.
func (e *ringingCallEntry) complete(outcome string) RingingCall {
	e.guard.SetOutcome(outcome)
	e.guard.Complete()
	return e.snapshot()
}

func (e *ringingCallEntry) snapshot() RingingCall {
	return deep.MustCopy(e.call)
}

type activeCallEntry struct {
	call  ActiveCall
	guard *CallGuard
}

// CallManager is the authority on call state. Every transition runs
// under one lock, with the client index maps updated in the same
// critical section, so there is exactly one winner for any race between
// accept, reject, cancel, and disconnect.
type CallManager struct {
	metrics *Metrics
	lg      *log.Logger

	mu      util.LoggingMutex
	ringing map[protocol.CallId]*ringingCallEntry
	active  map[protocol.CallId]*activeCallEntry

	// Index maps from clients to the calls involving them. A client has
	// at most one outgoing attempt and one active call, but may be
	// ringing for any number of incoming attempts.
	incoming       map[protocol.ClientId]map[protocol.CallId]struct{}
	outgoing       map[protocol.ClientId]protocol.CallId
	activeByClient map[protocol.ClientId]protocol.CallId
}

func NewCallManager(metrics *Metrics, lg *log.Logger) *CallManager {
	return &CallManager{
		metrics:        metrics,
		lg:             lg,
		ringing:        make(map[protocol.CallId]*ringingCallEntry),
		active:         make(map[protocol.CallId]*activeCallEntry),
		incoming:       make(map[protocol.ClientId]map[protocol.CallId]struct{}),
		outgoing:       make(map[protocol.ClientId]protocol.CallId),
		activeByClient: make(map[protocol.ClientId]protocol.CallId),
	}
}

func (cm *CallManager) HasOutgoingCall(client protocol.ClientId) bool {
	cm.mu.Lock(cm.lg)
	defer cm.mu.Unlock(cm.lg)
	_, ok := cm.outgoing[client]
	return ok
}

// Counts returns how many calls are currently ringing and established.
func (cm *CallManager) Counts() (ringing, active int) {
	cm.mu.Lock(cm.lg)
	defer cm.mu.Unlock(cm.lg)
	return len(cm.ringing), len(cm.active)
}

// HasActiveCall reports whether client is a party of the given
// established call.
func (cm *CallManager) HasActiveCall(callId protocol.CallId, client protocol.ClientId) bool {
	cm.mu.Lock(cm.lg)
	defer cm.mu.Unlock(cm.lg)
	entry, ok := cm.active[callId]
	return ok && entry.call.Involves(client)
}

// RingingCall returns a snapshot of the given ringing call, or nil.
func (cm *CallManager) RingingCall(callId protocol.CallId) *RingingCall {
	cm.mu.Lock(cm.lg)
	defer cm.mu.Unlock(cm.lg)
	if entry, ok := cm.ringing[callId]; ok {
		call := entry.snapshot()
		return &call
	}
	return nil
}

// ActiveCall returns the given established call, or nil.
func (cm *CallManager) ActiveCall(callId protocol.CallId) *ActiveCall {
	cm.mu.Lock(cm.lg)
	defer cm.mu.Unlock(cm.lg)
	if entry, ok := cm.active[callId]; ok {
		call := entry.call
		return &call
	}
	return nil
}

// StartCallAttempt registers a new ringing call from caller to the
// resolved notified set. A caller may only have one outgoing attempt at
// a time.
func (cm *CallManager) StartCallAttempt(callId protocol.CallId, caller protocol.ClientId,
	target protocol.CallTarget, notified map[protocol.ClientId]struct{}, prio bool) error {
	cm.mu.Lock(cm.lg)
	defer cm.mu.Unlock(cm.lg)

	if _, ok := cm.outgoing[caller]; ok {
		return ErrCallerBusy
	}
	if _, ok := cm.ringing[callId]; ok {
		return ErrCallIdInUse
	}
	if _, ok := cm.active[callId]; ok {
		return ErrCallIdInUse
	}

	entry := &ringingCallEntry{
		call: RingingCall{
			CallId:          callId,
			CallerId:        caller,
			Target:          target,
			Prio:            prio,
			NotifiedClients: util.DuplicateMap(notified),
		},
		rejected: make(map[protocol.ClientId]struct{}),
		errored:  make(map[protocol.ClientId]struct{}),
		guard:    cm.metrics.NewCallAttemptGuard(),
	}
	cm.ringing[callId] = entry
	cm.outgoing[caller] = callId
	for client := range notified {
		cm.addIncomingLocked(client, callId)
	}

	cm.lg.Debug("call attempt started", slog.Any("call", entry.call))
	return nil
}

// RejectCall records client's rejection of a ringing call. When the last
// notified client rejects, the attempt fails and its snapshot is
// returned so the caller side can be told.
func (cm *CallManager) RejectCall(callId protocol.CallId, client protocol.ClientId) (CallTermination, *RingingCall) {
	return cm.terminateRinging(callId, client, func(e *ringingCallEntry) string {
		e.rejected[client] = struct{}{}
		return callOutcomeRejected
	})
}

// MarkCallError records that delivering or handling the invite failed
// for client, with the same exhaustion semantics as RejectCall. The
// reason only feeds the attempt outcome metric.
func (cm *CallManager) MarkCallError(callId protocol.CallId, client protocol.ClientId,
	reason protocol.CallErrorReason) (CallTermination, *RingingCall) {
	return cm.terminateRinging(callId, client, func(e *ringingCallEntry) string {
		e.errored[client] = struct{}{}
		return callOutcomeError(reason)
	})
}

func (cm *CallManager) terminateRinging(callId protocol.CallId, client protocol.ClientId,
	mark func(*ringingCallEntry) string) (CallTermination, *RingingCall) {
	cm.mu.Lock(cm.lg)
	defer cm.mu.Unlock(cm.lg)

	// The client is done with this call either way.
	cm.removeIncomingLocked(client, callId)

	entry, ok := cm.ringing[callId]
	if !ok {
		return CallTerminationNotFound, nil
	}
	if !entry.hasNotified(client) {
		return CallTerminationNotNotified, nil
	}

	outcome := mark(entry)
	if !entry.exhausted() {
		return CallTerminationContinued, nil
	}

	delete(cm.ringing, callId)
	cm.clearRingingIndexesLocked(entry)
	call := entry.complete(outcome)
	cm.lg.Debug("call attempt failed", slog.Any("call", call))
	return CallTerminationFailed, &call
}

// AcceptCall atomically claims a ringing call for accepter. It returns
// the ringing snapshot on success so the remaining notified clients can
// be cancelled, or nil when the call is gone or accepter was never
// notified; exactly one racing accept can succeed.
func (cm *CallManager) AcceptCall(callId protocol.CallId, accepter protocol.ClientId) *RingingCall {
	cm.mu.Lock(cm.lg)
	defer cm.mu.Unlock(cm.lg)

	entry, ok := cm.ringing[callId]
	if !ok || !entry.hasNotified(accepter) {
		return nil
	}

	delete(cm.ringing, callId)
	cm.clearRingingIndexesLocked(entry)

	active := ActiveCall{CallId: callId, CallerId: entry.call.CallerId, CalleeId: accepter}
	cm.active[callId] = &activeCallEntry{call: active, guard: cm.metrics.NewCallGuard()}
	cm.activeByClient[active.CallerId] = callId
	cm.activeByClient[active.CalleeId] = callId

	call := entry.complete(callOutcomeAccepted)
	cm.lg.Debug("call accepted", slog.Any("call", active))
	return &call
}

// CancelRingingCall removes a ringing call on behalf of a party of it,
// recording the given outcome. Used by the auto hangup timer; returns
// nil when the call already resolved.
func (cm *CallManager) CancelRingingCall(callId protocol.CallId, client protocol.ClientId, outcome string) *RingingCall {
	cm.mu.Lock(cm.lg)
	defer cm.mu.Unlock(cm.lg)

	entry, ok := cm.ringing[callId]
	if !ok || !entry.involves(client) {
		return nil
	}

	delete(cm.ringing, callId)
	cm.clearRingingIndexesLocked(entry)
	call := entry.complete(outcome)
	cm.lg.Debug("ringing call cancelled", slog.Any("call", call))
	return &call
}

// EndRingingCall withdraws caller's own ringing call.
func (cm *CallManager) EndRingingCall(callId protocol.CallId, caller protocol.ClientId) *RingingCall {
	cm.mu.Lock(cm.lg)
	defer cm.mu.Unlock(cm.lg)

	entry, ok := cm.ringing[callId]
	if !ok || entry.call.CallerId != caller {
		return nil
	}

	delete(cm.ringing, callId)
	cm.clearRingingIndexesLocked(entry)
	call := entry.complete(callOutcomeCancelled)
	cm.lg.Debug("ringing call ended by caller", slog.Any("call", call))
	return &call
}

// EndActiveCall tears down an established call on behalf of one of its
// parties, returning it so the peer can be told. Returns nil when the
// call is gone or client is not a party.
func (cm *CallManager) EndActiveCall(callId protocol.CallId, client protocol.ClientId) *ActiveCall {
	cm.mu.Lock(cm.lg)
	defer cm.mu.Unlock(cm.lg)

	entry, ok := cm.active[callId]
	if !ok || !entry.call.Involves(client) {
		return nil
	}

	delete(cm.active, callId)
	delete(cm.activeByClient, entry.call.CallerId)
	delete(cm.activeByClient, entry.call.CalleeId)
	entry.guard.Complete()

	call := entry.call
	cm.lg.Debug("call ended", slog.Any("call", call))
	return &call
}

// CleanupClientCalls removes a disconnecting client from every call it
// is involved in: its own outgoing attempt, attempts it was ringing for
// (which may thereby exhaust), and its established call. The returned
// ringing calls are those that ended because of the disconnect; the
// caller distinguishes them by whether client was the caller.
func (cm *CallManager) CleanupClientCalls(client protocol.ClientId) ([]RingingCall, *ActiveCall) {
	cm.mu.Lock(cm.lg)
	defer cm.mu.Unlock(cm.lg)

	var ended []RingingCall

	// The client's own outgoing attempt.
	if callId, ok := cm.outgoing[client]; ok {
		if entry, ok := cm.ringing[callId]; ok {
			delete(cm.ringing, callId)
			cm.clearRingingIndexesLocked(entry)
			ended = append(ended, entry.complete(callOutcomeAborted))
		} else {
			delete(cm.outgoing, client)
		}
	}

	// Attempts the client was ringing for. Removing the client may
	// leave an attempt with only rejections and errors, which ends it.
	if callIds, ok := cm.incoming[client]; ok {
		delete(cm.incoming, client)
		for callId := range callIds {
			entry, ok := cm.ringing[callId]
			if !ok {
				continue
			}
			delete(entry.call.NotifiedClients, client)
			delete(entry.rejected, client)
			delete(entry.errored, client)
			if !entry.exhausted() {
				continue
			}
			delete(cm.ringing, callId)
			cm.clearRingingIndexesLocked(entry)
			ended = append(ended, entry.complete(callOutcomeAborted))
		}
	}

	// The client's established call.
	var active *ActiveCall
	if callId, ok := cm.activeByClient[client]; ok {
		delete(cm.activeByClient, client)
		if entry, ok := cm.active[callId]; ok {
			delete(cm.active, callId)
			if peer, ok := entry.call.Peer(client); ok {
				// The peer's index may already point at a newer call.
				if id, ok := cm.activeByClient[peer]; ok && id == callId {
					delete(cm.activeByClient, peer)
				}
			}
			entry.guard.Complete()
			call := entry.call
			active = &call
		}
	}

	if len(ended) > 0 || active != nil {
		cm.lg.Debug("cleaned up client calls", slog.String("client_id", string(client)),
			slog.Int("ringing", len(ended)), slog.Bool("active", active != nil))
	}
	return ended, active
}

func (cm *CallManager) addIncomingLocked(client protocol.ClientId, callId protocol.CallId) {
	calls, ok := cm.incoming[client]
	if !ok {
		calls = make(map[protocol.CallId]struct{})
		cm.incoming[client] = calls
	}
	calls[callId] = struct{}{}
}

func (cm *CallManager) removeIncomingLocked(client protocol.ClientId, callId protocol.CallId) {
	calls, ok := cm.incoming[client]
	if !ok {
		return
	}
	delete(calls, callId)
	if len(calls) == 0 {
		delete(cm.incoming, client)
	}
}

// clearRingingIndexesLocked drops the caller's outgoing entry and every
// notified client's incoming entry for a ringing call that has been
// removed from the primary map.
func (cm *CallManager) clearRingingIndexesLocked(entry *ringingCallEntry) {
	if id, ok := cm.outgoing[entry.call.CallerId]; ok && id == entry.call.CallId {
		delete(cm.outgoing, entry.call.CallerId)
	}
	for client := range entry.call.NotifiedClients {
		cm.removeIncomingLocked(client, entry.call.CallId)
	}
}
