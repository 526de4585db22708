// server/registry.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/MorpheusXAUT/vacs-server/coverage"
	"github.com/MorpheusXAUT/vacs-server/log"
	"github.com/MorpheusXAUT/vacs-server/protocol"
	"github.com/MorpheusXAUT/vacs-server/util"
	"github.com/MorpheusXAUT/vacs-server/vatsim"
)

// ClientDisconnect names a client the VATSIM sync decided to drop,
// together with the reason to send it on the way out.
type ClientDisconnect struct {
	ClientId protocol.ClientId
	Reason   protocol.DisconnectReason
}

// CoverageSnapshot is the merged view of current coverage exposed over
// the HTTP API.
type CoverageSnapshot struct {
	Positions []PositionCoverage `json:"positions"`
	Stations  []StationCoverage  `json:"stations"`
}

type PositionCoverage struct {
	PositionId    protocol.PositionId `json:"positionId"`
	ControllerIds []protocol.ClientId `json:"controllerIds"`
	VatsimOnly    bool                `json:"vatsimOnly"`
}

type StationCoverage struct {
	StationId             protocol.StationId  `json:"stationId"`
	ControllingPositionId protocol.PositionId `json:"controllingPositionId"`
	ControllerIds         []protocol.ClientId `json:"controllerIds"`
	VatsimOnly            bool                `json:"vatsimOnly"`
}

///////////////////////////////////////////////////////////////////////////
// Registry

// Registry tracks the connected sessions and derives station coverage
// from them plus the VATSIM-only positions seen in the data feed.
//
// onlinePositions holds positions staffed by at least one vacs client,
// vatsimOnly those staffed on VATSIM without any vacs client, and
// onlineStations maps every covered station to its controlling position.
// All three are kept consistent under one lock; station change
// broadcasts are derived from the same critical section that mutates
// them, so clients observe every transition exactly once and in order.
type Registry struct {
	metrics *Metrics
	lg      *log.Logger

	network atomic.Pointer[coverage.Network]

	mu              util.LoggingMutex
	sessions        map[protocol.ClientId]*Session
	onlinePositions map[protocol.PositionId]map[protocol.ClientId]struct{}
	vatsimOnly      map[protocol.PositionId]map[protocol.ClientId]struct{}
	onlineStations  map[protocol.StationId]protocol.PositionId
}

func NewRegistry(network *coverage.Network, metrics *Metrics, lg *log.Logger) *Registry {
	r := &Registry{
		metrics:         metrics,
		lg:              lg,
		sessions:        make(map[protocol.ClientId]*Session),
		onlinePositions: make(map[protocol.PositionId]map[protocol.ClientId]struct{}),
		vatsimOnly:      make(map[protocol.PositionId]map[protocol.ClientId]struct{}),
		onlineStations:  make(map[protocol.StationId]protocol.PositionId),
	}
	r.network.Store(network)
	return r
}

// Network returns the current coverage dataset.
func (r *Registry) Network() *coverage.Network {
	return r.network.Load()
}

func (r *Registry) Client(clientId protocol.ClientId) *Session {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)
	return r.sessions[clientId]
}

func (r *Registry) IsClientConnected(clientId protocol.ClientId) bool {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)
	_, ok := r.sessions[clientId]
	return ok
}

func (r *Registry) IsEmpty() bool {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)
	return len(r.sessions) == 0
}

func (r *Registry) ClientCount() int {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)
	return len(r.sessions)
}

// ClientsForPosition returns the vacs clients currently staffing the
// given position.
func (r *Registry) ClientsForPosition(positionId protocol.PositionId) map[protocol.ClientId]struct{} {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)
	return util.DuplicateMap(r.onlinePositions[positionId])
}

// ClientsForStation returns the vacs clients staffing the position that
// currently controls the given station.
func (r *Registry) ClientsForStation(stationId protocol.StationId) map[protocol.ClientId]struct{} {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)
	positionId, ok := r.onlineStations[stationId]
	if !ok {
		return nil
	}
	return util.DuplicateMap(r.onlinePositions[positionId])
}

// AddClient registers a logged-in session, brings its position online,
// and announces both to the other clients.
func (r *Registry) AddClient(sess *Session) error {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	clientId := sess.Id()
	if _, ok := r.sessions[clientId]; ok {
		return ErrDuplicateClient
	}

	sess.attachGuard(r.metrics.NewClientConnectionGuard())
	r.sessions[clientId] = sess

	var changes []protocol.StationChange
	if positionId := sess.PositionId(); positionId != "" {
		startVisible := r.visibleStationsLocked()
		if set, ok := r.onlinePositions[positionId]; ok && len(set) > 0 {
			// Position already staffed by vacs clients, nothing changes
			// coverage-wise.
			set[clientId] = struct{}{}
		} else if _, wasVatsimOnly := r.vatsimOnly[positionId]; wasVatsimOnly {
			// The position was already counted as online via the data
			// feed, so overall coverage is unchanged; its stations just
			// become visible to vacs clients.
			delete(r.vatsimOnly, positionId)
			r.onlinePositions[positionId] = map[protocol.ClientId]struct{}{clientId: {}}
		} else {
			allOnline := r.allOnlineLocked()
			r.onlinePositions[positionId] = map[protocol.ClientId]struct{}{clientId: {}}
			r.updateOnlineStationsLocked(r.Network().CoverageChanges("", positionId, allOnline))
		}
		changes = computeStationDiff(startVisible, r.visibleStationsLocked())
	}

	r.broadcastLocked(protocol.ClientConnected{Client: sess.Info()}, clientId)
	r.broadcastStationChangesLocked(changes)

	r.lg.Info("client added", slog.Any("session", sess), slog.Int("clients", len(r.sessions)))
	return nil
}

// RemoveClient drops a session, takes its position offline if it was the
// last client staffing it, and announces both. Missing clients are
// ignored so teardown paths can call this unconditionally.
func (r *Registry) RemoveClient(clientId protocol.ClientId, reason *protocol.DisconnectReason) {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	sess, ok := r.sessions[clientId]
	if !ok {
		return
	}
	delete(r.sessions, clientId)

	var changes []protocol.StationChange
	if positionId := sess.PositionId(); positionId != "" {
		if set, ok := r.onlinePositions[positionId]; ok {
			startVisible := r.visibleStationsLocked()
			if len(set) == 1 {
				before := r.allOnlineLocked()
				after := util.DuplicateMap(before)
				delete(after, positionId)
				r.updateOnlineStationsLocked(r.Network().CoverageDiff(before, after))
				delete(r.onlinePositions, positionId)
			} else {
				delete(set, clientId)
			}
			changes = computeStationDiff(startVisible, r.visibleStationsLocked())
		}
	}

	sess.Disconnect(reason)
	r.broadcastLocked(protocol.ClientDisconnected{ClientId: clientId}, clientId)

	if len(r.sessions) == 0 {
		r.vatsimOnly = make(map[protocol.PositionId]map[protocol.ClientId]struct{})
		r.onlineStations = make(map[protocol.StationId]protocol.PositionId)
	}

	r.broadcastStationChangesLocked(changes)

	r.lg.Info("client removed", slog.String("client_id", string(clientId)),
		slog.Int("clients", len(r.sessions)))
}

// ListClients returns everyone connected except the asking client,
// sorted by client id.
func (r *Registry) ListClients(selfId protocol.ClientId) []protocol.ClientInfo {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	clients := []protocol.ClientInfo{}
	for clientId, sess := range r.sessions {
		if clientId != selfId {
			clients = append(clients, sess.Info())
		}
	}
	slices.SortFunc(clients, func(a, b protocol.ClientInfo) int {
		return compareIds(a.Id, b.Id)
	})
	return clients
}

// ListStations returns the stations relevant to the given profile that
// are currently controlled by a vacs client, sorted by station id. Own
// marks those controlled by the asking client's own position.
func (r *Registry) ListStations(profile protocol.ActiveProfile, selfPosition protocol.PositionId) []protocol.StationInfo {
	relevant := r.Network().RelevantStations(profile)

	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	stations := []protocol.StationInfo{}
	if relevant.None() {
		return stations
	}
	for stationId, positionId := range r.onlineStations {
		if !relevant.Contains(stationId) {
			continue
		}
		if _, vacs := r.onlinePositions[positionId]; !vacs {
			continue
		}
		stations = append(stations, protocol.StationInfo{
			Id:  stationId,
			Own: selfPosition != "" && positionId == selfPosition,
		})
	}
	slices.SortFunc(stations, func(a, b protocol.StationInfo) int {
		return compareIds(a.Id, b.Id)
	})
	return stations
}

// CoverageSnapshot returns the merged coverage state: every online
// position (vacs and VATSIM-only) and every covered station with its
// controlling position and controllers.
func (r *Registry) CoverageSnapshot() CoverageSnapshot {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	positions := []PositionCoverage{}
	for positionId, clientIds := range r.onlinePositions {
		positions = append(positions, PositionCoverage{
			PositionId:    positionId,
			ControllerIds: sortedClientIds(clientIds),
		})
	}
	for positionId, clientIds := range r.vatsimOnly {
		positions = append(positions, PositionCoverage{
			PositionId:    positionId,
			ControllerIds: sortedClientIds(clientIds),
			VatsimOnly:    true,
		})
	}
	slices.SortFunc(positions, func(a, b PositionCoverage) int {
		return compareIds(a.PositionId, b.PositionId)
	})

	stations := []StationCoverage{}
	for stationId := range r.onlineStations {
		stations = append(stations, r.stationCoverageLocked(stationId))
	}
	slices.SortFunc(stations, func(a, b StationCoverage) int {
		return compareIds(a.StationId, b.StationId)
	})

	return CoverageSnapshot{Positions: positions, Stations: stations}
}

// StationCoverage returns the coverage of a single station, or false
// when the station is not currently online.
func (r *Registry) StationCoverage(stationId protocol.StationId) (StationCoverage, bool) {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	if _, ok := r.onlineStations[stationId]; !ok {
		return StationCoverage{}, false
	}
	return r.stationCoverageLocked(stationId), true
}

func (r *Registry) stationCoverageLocked(stationId protocol.StationId) StationCoverage {
	positionId := r.onlineStations[stationId]
	sc := StationCoverage{
		StationId:             stationId,
		ControllingPositionId: positionId,
	}
	if clientIds, ok := r.vatsimOnly[positionId]; ok {
		sc.ControllerIds = sortedClientIds(clientIds)
		sc.VatsimOnly = true
	} else {
		sc.ControllerIds = sortedClientIds(r.onlinePositions[positionId])
	}
	return sc
}

// ReplaceNetwork swaps in a new coverage dataset and reconciles all
// derived state: positions that no longer exist are cleared from their
// clients, profiles are re-resolved (content may change under the same
// id), the station map is rebuilt from scratch, and the resulting
// changes are broadcast.
func (r *Registry) ReplaceNetwork(network *coverage.Network) {
	r.network.Store(network)

	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	oldVisible := r.visibleStationsLocked()
	type sessionUpdate struct {
		sess *Session
		info protocol.SessionInfo
	}
	var updates []sessionUpdate

	// Clear positions that do not exist in the new network.
	for positionId, clientIds := range r.onlinePositions {
		if _, ok := network.Position(positionId); ok {
			continue
		}
		delete(r.onlinePositions, positionId)
		for clientId := range clientIds {
			sess, ok := r.sessions[clientId]
			if !ok {
				continue
			}
			sess.setPositionId("")
			profile := sess.updateActiveProfile("", network)
			updates = append(updates, sessionUpdate{sess, protocol.SessionInfo{Client: sess.Info(), Profile: profile}})
			r.lg.Info("cleared stale position from client", slog.String("client_id", string(clientId)),
				slog.String("position", string(positionId)))
		}
	}
	for positionId := range r.vatsimOnly {
		if _, ok := network.Position(positionId); !ok {
			delete(r.vatsimOnly, positionId)
		}
	}

	// Re-send profiles for clients on surviving positions. Profile
	// content may change during a reload even when the id stays the
	// same, and content changes are not cheaply detectable, so the
	// resolved profile is always retransmitted.
	for positionId, clientIds := range r.onlinePositions {
		var newProfileId protocol.ProfileId
		if position, ok := network.Position(positionId); ok {
			newProfileId = position.ProfileId
		}
		for clientId := range clientIds {
			sess, ok := r.sessions[clientId]
			if !ok {
				continue
			}
			profile := sess.updateActiveProfile(newProfileId, network)
			if !profile.Changed {
				active := sess.ActiveProfile()
				if active.Kind != protocol.ProfileSpecific {
					continue
				}
				if resolved, ok := network.Profile(active.ProfileId()); ok {
					refreshed := protocol.SpecificProfile(resolved.Definition())
					sess.setActiveProfile(refreshed)
					profile = protocol.ChangedProfile(refreshed)
				} else {
					r.lg.Warn("profile not found in new network",
						slog.String("profile_id", string(active.ProfileId())))
					sess.setActiveProfile(protocol.NoProfile())
					profile = protocol.ChangedProfile(protocol.NoProfile())
				}
			}
			updates = append(updates, sessionUpdate{sess, protocol.SessionInfo{Client: sess.Info(), Profile: profile}})
		}
	}

	// Rebuild the station map from scratch against the new network.
	allOnline := r.allOnlineLocked()
	newOnlineStations := make(map[protocol.StationId]protocol.PositionId)
	for _, covered := range network.CoveredStations("", allOnline) {
		newOnlineStations[covered.Station.Id] = covered.Position.Id
	}
	r.onlineStations = newOnlineStations
	changes := computeStationDiff(oldVisible, r.visibleStationsLocked())

	for _, update := range updates {
		if err := update.sess.SendMessage(update.info); err != nil {
			r.lg.Warn("failed to send session info after network reload",
				slog.String("client_id", string(update.sess.Id())), slog.Any("error", err))
		}
	}
	r.broadcastStationChangesLocked(changes)

	r.lg.Info("network replaced", slog.Any("network", network),
		slog.Int("station_changes", len(changes)))
}

// SyncVatsimState reconciles sessions and VATSIM-only coverage with the
// latest data feed. Clients without an active VATSIM connection are
// disconnected after missing two consecutive syncs (the pending set
// carries that state between calls, owned by the sync loop); clients
// whose controller info now matches several positions are disconnected
// immediately as ambiguous. The returned list names the sessions to
// drop.
func (r *Registry) SyncVatsimState(controllers map[protocol.ClientId]vatsim.ControllerInfo,
	pending map[protocol.ClientId]struct{}, requireActive bool) []ClientDisconnect {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	network := r.Network()
	startAll := r.allOnlineLocked()
	startVisible := r.visibleStationsLocked()
	positionsChanged := false
	var disconnects []ClientDisconnect
	var updates []protocol.ClientInfo

	markPending := func(clientId protocol.ClientId) {
		if _, ok := pending[clientId]; ok {
			delete(pending, clientId)
			disconnects = append(disconnects, ClientDisconnect{
				ClientId: clientId,
				Reason:   protocol.DisconnectedFor(protocol.DisconnectNoActiveVatsimConnection),
			})
		} else {
			pending[clientId] = struct{}{}
		}
	}

	for clientId, sess := range r.sessions {
		controller, ok := controllers[clientId]
		if !ok || controller.Facility == vatsim.FacilityUnknown {
			if requireActive {
				markPending(clientId)
			}
			continue
		}
		delete(pending, clientId)

		if !sess.updateClientInfo(controller) {
			continue
		}

		oldPositionId := sess.PositionId()
		newPositions := network.FindPositions(controller.Callsign, controller.Frequency, controller.Facility)
		if len(newPositions) > 1 {
			delete(pending, clientId)
			disconnects = append(disconnects, ClientDisconnect{
				ClientId: clientId,
				Reason: protocol.DisconnectedAmbiguous(util.MapSlice(newPositions,
					func(p *coverage.Position) protocol.PositionId { return p.Id })),
			})
			continue
		}

		var newPosition *coverage.Position
		var newPositionId protocol.PositionId
		if len(newPositions) == 1 {
			newPosition = newPositions[0]
			newPositionId = newPosition.Id
		}

		if oldPositionId != newPositionId {
			sess.setPositionId(newPositionId)

			if oldPositionId != "" {
				if set, ok := r.onlinePositions[oldPositionId]; ok {
					if len(set) <= 1 {
						delete(r.onlinePositions, oldPositionId)
						positionsChanged = true
					} else {
						delete(set, clientId)
					}
				}
			}
			if newPositionId != "" {
				set, ok := r.onlinePositions[newPositionId]
				if !ok {
					set = make(map[protocol.ClientId]struct{})
					r.onlinePositions[newPositionId] = set
				}
				if _, present := set[clientId]; !present {
					set[clientId] = struct{}{}
					if len(set) == 1 {
						positionsChanged = true
					}
				}
			}

			var profileId protocol.ProfileId
			if newPosition != nil {
				profileId = newPosition.ProfileId
			}
			profile := sess.updateActiveProfile(profileId, network)
			if err := sess.SendMessage(protocol.SessionInfo{Client: sess.Info(), Profile: profile}); err != nil {
				r.lg.Warn("failed to send updated session info",
					slog.String("client_id", string(clientId)), slog.Any("error", err))
			}
		}

		updates = append(updates, sess.Info())
	}

	// Rebuild the VATSIM-only positions from the feed: every controller
	// that is not a vacs client and maps to exactly one position not
	// already staffed on vacs.
	newVatsimOnly := make(map[protocol.PositionId]map[protocol.ClientId]struct{})
	for clientId, controller := range controllers {
		if controller.Facility == vatsim.FacilityUnknown {
			continue
		}
		if _, isVacs := r.sessions[clientId]; isVacs {
			continue
		}
		positions := network.FindPositions(controller.Callsign, controller.Frequency, controller.Facility)
		if len(positions) != 1 {
			continue
		}
		positionId := positions[0].Id
		if _, staffed := r.onlinePositions[positionId]; staffed {
			continue
		}
		set, ok := newVatsimOnly[positionId]
		if !ok {
			set = make(map[protocol.ClientId]struct{})
			newVatsimOnly[positionId] = set
		}
		set[clientId] = struct{}{}
	}
	if !positionSetsEqual(r.vatsimOnly, newVatsimOnly) {
		r.vatsimOnly = newVatsimOnly
		positionsChanged = true
	}

	var changes []protocol.StationChange
	if positionsChanged {
		r.updateOnlineStationsLocked(network.CoverageDiff(startAll, r.allOnlineLocked()))
		changes = computeStationDiff(startVisible, r.visibleStationsLocked())
	}

	for _, info := range updates {
		r.broadcastLocked(info, info.Id)
	}
	r.broadcastStationChangesLocked(changes)

	return disconnects
}

///////////////////////////////////////////////////////////////////////////
// Internals

// allOnlineLocked returns the union of vacs-staffed and VATSIM-only
// position ids.
func (r *Registry) allOnlineLocked() map[protocol.PositionId]struct{} {
	all := make(map[protocol.PositionId]struct{}, len(r.onlinePositions)+len(r.vatsimOnly))
	for positionId := range r.onlinePositions {
		all[positionId] = struct{}{}
	}
	for positionId := range r.vatsimOnly {
		all[positionId] = struct{}{}
	}
	return all
}

func (r *Registry) updateOnlineStationsLocked(changes []protocol.StationChange) {
	for _, change := range changes {
		switch {
		case change.Online != nil:
			r.onlineStations[change.Online.StationId] = change.Online.PositionId
		case change.Offline != nil:
			delete(r.onlineStations, change.Offline.StationId)
		case change.Handoff != nil:
			r.onlineStations[change.Handoff.StationId] = change.Handoff.ToPositionId
		}
	}
}

// visibleStationsLocked projects current coverage onto what vacs
// clients see: only stations whose controlling position is staffed by a
// vacs client. Every mutation diffs this projection before and after,
// which turns transitions across the vacs boundary into the right
// client-facing events (a station handed to a VATSIM-only position
// drops offline, one taken over from it comes online).
func (r *Registry) visibleStationsLocked() map[protocol.StationId]protocol.PositionId {
	visible := make(map[protocol.StationId]protocol.PositionId, len(r.onlineStations))
	for stationId, positionId := range r.onlineStations {
		if _, vacs := r.onlinePositions[positionId]; vacs {
			visible[stationId] = positionId
		}
	}
	return visible
}

// computeStationDiff diffs two station maps, yielding one change per
// station whose controller differs, sorted by station id.
func computeStationDiff(old, updated map[protocol.StationId]protocol.PositionId) []protocol.StationChange {
	var changes []protocol.StationChange
	for stationId, oldPosition := range old {
		newPosition, ok := updated[stationId]
		switch {
		case !ok:
			changes = append(changes, protocol.MakeStationOffline(stationId))
		case newPosition != oldPosition:
			changes = append(changes, protocol.MakeStationHandoff(stationId, oldPosition, newPosition))
		}
	}
	for stationId, newPosition := range updated {
		if _, ok := old[stationId]; !ok {
			changes = append(changes, protocol.MakeStationOnline(stationId, newPosition))
		}
	}
	slices.SortFunc(changes, compareStationChanges)
	return changes
}

// broadcastLocked fans a message out to every session except the given
// one.
func (r *Registry) broadcastLocked(msg protocol.ServerMessage, exclude protocol.ClientId) {
	for clientId, sess := range r.sessions {
		if clientId == exclude {
			continue
		}
		if err := sess.SendMessage(msg); err != nil {
			r.lg.Warn("failed to broadcast message", slog.String("client_id", string(clientId)),
				slog.String("message_type", msg.ServerMessageType()), slog.Any("error", err))
		}
	}
}

type profileKey struct {
	kind protocol.ProfileKind
	id   protocol.ProfileId
}

// broadcastStationChangesLocked sends station changes to every session,
// filtered per the session's active profile. The filtered sets are
// memoized per profile since many clients share one.
func (r *Registry) broadcastStationChangesLocked(changes []protocol.StationChange) {
	if len(changes) == 0 {
		return
	}

	network := r.Network()
	filtered := make(map[profileKey][]protocol.StationChange)
	for clientId, sess := range r.sessions {
		profile := sess.ActiveProfile()
		key := profileKey{kind: profile.Kind, id: profile.ProfileId()}
		toSend, ok := filtered[key]
		if !ok {
			toSend = network.RelevantStations(profile).Filter(changes)
			filtered[key] = toSend
		}
		if len(toSend) == 0 {
			continue
		}
		if err := sess.SendMessage(protocol.StationChanges{Changes: toSend}); err != nil {
			r.lg.Warn("failed to send station changes", slog.String("client_id", string(clientId)),
				slog.Any("error", err))
		}
	}
}

func positionSetsEqual(a, b map[protocol.PositionId]map[protocol.ClientId]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for positionId, setA := range a {
		setB, ok := b[positionId]
		if !ok || !maps.Equal(setA, setB) {
			return false
		}
	}
	return true
}

func sortedClientIds(set map[protocol.ClientId]struct{}) []protocol.ClientId {
	if len(set) == 0 {
		return []protocol.ClientId{}
	}
	return util.SortedMapKeys(set)
}

func compareIds[T ~string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareStationChanges(a, b protocol.StationChange) int {
	return compareIds(a.Station(), b.Station())
}
