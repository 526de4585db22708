// coverage/network.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package coverage

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/MorpheusXAUT/vacs-server/protocol"
	"github.com/MorpheusXAUT/vacs-server/util"
	"github.com/MorpheusXAUT/vacs-server/vatsim"
)

// Network is the loaded coverage dataset: all FIRs with their stations,
// positions, and profiles. It is immutable after load; to pick up a new
// dataset the server loads a fresh Network and swaps the pointer.
type Network struct {
	firs      map[protocol.FirId]*Fir
	stations  map[protocol.StationId]*Station
	positions map[protocol.PositionId]*Position
	profiles  map[protocol.ProfileId]*Profile

	// Sorted id slices so that iteration-order-dependent results are
	// deterministic.
	stationIds  []protocol.StationId
	positionIds []protocol.PositionId
}

func NewNetwork() *Network {
	return &Network{
		firs:      make(map[protocol.FirId]*Fir),
		stations:  make(map[protocol.StationId]*Station),
		positions: make(map[protocol.PositionId]*Position),
		profiles:  make(map[protocol.ProfileId]*Profile),
	}
}

func (n *Network) Fir(id protocol.FirId) (*Fir, bool) {
	f, ok := n.firs[id]
	return f, ok
}

func (n *Network) Station(id protocol.StationId) (*Station, bool) {
	s, ok := n.stations[id]
	return s, ok
}

func (n *Network) Position(id protocol.PositionId) (*Position, bool) {
	p, ok := n.positions[id]
	return p, ok
}

func (n *Network) Profile(id protocol.ProfileId) (*Profile, bool) {
	p, ok := n.profiles[id]
	return p, ok
}

// StationIds returns all station ids, sorted. The caller must not
// mutate the returned slice.
func (n *Network) StationIds() []protocol.StationId {
	return n.stationIds
}

func (n *Network) NumFirs() int      { return len(n.firs) }
func (n *Network) NumStations() int  { return len(n.stations) }
func (n *Network) NumPositions() int { return len(n.positions) }
func (n *Network) NumProfiles() int  { return len(n.profiles) }

func (n *Network) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("firs", n.NumFirs()),
		slog.Int("stations", n.NumStations()),
		slog.Int("positions", n.NumPositions()),
		slog.Int("profiles", n.NumProfiles()))
}

///////////////////////////////////////////////////////////////////////////
// Position lookup

// FindPositions resolves a VATSIM controller to the positions it may be
// operating. Frequency and facility type must always match; the
// callsign then narrows the candidates down:
//
//  1. If frequency and facility match exactly one position, that's it.
//  2. If the normalized callsign equals a position id (and that
//     position's frequency and facility match), that's it.
//  3. Otherwise the candidates whose prefix matches the callsign
//     remain; one match resolves, zero or several do not.
//
// The returned slice is sorted by position id; the login flow treats
// anything but a single result as unresolvable.
func (n *Network) FindPositions(callsign, frequency string, facility vatsim.FacilityType) []*Position {
	var matches []*Position
	for _, id := range n.positionIds {
		if p := n.positions[id]; p.Frequency == frequency && p.Facility == facility {
			matches = append(matches, p)
		}
	}
	if len(matches) == 1 {
		return matches
	}

	// Relief positions insert an extra underscore into the callsign
	// ("LOVV__CTR"); collapse it before comparing against position ids.
	normalized := protocol.MakePositionId(strings.ReplaceAll(callsign, "__", "_"))
	if p, ok := n.positions[normalized]; ok && p.Frequency == frequency && p.Facility == facility {
		return []*Position{p}
	}

	return util.FilterSlice(matches, func(p *Position) bool {
		return slices.ContainsFunc(p.Prefixes, func(prefix string) bool {
			return strings.HasPrefix(string(normalized), prefix)
		})
	})
}

///////////////////////////////////////////////////////////////////////////
// Coverage resolution

// ControllingPosition returns the position currently controlling the
// station: the first entry of the station's resolved priority list that
// is online. Returns nil if the station is unknown or uncontrolled.
// Online ids without a corresponding position definition are skipped.
func (n *Network) ControllingPosition(station protocol.StationId, online map[protocol.PositionId]struct{}) *Position {
	s, ok := n.stations[station]
	if !ok {
		return nil
	}
	for _, id := range s.ControlledBy {
		if _, ok := online[id]; ok {
			if p, ok := n.positions[id]; ok {
				return p
			}
		}
	}
	return nil
}

// CoverageDiff compares full coverage before and after a change to the
// online position set and returns one change per station whose
// controller differs: online when it gains a controller, offline when
// it loses one, handoff when control moves between positions. Stations
// are enumerated exhaustively; the result is sorted by station id.
func (n *Network) CoverageDiff(before, after map[protocol.PositionId]struct{}) []protocol.StationChange {
	var changes []protocol.StationChange
	for _, id := range n.stationIds {
		prev := n.ControllingPosition(id, before)
		next := n.ControllingPosition(id, after)
		switch {
		case prev == nil && next != nil:
			changes = append(changes, protocol.MakeStationOnline(id, next.Id))
		case prev != nil && next == nil:
			changes = append(changes, protocol.MakeStationOffline(id))
		case prev != nil && next != nil && prev.Id != next.Id:
			changes = append(changes, protocol.MakeStationHandoff(id, prev.Id, next.Id))
		}
	}
	return changes
}

// CoverageChanges returns the station changes caused by a single
// position transition against the given online set: from is the
// position going offline (empty for none), to the one coming online.
// If the transition does not actually alter the set, no stations
// changed hands and the result is empty.
func (n *Network) CoverageChanges(from, to protocol.PositionId, online map[protocol.PositionId]struct{}) []protocol.StationChange {
	updated := util.DuplicateMap(online)
	changed := false
	switch {
	case from != "" && to != "" && from == to:
		_, present := updated[to]
		updated[to] = struct{}{}
		changed = !present
	case from != "" && to != "":
		_, hadFrom := updated[from]
		delete(updated, from)
		_, hadTo := updated[to]
		updated[to] = struct{}{}
		changed = hadFrom || !hadTo
	case from != "":
		_, hadFrom := updated[from]
		delete(updated, from)
		changed = hadFrom
	case to != "":
		_, hadTo := updated[to]
		updated[to] = struct{}{}
		changed = !hadTo
	}
	if !changed {
		return nil
	}
	return n.CoverageDiff(online, updated)
}

// CoveredStations returns every station that currently has a
// controller, sorted by station id. Self is set on entries controlled
// by clientPosition (pass "" for a client without a position).
func (n *Network) CoveredStations(clientPosition protocol.PositionId, online map[protocol.PositionId]struct{}) []CoveredStation {
	var covered []CoveredStation
	for _, id := range n.stationIds {
		if p := n.ControllingPosition(id, online); p != nil {
			covered = append(covered, CoveredStation{
				Station:  n.stations[id],
				Position: p,
				Self:     clientPosition != "" && p.Id == clientPosition,
			})
		}
	}
	return covered
}

// RelevantStations derives a client's station filter from its active
// profile: a specific profile restricts it to the profile's stations, a
// custom profile passes everything, no profile passes nothing. A
// specific profile that is not in the dataset (say, after a dataset
// reload removed it) also passes nothing.
func (n *Network) RelevantStations(active protocol.ActiveProfile) RelevantStations {
	switch active.Kind {
	case protocol.ProfileSpecific:
		if active.Profile != nil {
			if p, ok := n.profiles[active.Profile.Id]; ok {
				return StationSubset(p.Stations)
			}
		}
		return NoStationsRelevant()
	case protocol.ProfileCustom:
		return AllStationsRelevant()
	default:
		return NoStationsRelevant()
	}
}
