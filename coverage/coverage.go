// coverage/coverage.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package coverage maps the live set of online positions to the stations
// they control. Stations inherit coverage through a parent chain: a
// tower splits into ground and delivery below it, an approach above it,
// enroute sectors above that. The engine resolves each station's full
// controller priority list at load time; the runtime queries are then
// lookups over immutable data and need no locking.
package coverage

import (
	"log/slog"

	"github.com/MorpheusXAUT/vacs-server/protocol"
	"github.com/MorpheusXAUT/vacs-server/util"
	"github.com/MorpheusXAUT/vacs-server/vatsim"
)

// Station is one controllable sector/frequency slot. ControlledBy is the
// resolved priority list: the station's own id first, then positions
// collected walking up the parent chain, deduplicated in first-seen
// order. The first online entry controls the station.
type Station struct {
	Id           protocol.StationId
	ParentId     protocol.StationId
	ControlledBy []protocol.PositionId
	FirId        protocol.FirId
}

func (s *Station) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", string(s.Id)),
		slog.String("parent", string(s.ParentId)),
		slog.Int("controlled_by", len(s.ControlledBy)),
		slog.String("fir", string(s.FirId)))
}

// Position is a concrete radio position a client can claim.
type Position struct {
	Id        protocol.PositionId
	Prefixes  []string
	Frequency string
	Facility  vatsim.FacilityType
	ProfileId protocol.ProfileId
	FirId     protocol.FirId
}

func (p *Position) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", string(p.Id)),
		slog.String("frequency", p.Frequency),
		slog.String("facility", p.Facility.String()),
		slog.String("fir", string(p.FirId)))
}

// Fir is one flight information region, the unit the dataset is loaded
// in.
type Fir struct {
	Id        protocol.FirId
	Stations  []protocol.StationId
	Positions []protocol.PositionId
}

// Profile is a direct-access profile; Stations is the set of stations
// relevant to clients using it.
type Profile struct {
	Id       protocol.ProfileId
	Stations map[protocol.StationId]struct{}
}

// Definition returns the profile as shared with clients.
func (p *Profile) Definition() *protocol.Profile {
	return &protocol.Profile{
		Id:       p.Id,
		Stations: util.SortedMapKeys(p.Stations),
	}
}

// CoveredStation pairs a station with its current controlling position.
// Self is set when the querying client's own position is the controller.
type CoveredStation struct {
	Station  *Station
	Position *Position
	Self     bool
}

///////////////////////////////////////////////////////////////////////////
// RelevantStations

type relevanceKind int

const (
	relevanceNone relevanceKind = iota
	relevanceAll
	relevanceSubset
)

// RelevantStations is a client's station filter, derived from its active
// profile. The zero value passes nothing.
type RelevantStations struct {
	kind   relevanceKind
	subset map[protocol.StationId]struct{}
}

func AllStationsRelevant() RelevantStations {
	return RelevantStations{kind: relevanceAll}
}

func NoStationsRelevant() RelevantStations {
	return RelevantStations{kind: relevanceNone}
}

func StationSubset(ids map[protocol.StationId]struct{}) RelevantStations {
	return RelevantStations{kind: relevanceSubset, subset: ids}
}

func (r RelevantStations) All() bool {
	return r.kind == relevanceAll
}

func (r RelevantStations) None() bool {
	return r.kind == relevanceNone
}

func (r RelevantStations) Contains(id protocol.StationId) bool {
	switch r.kind {
	case relevanceAll:
		return true
	case relevanceSubset:
		_, ok := r.subset[id]
		return ok
	default:
		return false
	}
}

// Filter returns the changes that pass the filter, preserving order.
func (r RelevantStations) Filter(changes []protocol.StationChange) []protocol.StationChange {
	switch r.kind {
	case relevanceAll:
		return changes
	case relevanceSubset:
		return util.FilterSlice(changes, func(c protocol.StationChange) bool {
			return r.Contains(c.Station())
		})
	default:
		return nil
	}
}
