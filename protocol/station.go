// protocol/station.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package protocol

// StationChange reports one station's coverage transition. Exactly one of
// the three fields is set:
//
//	{"online":{"stationId":"LOWW_TWR","positionId":"LOVV_CTR"}}
//	{"handoff":{"stationId":"LOWW_TWR","fromPositionId":"LOVV_CTR","toPositionId":"LOWW_TWR"}}
//	{"offline":{"stationId":"LOWW_TWR"}}
type StationChange struct {
	Online  *StationOnline  `json:"online,omitempty"`
	Handoff *StationHandoff `json:"handoff,omitempty"`
	Offline *StationOffline `json:"offline,omitempty"`
}

type StationOnline struct {
	StationId  StationId  `json:"stationId"`
	PositionId PositionId `json:"positionId"`
}

type StationHandoff struct {
	StationId      StationId  `json:"stationId"`
	FromPositionId PositionId `json:"fromPositionId"`
	ToPositionId   PositionId `json:"toPositionId"`
}

type StationOffline struct {
	StationId StationId `json:"stationId"`
}

func MakeStationOnline(station StationId, position PositionId) StationChange {
	return StationChange{Online: &StationOnline{StationId: station, PositionId: position}}
}

func MakeStationHandoff(station StationId, from, to PositionId) StationChange {
	return StationChange{Handoff: &StationHandoff{StationId: station, FromPositionId: from, ToPositionId: to}}
}

func MakeStationOffline(station StationId) StationChange {
	return StationChange{Offline: &StationOffline{StationId: station}}
}

// Station returns the station the change applies to.
func (c StationChange) Station() StationId {
	switch {
	case c.Online != nil:
		return c.Online.StationId
	case c.Handoff != nil:
		return c.Handoff.StationId
	case c.Offline != nil:
		return c.Offline.StationId
	default:
		return ""
	}
}

func (c StationChange) String() string {
	switch {
	case c.Online != nil:
		return "online " + string(c.Online.StationId) + " by " + string(c.Online.PositionId)
	case c.Handoff != nil:
		return "handoff " + string(c.Handoff.StationId) + " " + string(c.Handoff.FromPositionId) +
			" to " + string(c.Handoff.ToPositionId)
	case c.Offline != nil:
		return "offline " + string(c.Offline.StationId)
	default:
		return "empty"
	}
}
