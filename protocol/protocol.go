// protocol/protocol.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package protocol defines the JSON messages exchanged between vacs
// clients and the server over the websocket connection, along with the
// identifier types shared across the codebase.
package protocol

import (
	"strings"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"
)

// Version is the protocol version spoken by this server. Clients report
// theirs at login; only matching major versions are accepted.
//
// Version history:
// 1.0.0: initial release: login, client list, direct calls, webrtc relay
// 1.1.0: station coverage tracking and stationChanges broadcasts
// 1.2.0: profiles, filtered station updates, callCancelled reasons
// 2.0.0: externally tagged call targets, call priority flag, structured
// call sources, disconnect reasons
const Version = "2.0.0"

// CompatibleVersion reports whether a client-supplied protocol version
// can talk to this server: it must parse as semver and match our major
// version.
func CompatibleVersion(version string) bool {
	v := "v" + strings.TrimPrefix(version, "v")
	if !semver.IsValid(v) {
		return false
	}
	return semver.Major(v) == semver.Major("v"+Version)
}

// ClientId identifies a connected client (its VATSIM CID). Unlike the
// other identifiers it is not case-normalized.
type ClientId string

// PositionId identifies a controllable radio position.
type PositionId string

// StationId identifies a coverable ATC station.
type StationId string

// ProfileId identifies a direct-access profile.
type ProfileId string

// FirId identifies a flight information region.
type FirId string

// MakePositionId normalizes id to the canonical uppercase form.
func MakePositionId(id string) PositionId {
	return PositionId(strings.ToUpper(id))
}

// MakeStationId normalizes id to the canonical uppercase form.
func MakeStationId(id string) StationId {
	return StationId(strings.ToUpper(id))
}

// MakeProfileId normalizes id to the canonical uppercase form.
func MakeProfileId(id string) ProfileId {
	return ProfileId(strings.ToUpper(id))
}

// MakeFirId normalizes id to the canonical uppercase form.
func MakeFirId(id string) FirId {
	return FirId(strings.ToUpper(id))
}

// CallId identifies one call attempt. Ids are UUIDv7 so they sort by
// creation time.
type CallId uuid.UUID

func NewCallId() CallId {
	return CallId(uuid.Must(uuid.NewV7()))
}

func (id CallId) String() string {
	return uuid.UUID(id).String()
}

func (id CallId) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id CallId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *CallId) UnmarshalText(text []byte) error {
	u, err := uuid.ParseBytes(text)
	if err != nil {
		return err
	}
	*id = CallId(u)
	return nil
}
