// protocol/profile.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package protocol

import (
	"encoding/json"
	"fmt"
)

// Profile is a named set of stations a client considers relevant; station
// updates sent to the client are filtered down to this set.
type Profile struct {
	Id       ProfileId   `json:"id"`
	Stations []StationId `json:"stations"`
}

type ProfileKind string

const (
	ProfileSpecific ProfileKind = "specific"
	ProfileCustom   ProfileKind = "custom"
	ProfileNone     ProfileKind = "none"
)

// ActiveProfile is a session's profile selection. Profile is set for
// ProfileSpecific and carries the full profile definition on the wire.
//
// With ProfileCustom the client manages its own relevant set and receives
// all station updates; with ProfileNone it receives none.
type ActiveProfile struct {
	Kind    ProfileKind
	Profile *Profile
}

func SpecificProfile(p *Profile) ActiveProfile {
	return ActiveProfile{Kind: ProfileSpecific, Profile: p}
}

func CustomProfile() ActiveProfile {
	return ActiveProfile{Kind: ProfileCustom}
}

func NoProfile() ActiveProfile {
	return ActiveProfile{Kind: ProfileNone}
}

// ProfileId returns the id of the selected profile, or "" when no
// specific profile is active.
func (p ActiveProfile) ProfileId() ProfileId {
	if p.Kind == ProfileSpecific && p.Profile != nil {
		return p.Profile.Id
	}
	return ""
}

func (p ActiveProfile) MarshalJSON() ([]byte, error) {
	kind := p.Kind
	if kind == "" {
		kind = ProfileNone
	}
	aux := struct {
		Type    ProfileKind `json:"type"`
		Profile *Profile    `json:"profile,omitempty"`
	}{kind, p.Profile}
	return json.Marshal(aux)
}

func (p *ActiveProfile) UnmarshalJSON(b []byte) error {
	var aux struct {
		Type    ProfileKind `json:"type"`
		Profile *Profile    `json:"profile"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	switch aux.Type {
	case ProfileSpecific:
		if aux.Profile == nil {
			return fmt.Errorf("specific profile selection without profile")
		}
	case ProfileCustom, ProfileNone:
		aux.Profile = nil
	default:
		return fmt.Errorf("%s: unknown profile type", aux.Type)
	}

	p.Kind = aux.Type
	p.Profile = aux.Profile
	return nil
}

// SessionProfile is the profile part of a sessionInfo message; an
// unchanged marker lets the server push client info updates without
// resending the profile.
type SessionProfile struct {
	Changed bool
	Profile ActiveProfile
}

func UnchangedProfile() SessionProfile {
	return SessionProfile{}
}

func ChangedProfile(p ActiveProfile) SessionProfile {
	return SessionProfile{Changed: true, Profile: p}
}

func (s SessionProfile) MarshalJSON() ([]byte, error) {
	if !s.Changed {
		return []byte(`{"type":"unchanged"}`), nil
	}
	aux := struct {
		Type          string        `json:"type"`
		ActiveProfile ActiveProfile `json:"activeProfile"`
	}{"changed", s.Profile}
	return json.Marshal(aux)
}

func (s *SessionProfile) UnmarshalJSON(b []byte) error {
	var aux struct {
		Type          string          `json:"type"`
		ActiveProfile json.RawMessage `json:"activeProfile"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	switch aux.Type {
	case "unchanged":
		*s = SessionProfile{}
		return nil
	case "changed":
		var p ActiveProfile
		if err := json.Unmarshal(aux.ActiveProfile, &p); err != nil {
			return err
		}
		*s = ChangedProfile(p)
		return nil
	default:
		return fmt.Errorf("%s: unknown session profile type", aux.Type)
	}
}
