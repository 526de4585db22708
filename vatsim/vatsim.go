// vatsim/vatsim.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package vatsim reports who is connected to the VATSIM network: facility
// type parsing from callsign conventions, the public data feed, and the
// per-user connection lookup ("slurper") used at login.
package vatsim

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/MorpheusXAUT/vacs-server/protocol"
)

// FacilityType is the ATC role of a position, parsed from the callsign
// suffix per the VATSIM Global Controller Administration Policy.
type FacilityType int

const (
	FacilityUnknown FacilityType = iota
	FacilityRamp
	FacilityDelivery
	FacilityGround
	FacilityTower
	FacilityApproach
	FacilityDeparture
	FacilityEnroute
	FacilityFlightServiceStation
	FacilityRadio
	FacilityTrafficFlow
)

func (f FacilityType) String() string {
	switch f {
	case FacilityRamp:
		return "RMP"
	case FacilityDelivery:
		return "DEL"
	case FacilityGround:
		return "GND"
	case FacilityTower:
		return "TWR"
	case FacilityApproach:
		return "APP"
	case FacilityDeparture:
		return "DEP"
	case FacilityEnroute:
		return "CTR"
	case FacilityFlightServiceStation:
		return "FSS"
	case FacilityRadio:
		return "RDO"
	case FacilityTrafficFlow:
		return "FMP"
	default:
		return "UNKNOWN"
	}
}

// ParseFacilityType resolves a callsign or facility suffix to its
// FacilityType. The whole string is uppercased and only the last
// underscore-separated token is considered, so "LOWW_TWR", "twr" and
// "Tower" all parse to FacilityTower.
func ParseFacilityType(s string) (FacilityType, error) {
	suffix := strings.ToUpper(s)
	if idx := strings.LastIndexByte(suffix, '_'); idx >= 0 {
		suffix = suffix[idx+1:]
	}

	switch suffix {
	case "RMP", "RAMP":
		return FacilityRamp, nil
	case "DEL", "DELIVERY":
		return FacilityDelivery, nil
	case "GND", "GROUND":
		return FacilityGround, nil
	case "TWR", "TOWER":
		return FacilityTower, nil
	case "APP", "APPROACH":
		return FacilityApproach, nil
	case "DEP", "DEPARTURE":
		return FacilityDeparture, nil
	case "CTR", "CENTER", "ENROUTE":
		return FacilityEnroute, nil
	case "FSS", "FLIGHTSERVICESTATION":
		return FacilityFlightServiceStation, nil
	case "RDO", "RADIO":
		return FacilityRadio, nil
	case "TMU", "TRAFFICMANAGEMENTUNIT", "FMP", "FLOWMANAGEMENTPOSITION", "TRAFFICFLOW":
		return FacilityTrafficFlow, nil
	default:
		return FacilityUnknown, fmt.Errorf("%s: unknown facility type", suffix)
	}
}

// FacilityFromCallsign is ParseFacilityType with unparseable suffixes
// mapping to FacilityUnknown.
func FacilityFromCallsign(callsign string) FacilityType {
	f, err := ParseFacilityType(callsign)
	if err != nil {
		return FacilityUnknown
	}
	return f
}

// FacilityFromFeed maps the numeric facility codes of the data feed;
// codes it does not define map to FacilityUnknown.
func FacilityFromFeed(code int) FacilityType {
	switch code {
	case 1:
		return FacilityFlightServiceStation
	case 2:
		return FacilityDelivery
	case 3:
		return FacilityGround
	case 4:
		return FacilityTower
	case 5:
		return FacilityApproach
	case 6:
		return FacilityEnroute
	default:
		return FacilityUnknown
	}
}

func (f FacilityType) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *FacilityType) UnmarshalText(text []byte) error {
	parsed, err := ParseFacilityType(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ControllerInfo is one ATC connection as reported by the network.
type ControllerInfo struct {
	Cid       protocol.ClientId
	Callsign  string
	Frequency string
	Facility  FacilityType
}

func (c ControllerInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("cid", string(c.Cid)),
		slog.String("callsign", c.Callsign),
		slog.String("frequency", c.Frequency),
		slog.String("facility", c.Facility.String()))
}
