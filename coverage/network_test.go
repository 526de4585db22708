// coverage/network_test.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package coverage

import (
	"reflect"
	"testing"

	"github.com/MorpheusXAUT/vacs-server/protocol"
	"github.com/MorpheusXAUT/vacs-server/vatsim"
)

func online(ids ...protocol.PositionId) map[protocol.PositionId]struct{} {
	m := make(map[protocol.PositionId]struct{})
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func TestControllingPosition(t *testing.T) {
	n := extendedNetwork(t)

	for _, test := range []struct {
		name    string
		station protocol.StationId
		online  map[protocol.PositionId]struct{}
		want    protocol.PositionId
	}{
		{name: "nobody online", station: "LOWW_DEL", online: online(), want: ""},
		{name: "own position", station: "LOWW_DEL", online: online("LOWW_DEL"), want: "LOWW_DEL"},
		{name: "own position beats parent", station: "LOWW_DEL",
			online: online("LOWW_GND", "LOWW_DEL"), want: "LOWW_DEL"},
		{name: "closest parent wins", station: "LOWW_DEL",
			online: online("LOVV_CTR", "LOWW_GND"), want: "LOWW_GND"},
		{name: "chain order breaks enroute tie", station: "LOWW_DEL",
			online: online("LOVV_E_CTR", "LOVV_CTR"), want: "LOVV_E_CTR"},
		{name: "topmost fallback", station: "LOWW_DEL", online: online("LOVV_CTR"), want: "LOVV_CTR"},
		{name: "tower does not cover approach", station: "LOWW_APP",
			online: online("LOWW_TWR"), want: ""},
		{name: "unknown station", station: "LKAA_CTR", online: online("LOVV_CTR"), want: ""},
		{name: "undefined online id skipped", station: "LOVV_E2",
			online: online("LOVV_E2", "LOVV_E_CTR"), want: "LOVV_E_CTR"},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := n.ControllingPosition(test.station, test.online)
			if test.want == "" {
				if p != nil {
					t.Errorf("got %v, expected no controller", p.Id)
				}
			} else if p == nil {
				t.Errorf("got no controller, expected %v", test.want)
			} else if p.Id != test.want {
				t.Errorf("got %v, expected %v", p.Id, test.want)
			}
		})
	}
}

func TestCoverageDiff(t *testing.T) {
	n := extendedNetwork(t)

	for _, test := range []struct {
		name   string
		before map[protocol.PositionId]struct{}
		after  map[protocol.PositionId]struct{}
		want   []protocol.StationChange
	}{
		{name: "first enroute online",
			before: online(),
			after:  online("LOVV_CTR"),
			want: []protocol.StationChange{
				protocol.MakeStationOnline("LOVV_E1", "LOVV_CTR"),
				protocol.MakeStationOnline("LOVV_E2", "LOVV_CTR"),
				protocol.MakeStationOnline("LOWW_APP", "LOVV_CTR"),
				protocol.MakeStationOnline("LOWW_DEL", "LOVV_CTR"),
				protocol.MakeStationOnline("LOWW_E_TWR", "LOVV_CTR"),
				protocol.MakeStationOnline("LOWW_GND", "LOVV_CTR"),
				protocol.MakeStationOnline("LOWW_TWR", "LOVV_CTR"),
				protocol.MakeStationOnline("LOWW_W_GND", "LOVV_CTR"),
			}},
		{name: "tower takes its tree from enroute",
			before: online("LOVV_CTR"),
			after:  online("LOVV_CTR", "LOWW_TWR"),
			want: []protocol.StationChange{
				protocol.MakeStationHandoff("LOWW_DEL", "LOVV_CTR", "LOWW_TWR"),
				protocol.MakeStationHandoff("LOWW_E_TWR", "LOVV_CTR", "LOWW_TWR"),
				protocol.MakeStationHandoff("LOWW_GND", "LOVV_CTR", "LOWW_TWR"),
				protocol.MakeStationHandoff("LOWW_TWR", "LOVV_CTR", "LOWW_TWR"),
				protocol.MakeStationHandoff("LOWW_W_GND", "LOVV_CTR", "LOWW_TWR"),
			}},
		{name: "enroute offline leaves tower coverage",
			before: online("LOVV_CTR", "LOWW_TWR"),
			after:  online("LOWW_TWR"),
			want: []protocol.StationChange{
				protocol.MakeStationOffline("LOVV_E1"),
				protocol.MakeStationOffline("LOVV_E2"),
				protocol.MakeStationOffline("LOWW_APP"),
			}},
		{name: "no change",
			before: online("LOVV_CTR"),
			after:  online("LOVV_CTR"),
			want:   nil},
		{name: "both empty",
			before: online(),
			after:  online(),
			want:   nil},
	} {
		t.Run(test.name, func(t *testing.T) {
			got := n.CoverageDiff(test.before, test.after)
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("got %v, expected %v", got, test.want)
			}
		})
	}
}

func TestCoverageChanges(t *testing.T) {
	n := extendedNetwork(t)

	for _, test := range []struct {
		name   string
		from   protocol.PositionId
		to     protocol.PositionId
		online map[protocol.PositionId]struct{}
		want   []protocol.StationChange
	}{
		{name: "delivery signs on under enroute",
			to:     "LOWW_DEL",
			online: online("LOVV_CTR"),
			want: []protocol.StationChange{
				protocol.MakeStationHandoff("LOWW_DEL", "LOVV_CTR", "LOWW_DEL"),
			}},
		{name: "already online is a no-op",
			to:     "LOWW_DEL",
			online: online("LOVV_CTR", "LOWW_DEL"),
			want:   nil},
		{name: "offline while not online is a no-op",
			from:   "LOVV_CTR",
			online: online(),
			want:   nil},
		{name: "handoff between ground positions",
			from:   "LOWW_GND",
			to:     "LOWW_W_GND",
			online: online("LOWW_GND"),
			want: []protocol.StationChange{
				protocol.MakeStationHandoff("LOWW_DEL", "LOWW_GND", "LOWW_W_GND"),
				protocol.MakeStationHandoff("LOWW_GND", "LOWW_GND", "LOWW_W_GND"),
				protocol.MakeStationHandoff("LOWW_W_GND", "LOWW_GND", "LOWW_W_GND"),
			}},
		{name: "position outside the dataset covers nothing",
			to:     "EDMM_RDG_CTR",
			online: online("LOVV_CTR"),
			want:   nil},
		{name: "same position already online",
			from:   "LOWW_TWR",
			to:     "LOWW_TWR",
			online: online("LOWW_TWR"),
			want:   nil},
		{name: "same position freshly online",
			from:   "LOWW_TWR",
			to:     "LOWW_TWR",
			online: online(),
			want: []protocol.StationChange{
				protocol.MakeStationOnline("LOWW_DEL", "LOWW_TWR"),
				protocol.MakeStationOnline("LOWW_E_TWR", "LOWW_TWR"),
				protocol.MakeStationOnline("LOWW_GND", "LOWW_TWR"),
				protocol.MakeStationOnline("LOWW_TWR", "LOWW_TWR"),
				protocol.MakeStationOnline("LOWW_W_GND", "LOWW_TWR"),
			}},
		{name: "first tower online",
			to:     "LOWW_TWR",
			online: online(),
			want: []protocol.StationChange{
				protocol.MakeStationOnline("LOWW_DEL", "LOWW_TWR"),
				protocol.MakeStationOnline("LOWW_E_TWR", "LOWW_TWR"),
				protocol.MakeStationOnline("LOWW_GND", "LOWW_TWR"),
				protocol.MakeStationOnline("LOWW_TWR", "LOWW_TWR"),
				protocol.MakeStationOnline("LOWW_W_GND", "LOWW_TWR"),
			}},
		{name: "last tower offline",
			from:   "LOWW_TWR",
			online: online("LOWW_TWR"),
			want: []protocol.StationChange{
				protocol.MakeStationOffline("LOWW_DEL"),
				protocol.MakeStationOffline("LOWW_E_TWR"),
				protocol.MakeStationOffline("LOWW_GND"),
				protocol.MakeStationOffline("LOWW_TWR"),
				protocol.MakeStationOffline("LOWW_W_GND"),
			}},
	} {
		t.Run(test.name, func(t *testing.T) {
			got := n.CoverageChanges(test.from, test.to, test.online)
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("got %v, expected %v", got, test.want)
			}
		})
	}
}

func TestCoverageChangesDoesNotMutateOnline(t *testing.T) {
	n := extendedNetwork(t)
	o := online("LOVV_CTR")
	n.CoverageChanges("LOVV_CTR", "LOWW_TWR", o)
	if !reflect.DeepEqual(o, online("LOVV_CTR")) {
		t.Errorf("online set was mutated: %v", o)
	}
}

func TestFindPositions(t *testing.T) {
	ids := func(positions []*Position) []protocol.PositionId {
		var ids []protocol.PositionId
		for _, p := range positions {
			ids = append(ids, p.Id)
		}
		return ids
	}

	// Two FIRs whose enroute positions share a frequency, so the
	// callsign has to disambiguate.
	shared := loadTestNetwork(t, map[string]map[string]string{
		"lovv": minimalFirFiles("LOVV"),
		"edmm": minimalFirFiles("EDMM"),
	})

	for _, test := range []struct {
		name      string
		callsign  string
		frequency string
		facility  vatsim.FacilityType
		want      []protocol.PositionId
	}{
		{name: "exact callsign", callsign: "LOVV_CTR", frequency: "199.998",
			facility: vatsim.FacilityEnroute, want: []protocol.PositionId{"LOVV_CTR"}},
		{name: "relief callsign", callsign: "LOVV__CTR", frequency: "199.998",
			facility: vatsim.FacilityEnroute, want: []protocol.PositionId{"LOVV_CTR"}},
		{name: "lowercase callsign", callsign: "lovv_ctr", frequency: "199.998",
			facility: vatsim.FacilityEnroute, want: []protocol.PositionId{"LOVV_CTR"}},
		{name: "prefix match", callsign: "LOVV_N_CTR", frequency: "199.998",
			facility: vatsim.FacilityEnroute, want: []protocol.PositionId{"LOVV_CTR"}},
		{name: "prefix matches neither", callsign: "EDUU_CTR", frequency: "199.998",
			facility: vatsim.FacilityEnroute, want: nil},
		{name: "frequency mismatch", callsign: "LOVV_CTR", frequency: "120.000",
			facility: vatsim.FacilityEnroute, want: nil},
		{name: "facility mismatch", callsign: "LOVV_CTR", frequency: "199.998",
			facility: vatsim.FacilityTower, want: nil},
	} {
		t.Run(test.name, func(t *testing.T) {
			got := ids(shared.FindPositions(test.callsign, test.frequency, test.facility))
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("got %v, expected %v", got, test.want)
			}
		})
	}

	// A unique frequency and facility pair resolves regardless of the
	// callsign.
	single := loadTestNetwork(t, map[string]map[string]string{"edmm": minimalFirFiles("EDMM")})
	if got := ids(single.FindPositions("LOVV_CTR", "199.998", vatsim.FacilityEnroute)); !reflect.DeepEqual(got, []protocol.PositionId{"EDMM_CTR"}) {
		t.Errorf("got %v, expected [EDMM_CTR]", got)
	}

	extended := extendedNetwork(t)
	if got := ids(extended.FindPositions("LOWW_ADC", "119.400", vatsim.FacilityTower)); !reflect.DeepEqual(got, []protocol.PositionId{"LOWW_TWR"}) {
		t.Errorf("got %v, expected [LOWW_TWR]", got)
	}
}

func TestCoveredStations(t *testing.T) {
	n := extendedNetwork(t)

	type covered struct {
		station  protocol.StationId
		position protocol.PositionId
		self     bool
	}
	flatten := func(cs []CoveredStation) []covered {
		var out []covered
		for _, c := range cs {
			out = append(out, covered{station: c.Station.Id, position: c.Position.Id, self: c.Self})
		}
		return out
	}

	got := flatten(n.CoveredStations("LOWW_TWR", online("LOVV_CTR", "LOWW_TWR")))
	want := []covered{
		{station: "LOVV_E1", position: "LOVV_CTR"},
		{station: "LOVV_E2", position: "LOVV_CTR"},
		{station: "LOWW_APP", position: "LOVV_CTR"},
		{station: "LOWW_DEL", position: "LOWW_TWR", self: true},
		{station: "LOWW_E_TWR", position: "LOWW_TWR", self: true},
		{station: "LOWW_GND", position: "LOWW_TWR", self: true},
		{station: "LOWW_TWR", position: "LOWW_TWR", self: true},
		{station: "LOWW_W_GND", position: "LOWW_TWR", self: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, expected %v", got, want)
	}

	// Without a position of its own nothing is marked self.
	for _, c := range n.CoveredStations("", online("LOVV_CTR", "LOWW_TWR")) {
		if c.Self {
			t.Errorf("%s: unexpectedly marked self", c.Station.Id)
		}
	}

	if cs := n.CoveredStations("LOWW_TWR", online()); len(cs) != 0 {
		t.Errorf("got %d covered stations with nobody online, expected none", len(cs))
	}
}

func TestRelevantStations(t *testing.T) {
	n := extendedNetwork(t)

	changes := []protocol.StationChange{
		protocol.MakeStationOnline("LOVV_E1", "LOVV_CTR"),
		protocol.MakeStationOnline("LOWW_TWR", "LOWW_TWR"),
		protocol.MakeStationOffline("LKAA_CTR"),
	}

	t.Run("specific profile", func(t *testing.T) {
		r := n.RelevantStations(protocol.SpecificProfile(&protocol.Profile{Id: "LOVV_ALL"}))
		if r.All() || r.None() {
			t.Error("expected a station subset")
		}
		if !r.Contains("LOVV_E1") || r.Contains("LOWW_TWR") {
			t.Error("subset does not match the profile's stations")
		}
		want := []protocol.StationChange{protocol.MakeStationOnline("LOVV_E1", "LOVV_CTR")}
		if got := r.Filter(changes); !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, expected %v", got, want)
		}
	})

	t.Run("unknown specific profile", func(t *testing.T) {
		r := n.RelevantStations(protocol.SpecificProfile(&protocol.Profile{Id: "GONE"}))
		if !r.None() {
			t.Error("expected no relevant stations for an unknown profile")
		}
		if got := r.Filter(changes); got != nil {
			t.Errorf("got %v, expected nothing", got)
		}
	})

	t.Run("custom profile", func(t *testing.T) {
		r := n.RelevantStations(protocol.CustomProfile())
		if !r.All() {
			t.Error("expected all stations to be relevant")
		}
		if !r.Contains("ANYTHING") {
			t.Error("custom profile must pass any station")
		}
		if got := r.Filter(changes); !reflect.DeepEqual(got, changes) {
			t.Errorf("got %v, expected all changes", got)
		}
	})

	t.Run("no profile", func(t *testing.T) {
		r := n.RelevantStations(protocol.NoProfile())
		if !r.None() {
			t.Error("expected no relevant stations")
		}
		if got := r.Filter(changes); got != nil {
			t.Errorf("got %v, expected nothing", got)
		}
	})

	t.Run("zero value", func(t *testing.T) {
		var r RelevantStations
		if !r.None() || r.Contains("LOVV_E1") {
			t.Error("zero value must pass nothing")
		}
	})
}
