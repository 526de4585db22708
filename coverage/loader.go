// coverage/loader.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package coverage

import (
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/MorpheusXAUT/vacs-server/log"
	"github.com/MorpheusXAUT/vacs-server/protocol"
	"github.com/MorpheusXAUT/vacs-server/util"
	"github.com/MorpheusXAUT/vacs-server/vatsim"

	"github.com/BurntSushi/toml"
)

// Dataset files may be TOML or JSON; TOML wins if both are present.
var datasetExtensions = []string{"toml", "json"}

var frequencyRe = regexp.MustCompile(`^\d{3}\.\d{3}$`)

type stationsFile struct {
	Stations []stationDef `toml:"stations" json:"stations"`
}

type stationDef struct {
	Id           string   `toml:"id" json:"id"`
	ParentId     string   `toml:"parent_id" json:"parent_id"`
	ControlledBy []string `toml:"controlled_by" json:"controlled_by"`
}

type positionsFile struct {
	Positions []positionDef `toml:"positions" json:"positions"`
}

type positionDef struct {
	Id           string              `toml:"id" json:"id"`
	Prefixes     []string            `toml:"prefixes" json:"prefixes"`
	Frequency    string              `toml:"frequency" json:"frequency"`
	FacilityType vatsim.FacilityType `toml:"facility_type" json:"facility_type"`
	ProfileId    string              `toml:"profile_id" json:"profile_id"`
}

type profilesFile struct {
	Profiles []profileDef `toml:"profiles" json:"profiles"`
}

type profileDef struct {
	Id       string   `toml:"id" json:"id"`
	Stations []string `toml:"stations" json:"stations"`
}

// firDef is one FIR directory as read from disk, before cross-FIR
// resolution and validation.
type firDef struct {
	id        protocol.FirId
	stations  []stationDef
	positions []positionDef
	profiles  []profileDef
}

// LoadNetwork loads a coverage dataset from dir: one subdirectory per
// FIR, named by its id, each holding stations.toml and positions.toml
// plus an optional profiles.toml. Ids are uppercased on load.
// Validation errors accumulate in e; the (possibly partial) Network is
// returned regardless, so the caller must check e.HaveErrors() before
// putting it into service. Recoverable oddities in parent chains are
// only warned about via lg.
func LoadNetwork(dir string, e *util.ErrorLogger, lg *log.Logger) *Network {
	defer e.CheckDepth(e.CurrentDepth())
	e.Push("coverage dataset " + dir)
	defer e.Pop()

	entries, err := os.ReadDir(dir)
	if err != nil {
		e.Error(err)
		return NewNetwork()
	}

	var firs []firDef
	for _, entry := range entries {
		// Skip hidden directories; extracted dataset archives may carry
		// "._"-style junk.
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		firs = append(firs, loadFirDef(filepath.Join(dir, entry.Name()), entry.Name(), e))
	}

	return buildNetwork(firs, e, lg)
}

func datasetFilePath(dir, base string) (string, bool) {
	for _, ext := range datasetExtensions {
		path := filepath.Join(dir, base+"."+ext)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

func decodeDatasetFile[T any](path string, out *T) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".json") {
		return util.UnmarshalJSONBytes(b, out)
	}
	return toml.Unmarshal(b, out)
}

func loadFirDef(dir, name string, e *util.ErrorLogger) firDef {
	fir := firDef{id: protocol.MakeFirId(name)}
	e.Push("FIR " + string(fir.id))
	defer e.Pop()

	var sf stationsFile
	if path, ok := datasetFilePath(dir, "stations"); !ok {
		e.ErrorString("no stations.toml or stations.json found")
	} else if err := decodeDatasetFile(path, &sf); err != nil {
		e.ErrorString("%s: %v", filepath.Base(path), err)
	} else if len(sf.Stations) == 0 {
		e.ErrorString("%s: defines no stations", filepath.Base(path))
	} else {
		fir.stations = sf.Stations
	}

	var pf positionsFile
	if path, ok := datasetFilePath(dir, "positions"); !ok {
		e.ErrorString("no positions.toml or positions.json found")
	} else if err := decodeDatasetFile(path, &pf); err != nil {
		e.ErrorString("%s: %v", filepath.Base(path), err)
	} else if len(pf.Positions) == 0 {
		e.ErrorString("%s: defines no positions", filepath.Base(path))
	} else {
		fir.positions = pf.Positions
	}

	if path, ok := datasetFilePath(dir, "profiles"); ok {
		var prf profilesFile
		if err := decodeDatasetFile(path, &prf); err != nil {
			e.ErrorString("%s: %v", filepath.Base(path), err)
		} else {
			fir.profiles = prf.Profiles
		}
	}

	return fir
}

func buildNetwork(firs []firDef, e *util.ErrorLogger, lg *log.Logger) *Network {
	n := NewNetwork()

	// Parent chains, controlled_by lists, and profiles may reference
	// entries of a neighboring FIR, so resolution and reference
	// validation work against the combined dataset.
	allStations := make(map[protocol.StationId]stationDef)
	allPositionIds := make(map[protocol.PositionId]struct{})
	allProfileIds := make(map[protocol.ProfileId]struct{})
	for _, fir := range firs {
		for _, s := range fir.stations {
			id := protocol.MakeStationId(s.Id)
			if _, ok := allStations[id]; !ok {
				allStations[id] = s
			}
		}
		for _, p := range fir.positions {
			allPositionIds[protocol.MakePositionId(p.Id)] = struct{}{}
		}
		for _, p := range fir.profiles {
			allProfileIds[protocol.MakeProfileId(p.Id)] = struct{}{}
		}
	}

	for _, fir := range firs {
		e.Push("FIR " + string(fir.id))

		if _, ok := n.firs[fir.id]; ok {
			e.ErrorString("duplicate FIR id")
			e.Pop()
			continue
		}
		f := &Fir{Id: fir.id}

		for _, def := range fir.stations {
			e.Push("station " + def.Id)
			if station := buildStation(def, fir.id, allStations, allPositionIds, e, lg); station != nil {
				if _, ok := n.stations[station.Id]; ok {
					e.ErrorString("duplicate station id")
				} else {
					n.stations[station.Id] = station
					f.Stations = append(f.Stations, station.Id)
				}
			}
			e.Pop()
		}

		for _, def := range fir.positions {
			e.Push("position " + def.Id)
			if position := buildPosition(def, fir.id, allProfileIds, e); position != nil {
				if _, ok := n.positions[position.Id]; ok {
					e.ErrorString("duplicate position id")
				} else {
					n.positions[position.Id] = position
					f.Positions = append(f.Positions, position.Id)
				}
			}
			e.Pop()
		}

		for _, def := range fir.profiles {
			e.Push("profile " + def.Id)
			if profile := buildProfile(def, allStations, e); profile != nil {
				if _, ok := n.profiles[profile.Id]; ok {
					e.ErrorString("duplicate profile id")
				} else {
					n.profiles[profile.Id] = profile
				}
			}
			e.Pop()
		}

		slices.Sort(f.Stations)
		slices.Sort(f.Positions)
		n.firs[fir.id] = f
		e.Pop()
	}

	n.stationIds = util.SortedMapKeys(n.stations)
	n.positionIds = util.SortedMapKeys(n.positions)
	return n
}

func buildStation(def stationDef, firId protocol.FirId, all map[protocol.StationId]stationDef,
	positions map[protocol.PositionId]struct{}, e *util.ErrorLogger, lg *log.Logger) *Station {
	if def.Id == "" {
		e.ErrorString("station id must not be empty")
		return nil
	}

	// Explicit controlled_by entries must name defined positions. Ids
	// pulled in implicitly during chain resolution are exempt: a parent
	// station's id often has no position of its own.
	for _, ref := range def.ControlledBy {
		if _, ok := positions[protocol.MakePositionId(ref)]; !ok {
			e.ErrorString("controlled_by references undefined position %q", ref)
		}
	}

	s := &Station{
		Id:           protocol.MakeStationId(def.Id),
		ParentId:     protocol.MakeStationId(def.ParentId),
		ControlledBy: resolveControlledBy(def, all, lg),
		FirId:        firId,
	}
	if len(s.ControlledBy) == 0 {
		e.ErrorString("station has no controlling positions")
	}
	return s
}

// resolveControlledBy flattens a station's parent chain into its
// controller priority list: the station's own id, its controlled_by
// entries, then for each ancestor in turn the ancestor's id followed by
// its controlled_by entries, deduplicated in first-seen order. A broken
// chain (cycle or undefined parent) ends the walk with a warning; the
// entries collected up to that point stand.
func resolveControlledBy(def stationDef, all map[protocol.StationId]stationDef, lg *log.Logger) []protocol.PositionId {
	var out []protocol.PositionId
	seen := make(map[protocol.PositionId]struct{})
	add := func(id protocol.PositionId) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	add(protocol.MakePositionId(def.Id))
	for _, ref := range def.ControlledBy {
		add(protocol.MakePositionId(ref))
	}

	visited := map[protocol.StationId]struct{}{protocol.MakeStationId(def.Id): {}}
	current := def
	for current.ParentId != "" {
		parentId := protocol.MakeStationId(current.ParentId)
		if _, ok := visited[parentId]; ok {
			lg.Warnf("station %s: cycle in parent chain at %s", def.Id, parentId)
			break
		}
		visited[parentId] = struct{}{}

		parent, ok := all[parentId]
		if !ok {
			lg.Warnf("station %s: parent station %s is not defined", def.Id, parentId)
			break
		}

		add(protocol.PositionId(parentId))
		for _, ref := range parent.ControlledBy {
			add(protocol.MakePositionId(ref))
		}
		current = parent
	}

	return out
}

func buildPosition(def positionDef, firId protocol.FirId, profiles map[protocol.ProfileId]struct{},
	e *util.ErrorLogger) *Position {
	if def.Id == "" {
		e.ErrorString("position id must not be empty")
		return nil
	}
	if len(def.Prefixes) == 0 {
		e.ErrorString("position must define at least one callsign prefix")
	} else if slices.Contains(def.Prefixes, "") {
		e.ErrorString("callsign prefixes must not be empty")
	}
	if !frequencyRe.MatchString(def.Frequency) {
		e.ErrorString("invalid frequency %q; expected a ddd.ddd value", def.Frequency)
	}
	if def.FacilityType == vatsim.FacilityUnknown {
		e.ErrorString("facility_type must be set")
	}
	if def.ProfileId != "" {
		if _, ok := profiles[protocol.MakeProfileId(def.ProfileId)]; !ok {
			e.ErrorString("profile_id references undefined profile %q", def.ProfileId)
		}
	}

	return &Position{
		Id:        protocol.MakePositionId(def.Id),
		Prefixes:  slices.Clone(def.Prefixes),
		Frequency: def.Frequency,
		Facility:  def.FacilityType,
		ProfileId: protocol.MakeProfileId(def.ProfileId),
		FirId:     firId,
	}
}

func buildProfile(def profileDef, stations map[protocol.StationId]stationDef, e *util.ErrorLogger) *Profile {
	if def.Id == "" {
		e.ErrorString("profile id must not be empty")
		return nil
	}

	p := &Profile{
		Id:       protocol.MakeProfileId(def.Id),
		Stations: make(map[protocol.StationId]struct{}),
	}
	for _, ref := range def.Stations {
		id := protocol.MakeStationId(ref)
		if _, ok := stations[id]; !ok {
			e.ErrorString("references undefined station %q", ref)
			continue
		}
		p.Stations[id] = struct{}{}
	}
	return p
}
