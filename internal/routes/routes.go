// Package routes loads the agency route file: which routes to monitor,
// how they are grouped into workers, and which bus stops are tracked
// checkpoints.
package routes

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode classifies a route for event filtering and output partitioning.
type Mode string

const (
	ModeRapid        Mode = "rapid"
	ModeCommuterRail Mode = "cr"
	ModeBus          Mode = "bus"
)

// busChunkSize caps how many bus routes share a single worker. Bus feeds
// carry far more vehicles per route than rail, so bus routes are split
// across workers in chunks.
const busChunkSize = 10

// File is the parsed agency route file.
type File struct {
	Timezone     string              `yaml:"timezone"`
	Rapid        []string            `yaml:"rapid"`
	CommuterRail []string            `yaml:"commuter_rail"`
	Bus          []string            `yaml:"bus"`
	Checkpoints  map[string][]string `yaml:"checkpoints"`

	checkpointSets map[string]map[string]struct{}
}

// Group is a set of routes monitored by one worker.
type Group struct {
	Name   string
	Mode   Mode
	Routes []string
}

// Load reads and validates an agency route file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading route file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing route file: %w", err)
	}
	if f.Timezone == "" {
		return nil, fmt.Errorf("route file missing timezone")
	}
	if _, err := time.LoadLocation(f.Timezone); err != nil {
		return nil, fmt.Errorf("route file timezone %q: %w", f.Timezone, err)
	}
	if len(f.Rapid)+len(f.CommuterRail)+len(f.Bus) == 0 {
		return nil, fmt.Errorf("route file lists no routes")
	}

	f.checkpointSets = make(map[string]map[string]struct{}, len(f.Checkpoints))
	for route, stops := range f.Checkpoints {
		set := make(map[string]struct{}, len(stops))
		for _, s := range stops {
			set[s] = struct{}{}
		}
		f.checkpointSets[route] = set
	}
	return &f, nil
}

// Location returns the agency time zone. Load has already validated it.
func (f *File) Location() *time.Location {
	loc, err := time.LoadLocation(f.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Groups partitions the configured routes into worker groups: one for
// rapid transit, one for commuter rail, and one per chunk of bus routes.
func (f *File) Groups() []Group {
	var groups []Group
	if len(f.Rapid) > 0 {
		groups = append(groups, Group{Name: "rapid", Mode: ModeRapid, Routes: f.Rapid})
	}
	if len(f.CommuterRail) > 0 {
		groups = append(groups, Group{Name: "cr", Mode: ModeCommuterRail, Routes: f.CommuterRail})
	}
	for i := 0; i < len(f.Bus); i += busChunkSize {
		end := min(i+busChunkSize, len(f.Bus))
		groups = append(groups, Group{
			Name:   fmt.Sprintf("bus-%d", i/busChunkSize+1),
			Mode:   ModeBus,
			Routes: f.Bus[i:end],
		})
	}
	return groups
}

// IsCheckpoint reports whether stop is a tracked checkpoint on route.
// Only bus events are filtered to checkpoints; callers should not consult
// this for rail modes.
func (f *File) IsCheckpoint(route, stop string) bool {
	set, ok := f.checkpointSets[route]
	if !ok {
		return false
	}
	_, ok = set[stop]
	return ok
}
