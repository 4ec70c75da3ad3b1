package unitd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tuxdude/zzzlogi"
	"gopkg.in/yaml.v2"
)

// File extension of unit declaration files.
const unitFileExt = ".unit"

// UnitDecl is the on-disk declaration of a single unit, one YAML
// document per file. Exactly one of Service, Socket or Target must be
// present.
type UnitDecl struct {
	// Name of the unit. Unique across the loaded set.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Names of units this unit is ordered after/before.
	After  []string `yaml:"after"`
	Before []string `yaml:"before"`
	// Names of units that require this unit to keep running; they are
	// stopped when this unit's service exits without keep-alive.
	RequiredBy []string `yaml:"required-by"`

	Service *ServiceConfig `yaml:"service"`
	Socket  *SocketConfig  `yaml:"socket"`
	Target  *struct{}      `yaml:"target"`
}

// loadUnitDir reads and parses every *.unit file in dir, in file name
// order so that id assignment is deterministic.
func loadUnitDir(log zzzlogi.Logger, dir string) ([]UnitDecl, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read unit directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), unitFileExt) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var decls []UnitDecl
	for _, fname := range names {
		path := filepath.Join(dir, fname)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read unit file %s: %w", path, err)
		}
		var decl UnitDecl
		if err := yaml.UnmarshalStrict(data, &decl); err != nil {
			return nil, fmt.Errorf("failed to parse unit file %s: %w", path, err)
		}
		log.Debugf("Loaded unit file: %s (unit: %s)", path, decl.Name)
		decls = append(decls, decl)
	}
	return decls, nil
}

// buildRegistry turns a set of unit declarations into the unit
// registry: ids are assigned monotonically, name references are
// resolved, and the ordering edges are symmetrized so the activator
// only ever has to look at a unit's own sets. Dependency cycles are
// not detected here; a cyclic subgraph simply never activates.
func buildRegistry(decls []UnitDecl) (*unitRegistry, error) {
	ids := make(map[string]UnitID, len(decls))
	units := make([]*unit, 0, len(decls))

	nextID := UnitID(1)
	for i := range decls {
		decl := &decls[i]
		if decl.Name == "" {
			return nil, fmt.Errorf("unit declaration %d has no name", i)
		}
		if _, dup := ids[decl.Name]; dup {
			return nil, fmt.Errorf("duplicate unit name %q", decl.Name)
		}
		count := 0
		for _, present := range []bool{decl.Service != nil, decl.Socket != nil, decl.Target != nil} {
			if present {
				count++
			}
		}
		if count != 1 {
			return nil, fmt.Errorf("unit %q must declare exactly one of service, socket, target", decl.Name)
		}

		u := &unit{
			id: nextID,
			conf: unitConf{
				name:        decl.Name,
				description: decl.Description,
			},
			install: install{
				after:               newIDSet(),
				before:              newIDSet(),
				requiredBy:          newIDSet(),
				neededForActivation: newIDSet(),
			},
		}
		switch {
		case decl.Service != nil:
			u.service = newService(*decl.Service)
		case decl.Socket != nil:
			u.socket = newSocketUnit(*decl.Socket)
		case decl.Target != nil:
			u.target = &targetUnit{}
		}
		ids[decl.Name] = nextID
		units = append(units, u)
		nextID++
	}

	resolve := func(owner string, refs []string) ([]UnitID, error) {
		out := make([]UnitID, 0, len(refs))
		for _, ref := range refs {
			id, ok := ids[ref]
			if !ok {
				return nil, fmt.Errorf("unit %q references unknown unit %q", owner, ref)
			}
			out = append(out, id)
		}
		return out, nil
	}

	for i := range decls {
		decl := &decls[i]
		u := units[i]

		after, err := resolve(decl.Name, decl.After)
		if err != nil {
			return nil, err
		}
		for _, dep := range after {
			u.install.after[dep] = struct{}{}
			units[dep-1].install.before[u.id] = struct{}{}
		}

		before, err := resolve(decl.Name, decl.Before)
		if err != nil {
			return nil, err
		}
		for _, succ := range before {
			u.install.before[succ] = struct{}{}
			units[succ-1].install.after[u.id] = struct{}{}
		}

		requiredBy, err := resolve(decl.Name, decl.RequiredBy)
		if err != nil {
			return nil, err
		}
		for _, req := range requiredBy {
			u.install.requiredBy[req] = struct{}{}
		}

		// A service is ordered after its socket units and needs their
		// runtime state (the parked fds) while activating.
		if u.service != nil {
			socketIDs, err := resolve(decl.Name, u.service.conf.Sockets)
			if err != nil {
				return nil, err
			}
			for _, sockID := range socketIDs {
				if units[sockID-1].socket == nil {
					return nil, fmt.Errorf(
						"unit %q lists %q as a socket, but it is not a socket unit",
						decl.Name, units[sockID-1].conf.name)
				}
				u.install.after[sockID] = struct{}{}
				u.install.neededForActivation[sockID] = struct{}{}
				units[sockID-1].install.before[u.id] = struct{}{}
			}
		}
	}

	registry := newUnitRegistry()
	for _, u := range units {
		registry.insert(u)
	}
	return registry, nil
}
