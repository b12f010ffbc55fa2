package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	BackendsChanged bool
	BackendChanges  []BackendDiff // sorted by name

	DefaultBackendChanged bool
	NewDefaultBackend     string
}

// BackendDiff describes what changed for a single backend entry.
type BackendDiff struct {
	Name     string
	Added    bool
	Removed  bool
	Modified bool
}

// Empty reports whether nothing reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.BackendsChanged && !d.DefaultBackendChanged
}

// Diff compares old and new configs and returns what changed. Sessions that
// are already running keep the backend they started with.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Bridge.DefaultBackend != new.Bridge.DefaultBackend {
		d.DefaultBackendChanged = true
		d.NewDefaultBackend = new.Bridge.DefaultBackend
	}

	oldBackends := make(map[string]*BackendEntry, len(old.Backends))
	for i := range old.Backends {
		oldBackends[old.Backends[i].Name] = &old.Backends[i]
	}
	newBackends := make(map[string]*BackendEntry, len(new.Backends))
	for i := range new.Backends {
		newBackends[new.Backends[i].Name] = &new.Backends[i]
	}

	for name, ob := range oldBackends {
		nb, ok := newBackends[name]
		switch {
		case !ok:
			d.BackendChanges = append(d.BackendChanges, BackendDiff{Name: name, Removed: true})
		case !reflect.DeepEqual(ob, nb):
			d.BackendChanges = append(d.BackendChanges, BackendDiff{Name: name, Modified: true})
		}
	}
	for name := range newBackends {
		if _, ok := oldBackends[name]; !ok {
			d.BackendChanges = append(d.BackendChanges, BackendDiff{Name: name, Added: true})
		}
	}
	slices.SortFunc(d.BackendChanges, func(a, b BackendDiff) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	d.BackendsChanged = len(d.BackendChanges) > 0
	return d
}
