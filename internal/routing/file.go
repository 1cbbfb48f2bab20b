package routing

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"data-router/internal/common/errors"
	"data-router/internal/connectors"
)

// ConnectorConfig declares a join connector in a route file
type ConnectorConfig struct {
	// Type is "static" or "file"
	Type string                   `json:"type" yaml:"type"`
	Rows []map[string]interface{} `json:"rows,omitempty" yaml:"rows,omitempty"`
	Path string                   `json:"path,omitempty" yaml:"path,omitempty"`
}

// RouteFile is the on-disk shape read by the route runner: one route, its
// destination catalog and the connectors its joins reference. JSON files
// parse too, since YAML is a superset.
type RouteFile struct {
	Route        Route                      `json:"route" yaml:"route"`
	Destinations []DestinationConfig        `json:"destinations" yaml:"destinations"`
	Connectors   map[string]ConnectorConfig `json:"connectors,omitempty" yaml:"connectors,omitempty"`
}

// ReadRouteFile reads and parses path
func ReadRouteFile(path string) (*RouteFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route file %s: %w", path, err)
	}
	return ParseRouteFile(data)
}

// ParseRouteFile parses a YAML or JSON route file
func ParseRouteFile(data []byte) (*RouteFile, error) {
	var f RouteFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.ConfigError("invalid route file", err)
	}
	if f.Route.ID == "" {
		return nil, errors.ConfigError("route file has no route.id", nil)
	}
	if err := requireEnabled(data); err != nil {
		return nil, err
	}
	return &f, nil
}

type enabledFlag struct {
	ID      string `yaml:"id"`
	Enabled *bool  `yaml:"enabled"`
}

// requireEnabled rejects a route, rule or destination that leaves out
// enabled, so an omitted key never silently disables it
func requireEnabled(data []byte) error {
	var flags struct {
		Route struct {
			Enabled *bool         `yaml:"enabled"`
			Rules   []enabledFlag `yaml:"rules"`
		} `yaml:"route"`
		Destinations []enabledFlag `yaml:"destinations"`
	}
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return errors.ConfigError("invalid route file", err)
	}

	if flags.Route.Enabled == nil {
		return errors.ConfigError("route.enabled is required", nil)
	}
	for _, r := range flags.Route.Rules {
		if r.Enabled == nil {
			return errors.ConfigError(fmt.Sprintf("rule %q: enabled is required", r.ID), nil)
		}
	}
	for _, d := range flags.Destinations {
		if d.Enabled == nil {
			return errors.ConfigError(fmt.Sprintf("destination %q: enabled is required", d.ID), nil)
		}
	}
	return nil
}

// BuildConnectors registers the declared connectors
func (f *RouteFile) BuildConnectors() (*connectors.Registry, error) {
	reg := connectors.NewRegistry()

	ids := make([]string, 0, len(f.Connectors))
	for id := range f.Connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := f.Connectors[id]
		switch c.Type {
		case "", "static":
			reg.Register(id, connectors.NewStatic(c.Rows))
		case "file":
			if c.Path == "" {
				return nil, errors.ConfigError(fmt.Sprintf("file connector %q needs a path", id), nil)
			}
			reg.Register(id, &connectors.File{Path: c.Path})
		default:
			return nil, errors.ConfigError(fmt.Sprintf("connector %q has unknown type %q", id, c.Type), nil)
		}
	}
	return reg, nil
}
