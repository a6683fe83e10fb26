// Package object implements schema-driven, change-tracked objects whose
// properties are routed to named storage backends and sync targets, plus a
// factory that owns live instances with optional LRU eviction and secondary
// indexes.
package object

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Type enumerates the semantic types a property may declare. Untyped
// properties accept any value unmodified.
type Type int

const (
	TypeAny Type = iota
	TypeString
	TypeBytes
	TypeBool
	TypeInt
	TypeFloat
)

// String returns the schema-file spelling of the type.
func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	default:
		return "any"
	}
}

// ParseType resolves a schema-file type name to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "any":
		return TypeAny, nil
	case "str", "string":
		return TypeString, nil
	case "bytes", "bin":
		return TypeBytes, nil
	case "bool":
		return TypeBool, nil
	case "int":
		return TypeInt, nil
	case "float", "number":
		return TypeFloat, nil
	default:
		return TypeAny, fmt.Errorf("unknown property type %q", s)
	}
}

// Route declares whether a property is bound to a named destination. The zero
// value means "not routed"; RouteDefault binds to the unnamed destination.
type Route struct {
	enabled bool
	id      string
}

// RouteDefault routes to the destination registered under the empty id.
func RouteDefault() Route { return Route{enabled: true} }

// RouteTo routes to the destination registered under id.
func RouteTo(id string) Route { return Route{enabled: true, id: id} }

// Enabled reports whether the property is routed at all.
func (r Route) Enabled() bool { return r.enabled }

// ID returns the destination id (empty for the default destination).
func (r Route) ID() string { return r.id }

// Level is the log level a property mutation is reported at.
type Level int

const (
	LevelDebug Level = iota - 1
	LevelInfo
	LevelWarn
)

// PropertySpec declares a single tracked property.
type PropertySpec struct {
	Type         Type
	Default      any
	ReadOnly     bool
	PrimaryKey   bool // implies ReadOnly
	External     bool // no in-memory copy; reads/writes round-trip to Store
	Min          *float64
	Max          *float64
	Choices      []any
	AcceptHex    bool
	Store        Route
	Sync         Route
	SyncAlways   bool
	Serialize    []string
	LogLevel     Level
	LogHideValue bool
}

// Fragment is a named set of property declarations merged into a Schema.
type Fragment map[string]PropertySpec

// Schema is an ordered, composable property map for one object class. It is
// assembled from fragments and frozen when an Object applies it.
type Schema struct {
	class string
	props map[string]PropertySpec
	order []string
}

// NewSchema creates an empty schema for the named class.
func NewSchema(class string) *Schema {
	return &Schema{class: class, props: make(map[string]PropertySpec)}
}

// Class returns the owning class name used in error messages.
func (s *Schema) Class() string { return s.class }

// Len returns the number of declared properties.
func (s *Schema) Len() int { return len(s.order) }

// Names returns the declared property names in merge order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Spec returns the declaration for a property name.
func (s *Schema) Spec(name string) (PropertySpec, bool) {
	p, ok := s.props[name]
	return p, ok
}

// Merge adds a fragment's declarations. Redeclaring an existing property is an
// error unless override is set, in which case the later declaration wins.
// Fragment entries are merged in sorted name order so composition stays
// deterministic.
func (s *Schema) Merge(f Fragment, override bool) error {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "" {
			return ConfigError{Class: s.class, Msg: "property name must not be empty"}
		}
		if _, exists := s.props[name]; exists {
			if !override {
				return ConfigError{Class: s.class, Msg: fmt.Sprintf("property %q already declared", name)}
			}
		} else {
			s.order = append(s.order, name)
		}
		s.props[name] = f[name]
	}
	return nil
}

// rawSpec mirrors the YAML schema-file shape of one property declaration.
type rawSpec struct {
	Type         string   `yaml:"type"`
	PK           bool     `yaml:"pk"`
	ReadOnly     bool     `yaml:"read-only"`
	External     bool     `yaml:"external"`
	Default      any      `yaml:"default"`
	Choices      []any    `yaml:"choices"`
	Min          *float64 `yaml:"min"`
	Max          *float64 `yaml:"max"`
	AcceptHex    bool     `yaml:"accept-hex"`
	Serialize    any      `yaml:"serialize"`
	Store        any      `yaml:"store"`
	Sync         any      `yaml:"sync"`
	SyncAlways   bool     `yaml:"sync-always"`
	LogLevel     string   `yaml:"log-level"`
	LogHideValue bool     `yaml:"log-hide-value"`
}

// LoadFragment decodes a YAML property map. Unknown keys are rejected.
func LoadFragment(r io.Reader) (Fragment, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	raw := map[string]*rawSpec{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode property map: %w", err)
	}
	out := make(Fragment, len(raw))
	for name, rs := range raw {
		if rs == nil {
			rs = &rawSpec{}
		}
		spec, err := rs.toSpec(name)
		if err != nil {
			return nil, err
		}
		out[name] = spec
	}
	return out, nil
}

// LoadFragmentFile reads a YAML property map from disk.
func LoadFragmentFile(path string) (Fragment, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open property map: %w", err)
	}
	defer func() { _ = fh.Close() }()
	return LoadFragment(fh)
}

func (rs *rawSpec) toSpec(name string) (PropertySpec, error) {
	spec := PropertySpec{
		PrimaryKey:   rs.PK,
		ReadOnly:     rs.ReadOnly,
		External:     rs.External,
		Default:      rs.Default,
		Choices:      rs.Choices,
		Min:          rs.Min,
		Max:          rs.Max,
		AcceptHex:    rs.AcceptHex,
		SyncAlways:   rs.SyncAlways,
		LogHideValue: rs.LogHideValue,
	}
	tp, err := ParseType(rs.Type)
	if err != nil {
		return PropertySpec{}, fmt.Errorf("property %q: %w", name, err)
	}
	spec.Type = tp
	if spec.Store, err = parseRoute(rs.Store); err != nil {
		return PropertySpec{}, fmt.Errorf("property %q store: %w", name, err)
	}
	if spec.Sync, err = parseRoute(rs.Sync); err != nil {
		return PropertySpec{}, fmt.Errorf("property %q sync: %w", name, err)
	}
	switch ser := rs.Serialize.(type) {
	case nil:
	case string:
		spec.Serialize = []string{ser}
	case []any:
		for _, v := range ser {
			g, ok := v.(string)
			if !ok {
				return PropertySpec{}, fmt.Errorf("property %q: serialize groups must be strings", name)
			}
			spec.Serialize = append(spec.Serialize, g)
		}
	default:
		return PropertySpec{}, fmt.Errorf("property %q: serialize must be a string or list", name)
	}
	switch rs.LogLevel {
	case "", "info":
		spec.LogLevel = LevelInfo
	case "debug":
		spec.LogLevel = LevelDebug
	case "warn", "warning":
		spec.LogLevel = LevelWarn
	default:
		return PropertySpec{}, fmt.Errorf("property %q: unknown log level %q", name, rs.LogLevel)
	}
	return spec, nil
}

// parseRoute accepts false (unrouted), true (default destination) or a
// destination name, matching the schema-file convention.
func parseRoute(v any) (Route, error) {
	switch r := v.(type) {
	case nil:
		return Route{}, nil
	case bool:
		if r {
			return RouteDefault(), nil
		}
		return Route{}, nil
	case string:
		return RouteTo(r), nil
	default:
		return Route{}, fmt.Errorf("must be a boolean or destination name")
	}
}

// applied holds the routing indexes derived from a schema at activation.
type applied struct {
	pkField string

	// serializeGroups maps a serialization mode to the property names it
	// covers. The empty mode always covers every property.
	serializeGroups map[string]map[string]struct{}

	// storageOrder lists routed storage ids with the primary-key owner first,
	// so key-generating backends run before backends that need the key.
	storageOrder []string
	storageProps map[string]map[string]struct{}

	syncIDs     []string
	syncChanged map[string]map[string]struct{}
	syncAlways  map[string]map[string]struct{}

	externals map[string]string // property -> storage id
}

// build derives the routing indexes. Fails when the schema declares no
// primary key or more than one.
func (s *Schema) build() (*applied, error) {
	a := &applied{
		serializeGroups: map[string]map[string]struct{}{"": {}},
		storageProps:    map[string]map[string]struct{}{},
		syncChanged:     map[string]map[string]struct{}{},
		syncAlways:      map[string]map[string]struct{}{},
		externals:       map[string]string{},
	}
	for _, name := range s.order {
		p := s.props[name]
		if p.PrimaryKey {
			if a.pkField != "" {
				return nil, ConfigError{Class: s.class, Msg: "multiple primary keys defined"}
			}
			a.pkField = name
		}
		a.serializeGroups[""][name] = struct{}{}
		for _, group := range p.Serialize {
			if a.serializeGroups[group] == nil {
				a.serializeGroups[group] = map[string]struct{}{}
			}
			a.serializeGroups[group][name] = struct{}{}
		}
		if p.Store.Enabled() {
			id := p.Store.ID()
			if a.storageProps[id] == nil {
				a.storageProps[id] = map[string]struct{}{}
				a.storageOrder = append(a.storageOrder, id)
			}
			a.storageProps[id][name] = struct{}{}
			if p.PrimaryKey {
				for i, sid := range a.storageOrder {
					if sid == id && i != 0 {
						copy(a.storageOrder[1:i+1], a.storageOrder[:i])
						a.storageOrder[0] = id
						break
					}
				}
			}
			if p.External {
				a.externals[name] = id
			}
		} else if p.External {
			return nil, ConfigError{Class: s.class, Msg: fmt.Sprintf("external property %q has no store route", name)}
		}
		if p.Sync.Enabled() {
			id := p.Sync.ID()
			if a.syncChanged[id] == nil {
				a.syncChanged[id] = map[string]struct{}{}
				a.syncAlways[id] = map[string]struct{}{}
				a.syncIDs = append(a.syncIDs, id)
			}
			if p.SyncAlways {
				a.syncAlways[id][name] = struct{}{}
			} else {
				a.syncChanged[id][name] = struct{}{}
			}
		}
	}
	if a.pkField == "" {
		return nil, ConfigError{Class: s.class, Msg: "primary key is not defined"}
	}
	return a, nil
}
