package object

import "fmt"

// ConfigError reports an invalid schema or registry configuration. It is
// raised at activation or setup time and is never recoverable by retrying.
type ConfigError struct {
	Class string
	Msg   string
}

func (e ConfigError) Error() string {
	if e.Class == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s for objects of class %q", e.Msg, e.Class)
}

// ValidationError reports a property value that failed coercion, bounds or
// choice checks. Object state is unchanged.
type ValidationError struct {
	Class string
	Prop  string
	Value any
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid value: %s=%q for objects of class %q", e.Prop, fmt.Sprint(e.Value), e.Class)
}

// AccessError reports a reference to an unknown property or an attempt to
// mutate a read-only one.
type AccessError struct {
	Class string
	Prop  string
	Msg   string
}

func (e AccessError) Error() string {
	return fmt.Sprintf("%s: %q for objects of class %q", e.Msg, e.Prop, e.Class)
}

// DeletedError reports an operation on an object whose deletion flag is set.
type DeletedError struct {
	Class string
	PK    any
}

func (e DeletedError) Error() string {
	return fmt.Sprintf("object %s %v is deleted", e.Class, e.PK)
}

// NotFoundError reports a missing persisted record for a primary key.
// Storage adapters return it from Load unless their empty-allowed policy
// applies; the factory's autocreate policy keys off it.
type NotFoundError struct {
	Storage string
	PK      any
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("object %v not found in storage %q", e.PK, e.Storage)
}

// ExistsError reports a registry admission collision without override.
type ExistsError struct {
	PK any
}

func (e ExistsError) Error() string {
	return fmt.Sprintf("object already exists: %v", e.PK)
}

// LookupError reports a secondary-index or storage lookup failure distinct
// from a primary-key NotFoundError, e.g. a single-property fetch against a
// record that was never saved.
type LookupError struct {
	Storage string
	Msg     string
}

func (e LookupError) Error() string {
	if e.Storage == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s (storage %q)", e.Msg, e.Storage)
}
