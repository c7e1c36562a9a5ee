package domain

import (
	"fmt"
	"reflect"
)

// Strategy is the storage strategy of a collection field.
type Strategy int

const (
	StrategyList Strategy = iota
	StrategySet
	StrategyMap
)

func (s Strategy) String() string {
	switch s {
	case StrategyList:
		return "list"
	case StrategySet:
		return "set"
	case StrategyMap:
		return "map"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// IsList reports whether the collection is stored as an array. Arrays need a
// dense 0..n-1 index space.
func (s Strategy) IsList() bool {
	return s == StrategyList || s == StrategySet
}

// Association describes one collection-valued field. It is built once while
// metadata is registered and shared read-only by every collection of that field.
type Association struct {
	// Name is the field of the stored document.
	Name string
	// Field is the struct field holding the collection.
	Field      string
	TargetType reflect.Type
	Strategy   Strategy

	IsOwningSide  bool
	IsInverseSide bool
	// MappedBy names the field of the target document that references the
	// owner. Only meaningful on the inverse side.
	MappedBy string

	OrphanRemoval bool
	IsEmbedded    bool

	// RepositoryMethod names a custom loader registered with the unit of work.
	RepositoryMethod string
}

// Validate checks the invariants of the descriptor.
func (a *Association) Validate() error {
	if a == nil {
		return ConfigurationError{Reason: "nil association"}
	}
	if a.Name == "" {
		return ConfigurationError{Reason: "association without a field name"}
	}
	if a.Field == "" {
		return ConfigurationError{Subject: a.Name, Reason: "association without a struct field"}
	}
	if a.TargetType == nil {
		return ConfigurationError{Subject: a.Name, Reason: "target type is not resolvable"}
	}
	if a.IsEmbedded {
		if a.IsInverseSide {
			return ConfigurationError{Subject: a.Name, Reason: "embedded association cannot be inverse side"}
		}
		return nil
	}
	if a.IsOwningSide == a.IsInverseSide {
		return ConfigurationError{Subject: a.Name, Reason: "reference association must be exactly one of owning or inverse side"}
	}
	if a.IsInverseSide && a.MappedBy == "" && a.RepositoryMethod == "" {
		return ConfigurationError{Subject: a.Name, Reason: "inverse side needs mappedBy or a repository method"}
	}
	return nil
}

// Owning reports whether the owner persists this field. Embedded associations
// are always owning.
func (a *Association) Owning() bool {
	return a.IsEmbedded || a.IsOwningSide
}

// Inverse reports whether the field is derived from the other side.
func (a *Association) Inverse() bool {
	return !a.IsEmbedded && a.IsInverseSide
}

// OrphanRemovalEnabled is true for every embedded association and for owning
// reference associations that opt in.
func (a *Association) OrphanRemovalEnabled() bool {
	if a.IsEmbedded {
		return true
	}
	return a.IsOwningSide && a.OrphanRemoval
}
