package domain

import "reflect"

// ChangeTrackingPolicy decides how dirty documents are discovered at flush.
type ChangeTrackingPolicy int

const (
	// ChangeTrackingDeferredImplicit compares every managed document against its snapshot.
	ChangeTrackingDeferredImplicit ChangeTrackingPolicy = iota
	// ChangeTrackingDeferredExplicit only considers documents that were persisted again.
	ChangeTrackingDeferredExplicit
	// ChangeTrackingNotify only considers documents that reported a change.
	ChangeTrackingNotify
)

// Document is implemented by every mapped top-level document.
type Document interface {
	DocumentID() string
}

// IdentitySetter lets the unit of work assign identifiers to new documents.
type IdentitySetter interface {
	SetDocumentID(id string)
}

// ClassMetadata is the mapping of one document type.
type ClassMetadata struct {
	Name       string
	Collection string
	Type       reflect.Type

	ChangeTracking     ChangeTrackingPolicy
	IsEmbeddedDocument bool

	Associations map[string]*Association
}

func (m *ClassMetadata) IsChangeTrackingNotify() bool {
	return m.ChangeTracking == ChangeTrackingNotify
}

func (m *ClassMetadata) IsChangeTrackingDeferredExplicit() bool {
	return m.ChangeTracking == ChangeTrackingDeferredExplicit
}

// Association returns the descriptor for the named field.
func (m *ClassMetadata) Association(name string) (*Association, bool) {
	a, ok := m.Associations[name]
	return a, ok
}

// Validate checks the metadata and every association it declares.
func (m *ClassMetadata) Validate() error {
	if m.Type == nil {
		return ConfigurationError{Subject: m.Name, Reason: "document type is missing"}
	}
	if !m.IsEmbeddedDocument && m.Collection == "" {
		return ConfigurationError{Subject: m.Name, Reason: "collection name is missing"}
	}
	for name, a := range m.Associations {
		if a.Name != name {
			return ConfigurationError{Subject: m.Name, Reason: "association registered under " + name + " is named " + a.Name}
		}
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}
