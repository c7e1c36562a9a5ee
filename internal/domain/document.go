package domain

import "encoding/json"

// StoredDocument is a document as the store keeps it: an identifier and a JSON
// object body.
type StoredDocument struct {
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
}

// FlushEvent is published once per document written by a flush.
type FlushEvent struct {
	Collection string   `json:"collection"`
	ID         string   `json:"id"`
	Kind       string   `json:"kind"` // insert, update, delete
	Fields     []string `json:"fields,omitempty"`
}
