package models

import (
	"time"
)

// Document is one stored document. Body holds the JSON object as jsonb so that
// inverse-side lookups can use containment queries.
type Document struct {
	Collection string    `json:"collection" gorm:"primaryKey;type:text"`
	ID         string    `json:"id" gorm:"primaryKey;type:text"`
	Body       string    `json:"body" gorm:"type:jsonb;not null"`
	Checksum   string    `json:"checksum" gorm:"type:text;not null"`
	Version    int64     `json:"version" gorm:"not null;default:1"`
	CDate      time.Time `json:"cdate" gorm:"->;<-:create;type:timestamp with time zone;not null;default:clock_timestamp()"`
	MDate      time.Time `json:"mdate" gorm:"type:timestamp with time zone;not null;default:clock_timestamp()"`
}
