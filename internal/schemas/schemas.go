// Package schemas holds the document types served by odmd and their mappings.
package schemas

import (
	"reflect"

	"github.com/totegamma/concrnt-odm/internal/collection"
	"github.com/totegamma/concrnt-odm/internal/domain"
)

type Author struct {
	ID   string `json:"-"`
	Name string `json:"name"`
	// Posts are the posts whose author field is this author.
	Posts *collection.PersistentCollection `json:"posts,omitempty"`
}

func (a *Author) DocumentID() string      { return a.ID }
func (a *Author) SetDocumentID(id string) { a.ID = id }

type Post struct {
	ID     string `json:"-"`
	Author string `json:"author"`
	Title  string `json:"title"`

	Comments    *collection.PersistentCollection `json:"comments"`
	Attachments *collection.PersistentCollection `json:"attachments"`
	Tags        *collection.PersistentCollection `json:"tags"`
}

func (p *Post) DocumentID() string      { return p.ID }
func (p *Post) SetDocumentID(id string) { p.ID = id }

type Comment struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

type Attachment struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType"`
}

type Tag struct {
	ID    string `json:"-"`
	Label string `json:"label"`
}

func (t *Tag) DocumentID() string      { return t.ID }
func (t *Tag) SetDocumentID(id string) { t.ID = id }

// Metadata returns the mappings of every document type of this package.
func Metadata() []*domain.ClassMetadata {
	return []*domain.ClassMetadata{
		{
			Name:       "author",
			Collection: "authors",
			Type:       reflect.TypeFor[*Author](),
			Associations: map[string]*domain.Association{
				"posts": {
					Name:          "posts",
					Field:         "Posts",
					TargetType:    reflect.TypeFor[*Post](),
					Strategy:      domain.StrategyList,
					IsInverseSide: true,
					MappedBy:      "author",
				},
			},
		},
		{
			Name:           "post",
			Collection:     "posts",
			Type:           reflect.TypeFor[*Post](),
			ChangeTracking: domain.ChangeTrackingDeferredImplicit,
			Associations: map[string]*domain.Association{
				"comments": {
					Name:       "comments",
					Field:      "Comments",
					TargetType: reflect.TypeFor[*Comment](),
					Strategy:   domain.StrategyList,
					IsEmbedded: true,
				},
				"attachments": {
					Name:       "attachments",
					Field:      "Attachments",
					TargetType: reflect.TypeFor[*Attachment](),
					Strategy:   domain.StrategyMap,
					IsEmbedded: true,
				},
				"tags": {
					Name:         "tags",
					Field:        "Tags",
					TargetType:   reflect.TypeFor[*Tag](),
					Strategy:     domain.StrategySet,
					IsOwningSide: true,
				},
			},
		},
		{
			Name:           "tag",
			Collection:     "tags",
			Type:           reflect.TypeFor[*Tag](),
			ChangeTracking: domain.ChangeTrackingNotify,
		},
	}
}
