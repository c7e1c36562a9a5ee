package domain

import (
	"encoding/json"
	"strings"
)

// PatchOp is a single RFC 6902 operation.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// Update is the ordered list of operations for one stored document.
type Update struct {
	Collection string
	ID         string
	Ops        []PatchOp
}

func (u *Update) Add(path string, value any) {
	u.Ops = append(u.Ops, PatchOp{Op: "add", Path: path, Value: value})
}

func (u *Update) Remove(path string) {
	u.Ops = append(u.Ops, PatchOp{Op: "remove", Path: path})
}

func (u *Update) Empty() bool {
	return len(u.Ops) == 0
}

// MarshalPatch encodes the operations as a JSON patch document.
func (u *Update) MarshalPatch() ([]byte, error) {
	ops := u.Ops
	if ops == nil {
		ops = []PatchOp{}
	}
	return json.Marshal(ops)
}

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")

// Pointer builds a JSON pointer out of unescaped segments.
func Pointer(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(pointerEscaper.Replace(s))
	}
	return b.String()
}
