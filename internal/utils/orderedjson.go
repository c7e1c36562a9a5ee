package utils

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

type Member struct {
	Key   string
	Value any
}

// OrderedObject is a JSON object whose members keep their order through
// encoding and decoding.
type OrderedObject []Member

func (o OrderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range o {
		if i > 0 {
			buf.WriteByte(',')
		}

		keyBytes, err := json.Marshal(m.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valueBytes, err := json.Marshal(m.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode member %s", m.Key)
		}
		buf.Write(valueBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes member values as json.RawMessage.
func (o *OrderedObject) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != json.Delim('{') {
		return errors.Errorf("expected an object, got %v", tok)
	}
	out := OrderedObject{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return err
		}
		out = append(out, Member{Key: kt.(string), Value: v})
	}
	*o = out
	return nil
}
