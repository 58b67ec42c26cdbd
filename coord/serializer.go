package coord

import (
	"encoding/json"
)

// Serializer encodes records and payload envelopes for storage. It is
// pluggable; all parties sharing a store must agree on it.
type Serializer interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

func (JSONSerializer) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
