package remote

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// JSONCodec encodes message content as JSON. Decoded content uses the
// generic JSON shapes (map[string]interface{}, []interface{}, float64...).
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (JSONCodec) ContentType() string                        { return "application/json" }

// GobCodec encodes message content with encoding/gob as an interface value,
// so concrete types survive the trip. Types must be registered with
// gob.Register on both nodes.
type GobCodec struct{}

func (GobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("gob encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (GobCodec) ContentType() string { return "application/x-gob" }

// CodecByName returns the codec registered under name ("json" or "gob").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "gob":
		return GobCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

func init() {
	gob.Register("")
	gob.Register(0)
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register([]byte(nil))
	gob.Register(map[string]interface{}{})
}
