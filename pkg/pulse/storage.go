package pulse

import (
	"context"
	"encoding/json"
)

// Storage is the persistence contract consumed by the runtime. Backends live
// in pkg/storage; any key/value store satisfying this interface works.
//
// Get returns (nil, false, nil) when the key does not exist.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte) error
	Remove(ctx context.Context, key string) error
}

// AsyncStorage is implemented by backends whose operations are slow enough
// (network, remote object stores) that the runtime must not block a drain on
// them. Async is consulted once, when the storage is configured.
type AsyncStorage interface {
	Storage
	Async() bool
}

// Codec serializes persisted values.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

// Marshal implements Codec.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
