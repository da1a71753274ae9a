package storage

import (
	"context"
	"errors"

	"gopkg.in/yaml.v3"

	"github.com/vango-dev/pulse/pkg/pulse"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("storage: closed")

// Lister enumerates stored keys in ascending order.
type Lister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Backend is a pulse.Storage that can list its keys and be closed.
type Backend interface {
	pulse.Storage
	Lister
	Close() error
}

var (
	_ Backend = (*Memory)(nil)
	_ Backend = (*Bolt)(nil)
	_ Backend = (*SQL)(nil)
	_ Backend = (*S3)(nil)
	_ Backend = (*Redis)(nil)

	_ pulse.AsyncStorage = (*S3)(nil)
	_ pulse.AsyncStorage = (*Redis)(nil)
	_ pulse.Codec        = YAMLCodec{}
)

// YAMLCodec encodes persisted values as YAML documents.
type YAMLCodec struct{}

// Marshal implements pulse.Codec.
func (YAMLCodec) Marshal(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

// Unmarshal implements pulse.Codec.
func (YAMLCodec) Unmarshal(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
