// Package codec holds the serialization strategies used for packet headers and
// payloads. Strategies are registered by name so transports can pick them from
// configuration.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	errCodecNotInit = errors.New("codec not init")

	// ErrUnknownCodec is returned by Get for a name nothing registered.
	ErrUnknownCodec = errors.New("codec: unknown codec")

	_codec  Codec = JSON
	_codecs       = map[string]Codec{}
	_lock   sync.RWMutex
)

// Codec converts values to and from bytes.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

func init() {
	Register(JSON)
	Register(Msgpack)
	Register(Proto)
}

// Register makes c available to Get under c.Name(). A later registration with
// the same name replaces the earlier one.
func Register(c Codec) {
	_lock.Lock()
	defer _lock.Unlock()
	_codecs[c.Name()] = c
}

// Get looks a codec up by name. The empty name yields the default codec.
func Get(name string) (Codec, error) {
	if name == "" {
		if _codec == nil {
			return nil, errCodecNotInit
		}
		return _codec, nil
	}
	_lock.RLock()
	defer _lock.RUnlock()
	c, ok := _codecs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c, nil
}

// ByContentType finds the codec whose ContentType matches ct.
func ByContentType(ct string) (Codec, bool) {
	_lock.RLock()
	defer _lock.RUnlock()
	for _, c := range _codecs {
		if c.ContentType() == ct {
			return c, true
		}
	}
	return nil, false
}

// Names lists the registered codec names.
func Names() []string {
	_lock.RLock()
	defer _lock.RUnlock()
	names := make([]string, 0, len(_codecs))
	for n := range _codecs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Encode marshals with the default codec.
func Encode(v any) ([]byte, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Marshal(v)
}

// Decode unmarshals with the default codec.
func Decode(b []byte, v any) error {
	if _codec == nil {
		return errCodecNotInit
	}
	return _codec.Unmarshal(b, v)
}

// SetCodec sets the default codec.
func SetCodec(c Codec) {
	_codec = c
}
