package serializer

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts snapshots to bytes for byte-oriented stores.
type Codec interface {
	Encode(Snapshot) ([]byte, error)
	Decode([]byte) (Snapshot, error)
}

// Msgpack encodes snapshots with vmihailenco/msgpack.
// The zero value is ready to use.
type Msgpack struct{}

func (Msgpack) Encode(s Snapshot) ([]byte, error) {
	return msgpack.Marshal(s)
}

func (Msgpack) Decode(b []byte) (Snapshot, error) {
	var s Snapshot
	err := msgpack.Unmarshal(b, &s)
	return s, err
}

// CBOR encodes snapshots with fxamacker/cbor.
// Construct with NewCBOR.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR returns a CBOR codec encoding times as RFC3339Nano strings.
func NewCBOR() (CBOR, error) {
	eo := cbor.PreferredUnsortedEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		return CBOR{}, err
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return CBOR{}, err
	}
	return CBOR{enc: em, dec: dm}, nil
}

func (c CBOR) Encode(s Snapshot) ([]byte, error) {
	return c.enc.Marshal(s)
}

func (c CBOR) Decode(b []byte) (Snapshot, error) {
	var s Snapshot
	err := c.dec.Unmarshal(b, &s)
	return s, err
}

// CodecByName returns the codec for a config value.
// An empty name selects msgpack.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "msgpack":
		return Msgpack{}, nil
	case "cbor":
		return NewCBOR()
	default:
		return nil, fmt.Errorf("unsupported codec: %s", name)
	}
}
