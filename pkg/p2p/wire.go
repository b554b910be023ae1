package p2p

import (
	"bytes"
	"encoding/gob"

	"github.com/uhyunpark/veil/pkg/round"
)

func init() {
	gob.Register(EventWire{})
}

// EventWire is the gossip envelope for a round event. Seq increases per
// origin so receivers can order what they get.
type EventWire struct {
	Origin string
	Seq    uint64
	Event  round.Event
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
