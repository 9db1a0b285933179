package schema

import (
	json "github.com/goccy/go-json"
)

// PubFrame is what travels on the store's publish channel: the envelope
// fields flattened, plus the id of the replica that produced it. Consumers
// that only understand envelopes ignore the extra field; the distributor
// uses Origin to suppress the same-replica bus duplicate.
type PubFrame struct {
	Envelope
	Origin string `json:"origin,omitempty"`
}

// EncodePubFrame serializes a frame for the publish channel.
func EncodePubFrame(env *Envelope, origin string) ([]byte, error) {
	return json.Marshal(PubFrame{Envelope: *env, Origin: origin})
}

// DecodePubFrame parses a publish-channel payload.
func DecodePubFrame(raw []byte) (*PubFrame, error) {
	frame := new(PubFrame)
	if err := json.Unmarshal(raw, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
