package source

import (
	"encoding/json"
	"errors"
	"fmt"

	"mm-relay/internal/model"
)

// RelayDecoder reads the relay's own quote frames
// {"instrumentKey":{…},"price":"…","timestamp":"…","sequence":N}, whether
// they arrive over a WebSocket or a Redis channel. Control frames (those
// with a "type") are skipped. A frame repeating the last upstream sequence
// seen for its key is dropped. A lower sequence means the upstream restarted
// and is accepted; local sequencing keeps the output monotonic.
type RelayDecoder struct {
	last map[model.InstrumentKey]uint64
}

func NewRelayDecoder() *RelayDecoder {
	return &RelayDecoder{last: make(map[model.InstrumentKey]uint64)}
}

type relayProbe struct {
	Type string `json:"type"`
}

func (d *RelayDecoder) Decode(data []byte) ([]Update, error) {
	var probe relayProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	if probe.Type != "" {
		if probe.Type == "error" {
			return nil, fmt.Errorf("relay: upstream error frame: %s", data)
		}
		return nil, nil
	}

	q, err := model.DecodeQuote(data)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	if q.Key.IsZero() {
		return nil, errors.New("relay: frame without instrumentKey")
	}
	if q.Sequence > 0 {
		if last, ok := d.last[q.Key]; ok && q.Sequence == last {
			return nil, nil
		}
		d.last[q.Key] = q.Sequence
	}
	return []Update{{
		Key:         q.Key,
		Price:       q.Price,
		Timestamp:   q.Timestamp,
		UpstreamSeq: q.Sequence,
	}}, nil
}

func (d *RelayDecoder) SubscribeFrames(keys []model.InstrumentKey) [][]byte {
	frames := make([][]byte, 0, len(keys))
	for _, k := range keys {
		b, _ := json.Marshal(struct {
			Action        string              `json:"action"`
			InstrumentKey model.InstrumentKey `json:"instrumentKey"`
		}{"subscribe", k})
		frames = append(frames, b)
	}
	return frames
}

func (d *RelayDecoder) Reset() {
	clear(d.last)
}
