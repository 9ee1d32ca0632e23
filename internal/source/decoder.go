package source

import (
	"fmt"
	"time"

	"mm-relay/internal/model"

	"github.com/shopspring/decimal"
)

// Update is one upstream price observation before local sequencing.
// UpstreamSeq is zero when the upstream does not sequence its frames.
type Update struct {
	Key         model.InstrumentKey
	Price       decimal.Decimal
	Timestamp   time.Time
	UpstreamSeq uint64
}

// Decoder turns raw upstream frames into updates. A Decoder is used by one
// goroutine at a time.
type Decoder interface {
	// Decode returns the updates in data. Frames that carry no prices
	// (heartbeats, acks) yield no updates and no error. A frame that is
	// partly bad may return both updates and an error.
	Decode(data []byte) ([]Update, error)

	// SubscribeFrames returns the frames to send after connecting.
	SubscribeFrames(keys []model.InstrumentKey) [][]byte

	// Reset forgets per-session state; called on every new connection.
	Reset()
}

// NewDecoder returns the decoder for an upstream format ("bebop" or "relay").
func NewDecoder(format string) (Decoder, error) {
	switch format {
	case "bebop":
		return &BebopDecoder{}, nil
	case "relay":
		return NewRelayDecoder(), nil
	default:
		return nil, fmt.Errorf("source: unknown format %q", format)
	}
}
