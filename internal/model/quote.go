package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Quote is a priced snapshot for an instrument key at a point in time.
// Sequence is assigned locally by the source adapter and is strictly
// increasing per instrument key.
type Quote struct {
	Key       InstrumentKey   `json:"instrumentKey"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"` // UTC
	Sequence  uint64          `json:"sequence"`
}

// Validate rejects quotes that must never enter the cache.
func (q *Quote) Validate() error {
	if q.Key.IsZero() {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if !q.Price.IsPositive() {
		return fmt.Errorf("quote %s: price must be positive, got %s", q.Key, q.Price)
	}
	if q.Timestamp.IsZero() {
		return fmt.Errorf("quote %s: missing timestamp", q.Key)
	}
	return nil
}

// AppendJSON appends the wire form
// {"instrumentKey":{…},"price":"…","timestamp":"…","sequence":N} to buf.
// Hand-built to keep json.Marshal off the fan-out path.
func (q *Quote) AppendJSON(buf []byte) []byte {
	buf = append(buf, `{"instrumentKey":`...)
	buf = q.Key.AppendJSON(buf)
	buf = append(buf, `,"price":"`...)
	buf = append(buf, q.Price.String()...)
	buf = append(buf, `","timestamp":"`...)
	buf = q.Timestamp.UTC().AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","sequence":`...)
	buf = strconv.AppendUint(buf, q.Sequence, 10)
	buf = append(buf, '}')
	return buf
}

// JSON returns the wire form of the quote.
func (q *Quote) JSON() []byte {
	return q.AppendJSON(make([]byte, 0, 224))
}

// DecodeQuote parses the wire form produced by AppendJSON.
func DecodeQuote(data []byte) (Quote, error) {
	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	return q, nil
}

// QuoteBody is the HTTP response for a single cached quote.
type QuoteBody struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
}

// Body strips the key for HTTP responses.
func (q *Quote) Body() QuoteBody {
	return QuoteBody{Price: q.Price, Timestamp: q.Timestamp, Sequence: q.Sequence}
}

// ErrNotFound is returned when no quote has ever arrived for a key.
var ErrNotFound = errors.New("no quote yet")

// ConnID identifies one WebSocket connection for its whole lifetime.
type ConnID = uuid.UUID

// NewConnID allocates a fresh connection identifier.
func NewConnID() ConnID {
	return uuid.New()
}
