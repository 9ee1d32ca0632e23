package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidKey is returned when an instrument key cannot be parsed or validated.
var ErrInvalidKey = errors.New("invalid instrument key")

// InstrumentKey identifies a priceable pair on a given chain.
// It is a comparable value type and is used directly as a map key.
type InstrumentKey struct {
	ChainID uint64
	Base    common.Address
	Quote   common.Address
}

// NewInstrumentKey validates the hex addresses and builds a key.
func NewInstrumentKey(chainID uint64, base, quote string) (InstrumentKey, error) {
	if chainID == 0 {
		return InstrumentKey{}, fmt.Errorf("%w: chain id must be > 0", ErrInvalidKey)
	}
	if !common.IsHexAddress(base) {
		return InstrumentKey{}, fmt.Errorf("%w: base %q is not a hex address", ErrInvalidKey, base)
	}
	if !common.IsHexAddress(quote) {
		return InstrumentKey{}, fmt.Errorf("%w: quote %q is not a hex address", ErrInvalidKey, quote)
	}
	return InstrumentKey{
		ChainID: chainID,
		Base:    common.HexToAddress(base),
		Quote:   common.HexToAddress(quote),
	}, nil
}

// ParseInstrumentKey parses "chainId:base:quote", e.g. "1:0xC02a…:0xA0b8…".
func ParseInstrumentKey(s string) (InstrumentKey, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return InstrumentKey{}, fmt.Errorf("%w: %q (want chain:base:quote)", ErrInvalidKey, s)
	}
	chainID, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return InstrumentKey{}, fmt.Errorf("%w: chain id %q: %v", ErrInvalidKey, parts[0], err)
	}
	return NewInstrumentKey(chainID, strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2]))
}

// String renders the key as "chainId:base:quote" with checksummed addresses.
func (k InstrumentKey) String() string {
	return strconv.FormatUint(k.ChainID, 10) + ":" + k.Base.Hex() + ":" + k.Quote.Hex()
}

// Channel returns the Redis pub/sub channel for this key: "pub:quote:{chain}:{base}:{quote}".
func (k InstrumentKey) Channel() string {
	return QuoteChannelPrefix + k.String()
}

// IsZero reports whether the key was never set.
func (k InstrumentKey) IsZero() bool {
	return k == InstrumentKey{}
}

// QuoteChannelPrefix prefixes every per-instrument Redis channel.
const QuoteChannelPrefix = "pub:quote:"

type instrumentKeyJSON struct {
	ChainID uint64 `json:"chainId"`
	Base    string `json:"base"`
	Quote   string `json:"quote"`
}

// MarshalJSON encodes the key as {"chainId":1,"base":"0x…","quote":"0x…"}.
func (k InstrumentKey) MarshalJSON() ([]byte, error) {
	return k.AppendJSON(make([]byte, 0, 112)), nil
}

// AppendJSON appends the JSON object form of the key to buf.
func (k InstrumentKey) AppendJSON(buf []byte) []byte {
	buf = append(buf, `{"chainId":`...)
	buf = strconv.AppendUint(buf, k.ChainID, 10)
	buf = append(buf, `,"base":"`...)
	buf = append(buf, k.Base.Hex()...)
	buf = append(buf, `","quote":"`...)
	buf = append(buf, k.Quote.Hex()...)
	buf = append(buf, `"}`...)
	return buf
}

// UnmarshalJSON accepts the object form or the "chain:base:quote" string form.
func (k *InstrumentKey) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseInstrumentKey(s)
		if err != nil {
			return err
		}
		*k = parsed
		return nil
	}
	var raw instrumentKeyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewInstrumentKey(raw.ChainID, raw.Base, raw.Quote)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
