package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"mm-relay/internal/model"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// BebopDecoder reads a market-maker pricing stream of the form
//
//	{"chain_id":1,"msg_type":"update","levels":[
//	  {"base":"0x…","quote":"0x…","bids":[["3150.1","2"]],"asks":[["3150.9","1"]],"last_update_ts":1700000000.25}
//	]}
//
// A level's price is its explicit "price" if present, otherwise the mid of
// the best bid and best ask, otherwise whichever side exists.
type BebopDecoder struct{}

type bebopFrame struct {
	ChainID uint64       `json:"chain_id"`
	MsgType string       `json:"msg_type"`
	Levels  []bebopLevel `json:"levels"`
}

type bebopLevel struct {
	Base         string               `json:"base"`
	Quote        string               `json:"quote"`
	Price        *decimal.Decimal     `json:"price"`
	Bids         [][2]decimal.Decimal `json:"bids"`
	Asks         [][2]decimal.Decimal `json:"asks"`
	LastUpdateTS float64              `json:"last_update_ts"` // unix seconds
}

func (d *BebopDecoder) Decode(data []byte) ([]Update, error) {
	var f bebopFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("bebop: %w", err)
	}
	switch f.MsgType {
	case "update", "":
	default:
		return nil, nil
	}
	if f.ChainID == 0 {
		if len(f.Levels) == 0 {
			return nil, nil
		}
		return nil, errors.New("bebop: missing chain_id")
	}

	updates := make([]Update, 0, len(f.Levels))
	var errs []error
	for i, lvl := range f.Levels {
		key, err := model.NewInstrumentKey(f.ChainID, lvl.Base, lvl.Quote)
		if err != nil {
			errs = append(errs, fmt.Errorf("bebop level %d: %w", i, err))
			continue
		}
		price, ok := lvl.price()
		if !ok {
			errs = append(errs, fmt.Errorf("bebop level %d (%s): no price", i, key))
			continue
		}
		updates = append(updates, Update{
			Key:       key,
			Price:     price,
			Timestamp: unixSeconds(lvl.LastUpdateTS),
		})
	}
	return updates, errors.Join(errs...)
}

func (l *bebopLevel) price() (decimal.Decimal, bool) {
	if l.Price != nil && l.Price.IsPositive() {
		return *l.Price, true
	}
	var bid, ask decimal.Decimal
	if len(l.Bids) > 0 {
		bid = l.Bids[0][0]
	}
	if len(l.Asks) > 0 {
		ask = l.Asks[0][0]
	}
	switch {
	case bid.IsPositive() && ask.IsPositive():
		return bid.Add(ask).Div(two), true
	case bid.IsPositive():
		return bid, true
	case ask.IsPositive():
		return ask, true
	}
	return decimal.Decimal{}, false
}

func (d *BebopDecoder) SubscribeFrames(keys []model.InstrumentKey) [][]byte {
	type pair struct {
		Base  string `json:"base"`
		Quote string `json:"quote"`
	}
	byChain := make(map[uint64][]pair)
	for _, k := range keys {
		byChain[k.ChainID] = append(byChain[k.ChainID], pair{Base: k.Base.Hex(), Quote: k.Quote.Hex()})
	}
	chainIDs := make([]uint64, 0, len(byChain))
	for id := range byChain {
		chainIDs = append(chainIDs, id)
	}
	sort.Slice(chainIDs, func(i, j int) bool { return chainIDs[i] < chainIDs[j] })

	frames := make([][]byte, 0, len(chainIDs))
	for _, id := range chainIDs {
		b, _ := json.Marshal(struct {
			MsgType string `json:"msg_type"`
			ChainID uint64 `json:"chain_id"`
			Pairs   []pair `json:"pairs"`
		}{"subscribe", id, byChain[id]})
		frames = append(frames, b)
	}
	return frames
}

func (d *BebopDecoder) Reset() {}

func unixSeconds(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
