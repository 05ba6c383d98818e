package quote

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Depth is a five-level depth record as delivered by an upstream market
// data front. Prices that the venue did not populate arrive as sentinel
// values outside the valid range and are filtered during conversion.
type Depth struct {
	InstrumentID   string
	TradingDay     string // YYYYMMDD
	UpdateTime     string // HH:MM:SS
	UpdateMillisec int

	LastPrice float64

	BidPrice1  float64
	BidVolume1 int64
	BidPrice2  float64
	BidVolume2 int64
	BidPrice3  float64
	BidVolume3 int64
	BidPrice4  float64
	BidVolume4 int64
	BidPrice5  float64
	BidVolume5 int64

	AskPrice1  float64
	AskVolume1 int64
	AskPrice2  float64
	AskVolume2 int64
	AskPrice3  float64
	AskVolume3 int64
	AskPrice4  float64
	AskVolume4 int64
	AskPrice5  float64
	AskVolume5 int64

	Volume          int64
	Turnover        float64
	OpenInterest    float64
	PreOpenInterest float64

	HighestPrice       float64
	LowestPrice        float64
	OpenPrice          float64
	ClosePrice         float64
	SettlementPrice    float64
	UpperLimitPrice    float64
	LowerLimitPrice    float64
	PreSettlementPrice float64
	PreClosePrice      float64
}

// Quote is the wire-format quote object. Field declaration order defines
// the JSON key order, do not reorder. Levels 6..10 are always null because
// upstream depth is five levels.
type Quote struct {
	InstrumentID string `json:"instrument_id"`
	Datetime     string `json:"datetime"`

	AskPrice10  *float64 `json:"ask_price10"`
	AskVolume10 *int64   `json:"ask_volume10"`
	AskPrice9   *float64 `json:"ask_price9"`
	AskVolume9  *int64   `json:"ask_volume9"`
	AskPrice8   *float64 `json:"ask_price8"`
	AskVolume8  *int64   `json:"ask_volume8"`
	AskPrice7   *float64 `json:"ask_price7"`
	AskVolume7  *int64   `json:"ask_volume7"`
	AskPrice6   *float64 `json:"ask_price6"`
	AskVolume6  *int64   `json:"ask_volume6"`
	AskPrice5   *float64 `json:"ask_price5"`
	AskVolume5  *int64   `json:"ask_volume5"`
	AskPrice4   *float64 `json:"ask_price4"`
	AskVolume4  *int64   `json:"ask_volume4"`
	AskPrice3   *float64 `json:"ask_price3"`
	AskVolume3  *int64   `json:"ask_volume3"`
	AskPrice2   *float64 `json:"ask_price2"`
	AskVolume2  *int64   `json:"ask_volume2"`
	AskPrice1   *float64 `json:"ask_price1"`
	AskVolume1  *int64   `json:"ask_volume1"`

	BidPrice1   *float64 `json:"bid_price1"`
	BidVolume1  *int64   `json:"bid_volume1"`
	BidPrice2   *float64 `json:"bid_price2"`
	BidVolume2  *int64   `json:"bid_volume2"`
	BidPrice3   *float64 `json:"bid_price3"`
	BidVolume3  *int64   `json:"bid_volume3"`
	BidPrice4   *float64 `json:"bid_price4"`
	BidVolume4  *int64   `json:"bid_volume4"`
	BidPrice5   *float64 `json:"bid_price5"`
	BidVolume5  *int64   `json:"bid_volume5"`
	BidPrice6   *float64 `json:"bid_price6"`
	BidVolume6  *int64   `json:"bid_volume6"`
	BidPrice7   *float64 `json:"bid_price7"`
	BidVolume7  *int64   `json:"bid_volume7"`
	BidPrice8   *float64 `json:"bid_price8"`
	BidVolume8  *int64   `json:"bid_volume8"`
	BidPrice9   *float64 `json:"bid_price9"`
	BidVolume9  *int64   `json:"bid_volume9"`
	BidPrice10  *float64 `json:"bid_price10"`
	BidVolume10 *int64   `json:"bid_volume10"`

	LastPrice *float64 `json:"last_price"`
	Highest   *float64 `json:"highest"`
	Lowest    *float64 `json:"lowest"`
	Open      *float64 `json:"open"`

	// Close and Settlement are a number when valid and the string "-"
	// when not, so they are kept as raw JSON.
	Close json.RawMessage `json:"close"`

	// Average is not derivable from the depth record and is always null.
	Average *float64 `json:"average"`

	Volume       int64           `json:"volume"`
	Amount       float64         `json:"amount"`
	OpenInterest int64           `json:"open_interest"`
	Settlement   json.RawMessage `json:"settlement"`

	UpperLimit *float64 `json:"upper_limit"`
	LowerLimit *float64 `json:"lower_limit"`

	PreOpenInterest int64    `json:"pre_open_interest"`
	PreSettlement   *float64 `json:"pre_settlement"`
	PreClose        *float64 `json:"pre_close"`
}

// Valid reports whether a price carries a real value. Venues fill unused
// fields with DBL_MAX-like sentinels, and zero means absent.
func Valid(v float64) bool {
	return v > 1e-6 && v < 1e300
}

// Round2 rounds a price to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func price(v float64) *float64 {
	if !Valid(v) {
		return nil
	}
	r := Round2(v)
	return &r
}

func volumeFor(p float64, v int64) *int64 {
	if !Valid(p) {
		return nil
	}
	return &v
}

var dash = json.RawMessage(`"-"`)

func priceOrDash(v float64) json.RawMessage {
	if !Valid(v) {
		return dash
	}
	return json.RawMessage(strconv.FormatFloat(Round2(v), 'f', -1, 64))
}

// FromDepth converts a depth record into a Quote, naming it displayID
// (the client-facing exchange-prefixed instrument id). The returned
// timestamp is the record's exchange time in Unix milliseconds, falling
// back to now when the record's date or time fields are malformed.
func FromDepth(d *Depth, displayID string, now time.Time) (*Quote, int64) {
	q := &Quote{
		InstrumentID: displayID,
		Datetime:     formatDatetime(d),

		AskPrice5:  price(d.AskPrice5),
		AskVolume5: volumeFor(d.AskPrice5, d.AskVolume5),
		AskPrice4:  price(d.AskPrice4),
		AskVolume4: volumeFor(d.AskPrice4, d.AskVolume4),
		AskPrice3:  price(d.AskPrice3),
		AskVolume3: volumeFor(d.AskPrice3, d.AskVolume3),
		AskPrice2:  price(d.AskPrice2),
		AskVolume2: volumeFor(d.AskPrice2, d.AskVolume2),
		AskPrice1:  price(d.AskPrice1),
		AskVolume1: volumeFor(d.AskPrice1, d.AskVolume1),

		BidPrice1:  price(d.BidPrice1),
		BidVolume1: volumeFor(d.BidPrice1, d.BidVolume1),
		BidPrice2:  price(d.BidPrice2),
		BidVolume2: volumeFor(d.BidPrice2, d.BidVolume2),
		BidPrice3:  price(d.BidPrice3),
		BidVolume3: volumeFor(d.BidPrice3, d.BidVolume3),
		BidPrice4:  price(d.BidPrice4),
		BidVolume4: volumeFor(d.BidPrice4, d.BidVolume4),
		BidPrice5:  price(d.BidPrice5),
		BidVolume5: volumeFor(d.BidPrice5, d.BidVolume5),

		LastPrice: price(d.LastPrice),
		Highest:   price(d.HighestPrice),
		Lowest:    price(d.LowestPrice),
		Open:      price(d.OpenPrice),
		Close:     priceOrDash(d.ClosePrice),

		Volume:       d.Volume,
		Amount:       d.Turnover,
		OpenInterest: int64(d.OpenInterest),
		Settlement:   priceOrDash(d.SettlementPrice),

		UpperLimit: price(d.UpperLimitPrice),
		LowerLimit: price(d.LowerLimitPrice),

		PreOpenInterest: int64(d.PreOpenInterest),
		PreSettlement:   price(d.PreSettlementPrice),
		PreClose:        price(d.PreClosePrice),
	}

	return q, timestampMillis(d, now)
}

// formatDatetime renders "YYYY-MM-DD HH:MM:SS.fffff" where the five-digit
// fraction is UpdateMillisec*100. Short trading-day strings are passed
// through untouched rather than sliced out of range.
func formatDatetime(d *Depth) string {
	updateTime := d.UpdateTime
	if updateTime == "" {
		updateTime = "00:00:00"
	}

	datePart := d.TradingDay
	if len(d.TradingDay) >= 8 {
		datePart = d.TradingDay[0:4] + "-" + d.TradingDay[4:6] + "-" + d.TradingDay[6:8]
	}

	return fmt.Sprintf("%s %s.%05d", datePart, updateTime, d.UpdateMillisec*100)
}

func timestampMillis(d *Depth, now time.Time) int64 {
	if len(d.TradingDay) >= 8 && len(d.UpdateTime) >= 8 {
		t, err := time.ParseInLocation("20060102 15:04:05", d.TradingDay[:8]+" "+d.UpdateTime[:8], time.Local)
		if err == nil {
			return t.UnixMilli() + int64(d.UpdateMillisec)
		}
	}
	return now.UnixMilli()
}

// Marshal renders the quote in its wire form.
func (q *Quote) Marshal() (json.RawMessage, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal quote %s: %w", q.InstrumentID, err)
	}
	return data, nil
}
