package quote

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func sampleDepth() *Depth {
	return &Depth{
		InstrumentID:       "rb2601",
		TradingDay:         "20260824",
		UpdateTime:         "10:30:15",
		UpdateMillisec:     500,
		LastPrice:          3850.456,
		BidPrice1:          3850.0,
		BidVolume1:         12,
		AskPrice1:          3850.5,
		AskVolume1:         8,
		Volume:             123456,
		Turnover:           4.75e9,
		OpenInterest:       200000.0,
		HighestPrice:       3899.0,
		LowestPrice:        3801.0,
		OpenPrice:          3820.0,
		ClosePrice:         1.7976931348623157e308, // unset sentinel
		SettlementPrice:    0,
		UpperLimitPrice:    4100.0,
		LowerLimitPrice:    3600.0,
		PreOpenInterest:    199000.0,
		PreSettlementPrice: 3840.0,
		PreClosePrice:      3845.0,
	}
}

func TestFromDepth(t *testing.T) {
	q, ts := FromDepth(sampleDepth(), "SHFE.rb2601", time.Now())

	if q.InstrumentID != "SHFE.rb2601" {
		t.Errorf("InstrumentID = %q, want %q", q.InstrumentID, "SHFE.rb2601")
	}
	if q.Datetime != "2026-08-24 10:30:15.50000" {
		t.Errorf("Datetime = %q, want %q", q.Datetime, "2026-08-24 10:30:15.50000")
	}
	if q.LastPrice == nil || *q.LastPrice != 3850.46 {
		t.Errorf("LastPrice = %v, want 3850.46", q.LastPrice)
	}
	if q.BidPrice1 == nil || *q.BidPrice1 != 3850.0 {
		t.Errorf("BidPrice1 = %v, want 3850", q.BidPrice1)
	}
	if q.BidVolume1 == nil || *q.BidVolume1 != 12 {
		t.Errorf("BidVolume1 = %v, want 12", q.BidVolume1)
	}
	// No second level in the record, so price and volume are both null.
	if q.BidPrice2 != nil || q.BidVolume2 != nil {
		t.Errorf("BidPrice2/BidVolume2 = %v/%v, want nil/nil", q.BidPrice2, q.BidVolume2)
	}
	// Depth is five levels, 6..10 are always null.
	if q.AskPrice10 != nil || q.BidVolume10 != nil {
		t.Error("level 10 fields must be nil")
	}
	if !bytes.Equal(q.Close, []byte(`"-"`)) {
		t.Errorf("Close = %s, want \"-\"", q.Close)
	}
	if !bytes.Equal(q.Settlement, []byte(`"-"`)) {
		t.Errorf("Settlement = %s, want \"-\"", q.Settlement)
	}
	if q.Average != nil {
		t.Errorf("Average = %v, want nil", q.Average)
	}
	if q.OpenInterest != 200000 {
		t.Errorf("OpenInterest = %d, want 200000", q.OpenInterest)
	}

	want := time.Date(2026, 8, 24, 10, 30, 15, 0, time.Local).UnixMilli() + 500
	if ts != want {
		t.Errorf("timestamp = %d, want %d", ts, want)
	}
}

func TestFromDepthValidSettlement(t *testing.T) {
	d := sampleDepth()
	d.SettlementPrice = 3841.239
	q, _ := FromDepth(d, "SHFE.rb2601", time.Now())

	if !bytes.Equal(q.Settlement, []byte("3841.24")) {
		t.Errorf("Settlement = %s, want 3841.24", q.Settlement)
	}
}

func TestFromDepthTimestampFallback(t *testing.T) {
	d := sampleDepth()
	d.UpdateTime = "bad"
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	q, ts := FromDepth(d, "SHFE.rb2601", now)

	if ts != now.UnixMilli() {
		t.Errorf("timestamp = %d, want wall clock %d", ts, now.UnixMilli())
	}
	// The datetime string still renders whatever the record carried.
	if !strings.Contains(q.Datetime, "bad") {
		t.Errorf("Datetime = %q, want raw time passed through", q.Datetime)
	}
}

func TestFromDepthShortTradingDay(t *testing.T) {
	d := sampleDepth()
	d.TradingDay = "2026"
	q, _ := FromDepth(d, "SHFE.rb2601", time.Now())

	if q.Datetime != "2026 10:30:15.50000" {
		t.Errorf("Datetime = %q, want short day passed through", q.Datetime)
	}
}

func TestQuoteKeyOrder(t *testing.T) {
	q, _ := FromDepth(sampleDepth(), "SHFE.rb2601", time.Now())
	data, err := q.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	wantOrder := []string{
		`"instrument_id"`, `"datetime"`,
		`"ask_price10"`, `"ask_volume10"`, `"ask_price6"`, `"ask_price5"`, `"ask_volume5"`, `"ask_price1"`, `"ask_volume1"`,
		`"bid_price1"`, `"bid_volume1"`, `"bid_price5"`, `"bid_price10"`, `"bid_volume10"`,
		`"last_price"`, `"highest"`, `"lowest"`, `"open"`, `"close"`, `"average"`,
		`"volume"`, `"amount"`, `"open_interest"`, `"settlement"`,
		`"upper_limit"`, `"lower_limit"`, `"pre_open_interest"`, `"pre_settlement"`, `"pre_close"`,
	}

	s := string(data)
	prev := -1
	for _, key := range wantOrder {
		idx := strings.Index(s, key)
		if idx < 0 {
			t.Fatalf("key %s missing from output", key)
		}
		if idx <= prev {
			t.Errorf("key %s out of order", key)
		}
		prev = idx
	}
}

func TestQuoteMarshalNulls(t *testing.T) {
	q, _ := FromDepth(sampleDepth(), "SHFE.rb2601", time.Now())
	data, err := q.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(m) != 57 {
		t.Errorf("len(keys) = %d, want 57", len(m))
	}
	if m["ask_price7"] != nil {
		t.Errorf("ask_price7 = %v, want null", m["ask_price7"])
	}
	if m["average"] != nil {
		t.Errorf("average = %v, want null", m["average"])
	}
	if m["close"] != "-" {
		t.Errorf("close = %v, want \"-\"", m["close"])
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		v    float64
		want bool
	}{
		{3850.5, true},
		{1e-6, false},
		{0, false},
		{-5, false},
		{1e300, false},
		{1.7976931348623157e308, false},
		{2e-6, true},
	}
	for _, tt := range tests {
		if got := Valid(tt.v); got != tt.want {
			t.Errorf("Valid(%g) = %v, want %v", tt.v, got, tt.want)
		}
	}
}
