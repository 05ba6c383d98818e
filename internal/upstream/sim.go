package upstream

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/quantaxis/qamd/internal/quote"
)

// SimDriver simulates a market-data front: it connects instantly,
// accepts any login, and emits randomized five-level ticks for every
// subscribed instrument. Used for development and load testing when no
// real front is reachable.
type SimDriver struct {
	tickInterval time.Duration

	mu         sync.Mutex
	handler    Handler
	subscribed map[string]float64 // instrument -> last price
	closed     chan struct{}
	once       sync.Once
}

// NewSimFactory returns a DriverFactory producing simulated drivers that
// tick at the given interval.
func NewSimFactory(tickInterval time.Duration) DriverFactory {
	return func(connectionID string) Driver {
		return &SimDriver{
			tickInterval: tickInterval,
			subscribed:   make(map[string]float64),
			closed:       make(chan struct{}),
		}
	}
}

func (s *SimDriver) Connect(frontAddr string, h Handler) error {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()

	go func() {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-s.closed:
			return
		}
		h.OnFrontConnected()
	}()
	go s.tickLoop(h)
	return nil
}

func (s *SimDriver) Login(brokerID string) error {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()

	go func() {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-s.closed:
			return
		}
		h.OnLogin(nil)
	}()
	return nil
}

func (s *SimDriver) Subscribe(instrumentID string) error {
	s.mu.Lock()
	if _, ok := s.subscribed[instrumentID]; !ok {
		s.subscribed[instrumentID] = 2000 + rand.Float64()*3000
	}
	h := s.handler
	s.mu.Unlock()

	go h.OnSubscribed(instrumentID, nil)
	return nil
}

func (s *SimDriver) Unsubscribe(instrumentID string) error {
	s.mu.Lock()
	delete(s.subscribed, instrumentID)
	h := s.handler
	s.mu.Unlock()

	go h.OnUnsubscribed(instrumentID, nil)
	return nil
}

func (s *SimDriver) Release() {
	s.once.Do(func() { close(s.closed) })
}

func (s *SimDriver) tickLoop(h Handler) {
	interval := s.tickInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			for _, d := range s.nextTicks() {
				h.OnDepth(d)
			}
		}
	}
}

// nextTicks walks each subscribed instrument's price randomly and builds
// a depth record around it.
func (s *SimDriver) nextTicks() []*quote.Depth {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]*quote.Depth, 0, len(s.subscribed))
	for inst, last := range s.subscribed {
		last += (rand.Float64() - 0.5) * 10
		if last < 1 {
			last = 1
		}
		s.subscribed[inst] = last

		d := &quote.Depth{
			InstrumentID:       inst,
			TradingDay:         now.Format("20060102"),
			UpdateTime:         now.Format("15:04:05"),
			UpdateMillisec:     now.Nanosecond() / 1e6,
			LastPrice:          last,
			Volume:             rand.Int64N(100000),
			Turnover:           last * float64(rand.Int64N(1000000)),
			OpenInterest:       float64(rand.Int64N(500000)),
			HighestPrice:       last + 20,
			LowestPrice:        last - 20,
			OpenPrice:          last - 5,
			UpperLimitPrice:    last * 1.1,
			LowerLimitPrice:    last * 0.9,
			PreSettlementPrice: last - 2,
			PreClosePrice:      last - 3,
		}
		d.BidPrice1, d.BidVolume1 = last-0.5, rand.Int64N(200)+1
		d.BidPrice2, d.BidVolume2 = last-1.0, rand.Int64N(200)+1
		d.BidPrice3, d.BidVolume3 = last-1.5, rand.Int64N(200)+1
		d.BidPrice4, d.BidVolume4 = last-2.0, rand.Int64N(200)+1
		d.BidPrice5, d.BidVolume5 = last-2.5, rand.Int64N(200)+1
		d.AskPrice1, d.AskVolume1 = last+0.5, rand.Int64N(200)+1
		d.AskPrice2, d.AskVolume2 = last+1.0, rand.Int64N(200)+1
		d.AskPrice3, d.AskVolume3 = last+1.5, rand.Int64N(200)+1
		d.AskPrice4, d.AskVolume4 = last+2.0, rand.Int64N(200)+1
		d.AskPrice5, d.AskVolume5 = last+2.5, rand.Int64N(200)+1
		out = append(out, d)
	}
	return out
}
