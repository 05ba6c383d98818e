package catalogue

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Instrument is one catalogue entry. InstrumentID carries the display
// form (EXCHANGE.SYMBOL).
type Instrument struct {
	InstrumentID string `json:"instrument_id"`
	Exchange     string `json:"exchange"`
	Name         string `json:"name"`
	ProductID    string `json:"product_id"`
}

// Source loads the full instrument set.
type Source interface {
	Load(ctx context.Context) ([]Instrument, error)
}

// Catalogue is the in-process instrument lookup.
type Catalogue struct {
	source Source
	reload time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	byID    map[string]Instrument
	ordered []string

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(source Source, reloadInterval time.Duration, logger *slog.Logger) *Catalogue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalogue{
		source: source,
		reload: reloadInterval,
		logger: logger.With("component", "catalogue"),
		byID:   make(map[string]Instrument),
	}
}

// Start performs the initial load and, when a reload interval is set,
// launches the refresh loop. A failed initial load is logged and leaves
// the catalogue empty; search and list then return nothing.
func (c *Catalogue) Start(ctx context.Context) error {
	if err := c.refresh(ctx); err != nil {
		c.logger.Warn("initial catalogue load failed", "error", err)
	}

	if c.reload <= 0 || c.source == nil {
		return nil
	}

	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.runMu.Unlock()

	c.wg.Add(1)
	go c.refreshLoop(runCtx)
	return nil
}

// Stop cancels the refresh loop.
func (c *Catalogue) Stop(ctx context.Context) error {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.runMu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Catalogue) refreshLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	next := time.Now().Add(c.reload)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			next = now.Add(c.reload)
			if err := c.refresh(ctx); err != nil {
				c.logger.Warn("catalogue refresh failed", "error", err)
			}
		}
	}
}

func (c *Catalogue) refresh(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	instruments, err := c.source.Load(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]Instrument, len(instruments))
	ordered := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		if inst.InstrumentID == "" {
			continue
		}
		if _, dup := byID[inst.InstrumentID]; !dup {
			ordered = append(ordered, inst.InstrumentID)
		}
		byID[inst.InstrumentID] = inst
	}
	sort.Strings(ordered)

	c.mu.Lock()
	c.byID = byID
	c.ordered = ordered
	c.mu.Unlock()

	c.logger.Info("catalogue loaded", "instruments", len(ordered))
	return nil
}

// Get returns one instrument by display id.
func (c *Catalogue) Get(instrumentID string) (Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.byID[instrumentID]
	return inst, ok
}

// List returns all instrument ids in sorted order.
func (c *Catalogue) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Search returns instrument ids whose id or name contains the pattern,
// case-insensitively, in sorted order.
func (c *Catalogue) Search(pattern string) []string {
	needle := strings.ToLower(pattern)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for _, id := range c.ordered {
		inst := c.byID[id]
		if strings.Contains(strings.ToLower(inst.InstrumentID), needle) ||
			strings.Contains(strings.ToLower(inst.Name), needle) {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of catalogued instruments.
func (c *Catalogue) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ordered)
}
