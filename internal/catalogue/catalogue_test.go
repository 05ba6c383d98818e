package catalogue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

type staticSource struct {
	instruments []Instrument
	err         error
}

func (s *staticSource) Load(ctx context.Context) ([]Instrument, error) {
	return s.instruments, s.err
}

func sampleInstruments() []Instrument {
	return []Instrument{
		{InstrumentID: "SHFE.rb2601", Exchange: "SHFE", Name: "螺纹钢2601", ProductID: "rb"},
		{InstrumentID: "DCE.m2601", Exchange: "DCE", Name: "豆粕2601", ProductID: "m"},
		{InstrumentID: "CZCE.MA601", Exchange: "CZCE", Name: "甲醇601", ProductID: "MA"},
	}
}

func TestCatalogueLoad(t *testing.T) {
	c := New(&staticSource{instruments: sampleInstruments()}, 0, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}

	want := []string{"CZCE.MA601", "DCE.m2601", "SHFE.rb2601"}
	if got := c.List(); !reflect.DeepEqual(got, want) {
		t.Errorf("List = %v, want %v", got, want)
	}

	inst, ok := c.Get("SHFE.rb2601")
	if !ok || inst.Exchange != "SHFE" {
		t.Errorf("Get = %+v, %v", inst, ok)
	}
}

func TestCatalogueSearch(t *testing.T) {
	c := New(&staticSource{instruments: sampleInstruments()}, 0, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	tests := []struct {
		pattern string
		want    []string
	}{
		{"rb", []string{"SHFE.rb2601"}},
		{"RB", []string{"SHFE.rb2601"}}, // case-insensitive
		{"2601", []string{"DCE.m2601", "SHFE.rb2601"}},
		{"甲醇", []string{"CZCE.MA601"}}, // matches on name
		{"zz9999", nil},
	}
	for _, tt := range tests {
		if got := c.Search(tt.pattern); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Search(%q) = %v, want %v", tt.pattern, got, tt.want)
		}
	}
}

func TestCatalogueLoadFailureLeavesEmpty(t *testing.T) {
	c := New(&staticSource{err: errors.New("db down")}, 0, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
	if got := c.Search("rb"); got != nil {
		t.Errorf("Search = %v, want nil", got)
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.json")
	content := `[
  {"instrument_id":"SHFE.rb2601","exchange":"SHFE","name":"螺纹钢2601","product_id":"rb"},
  {"instrument_id":"DCE.m2601","exchange":"DCE","name":"豆粕2601","product_id":"m"}
]`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	instruments, err := NewFileSource(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(instruments) != 2 {
		t.Fatalf("len = %d, want 2", len(instruments))
	}
	if instruments[0].InstrumentID != "SHFE.rb2601" {
		t.Errorf("instruments[0] = %+v", instruments[0])
	}
}

func TestFileSourceMissing(t *testing.T) {
	_, err := NewFileSource("/nonexistent/instruments.json").Load(context.Background())
	if err == nil {
		t.Fatal("Load of missing file succeeded")
	}
}
