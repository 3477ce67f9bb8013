// Package lookup resolves trading symbols and option contracts to broker
// instrument keys from a static CSV master file.
package lookup

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
	"github.com/sng-aditya/AvanceAI-sub000/internal/observability"
)

const component = "lookup"

// Column headers recognised in the master file. Extra columns are ignored.
const (
	colSegment    = "segment"
	colSecurityID = "security_id"
	colSymbol     = "symbol"
	colDisplay    = "display_name"
	colKind       = "instrument"
	colUnderlying = "underlying"
	colExpiry     = "expiry"
	colStrike     = "strike"
	colOptionType = "option_type"
)

var requiredColumns = []string{colSegment, colSecurityID, colSymbol}

// OptionType is CE for calls and PE for puts.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Instrument is one row of the master file.
type Instrument struct {
	Key         schema.InstrumentKey `json:"key"`
	Symbol      string               `json:"symbol"`
	DisplayName string               `json:"displayName"`
	Kind        string               `json:"instrument"`
	Underlying  string               `json:"underlying,omitempty"`
	Expiry      string               `json:"expiry,omitempty"`
	Strike      string               `json:"strike,omitempty"`
	OptionType  OptionType           `json:"optionType,omitempty"`
}

// Contract identifies an option by underlying, expiry, strike and side.
type Contract struct {
	Underlying string
	Expiry     string
	Strike     float64
	OptionType OptionType
}

type contractKey struct {
	underlying string
	expiry     string
	strike     string
	optionType OptionType
}

type index struct {
	bySymbol   map[string]Instrument
	byKey      map[schema.InstrumentKey]Instrument
	byContract map[contractKey]Instrument
}

// Table is the in-memory master. It is safe for concurrent use and may be
// reloaded while serving lookups.
type Table struct {
	path   string
	logger observability.Logger

	mu  sync.RWMutex
	idx index
}

// Load reads the master file at path.
func Load(path string, logger observability.Logger) (*Table, error) {
	t := &Table{path: strings.TrimSpace(path), logger: observability.Or(logger)}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Parse builds a table from r without a backing file. Reload is a no-op on
// such tables.
func Parse(r io.Reader, logger observability.Logger) (*Table, error) {
	idx, err := parse(r)
	if err != nil {
		return nil, err
	}
	return &Table{logger: observability.Or(logger), idx: idx}, nil
}

// Reload re-reads the backing file and swaps the index atomically. The
// previous index is kept when the file cannot be parsed.
func (t *Table) Reload() error {
	if t.path == "" {
		return nil
	}
	// #nosec G304 -- path comes from operator configuration.
	file, err := os.Open(t.path)
	if err != nil {
		return errs.New(component, errs.CodeConfig,
			errs.WithMessage("open instrument master "+t.path), errs.WithCause(err))
	}
	defer func() { _ = file.Close() }()

	idx, err := parse(file)
	if err != nil {
		return fmt.Errorf("instrument master %s: %w", t.path, err)
	}
	t.mu.Lock()
	t.idx = idx
	t.mu.Unlock()
	t.logger.Info("instrument master loaded",
		observability.F("path", t.path),
		observability.F("instruments", len(idx.byKey)))
	return nil
}

// Len reports the number of instruments loaded.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.idx.byKey)
}

// KeyForSymbol resolves a trading symbol, case-insensitively.
func (t *Table) KeyForSymbol(symbol string) (schema.InstrumentKey, bool) {
	inst, ok := t.BySymbol(symbol)
	return inst.Key, ok
}

// BySymbol returns the instrument registered under symbol.
func (t *Table) BySymbol(symbol string) (Instrument, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.idx.bySymbol[normalize(symbol)]
	return inst, ok
}

// Instrument returns the row for key.
func (t *Table) Instrument(key schema.InstrumentKey) (Instrument, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.idx.byKey[key]
	return inst, ok
}

// Symbol returns the display symbol for key.
func (t *Table) Symbol(key schema.InstrumentKey) (string, bool) {
	inst, ok := t.Instrument(key)
	if !ok {
		return "", false
	}
	return inst.DisplayName, true
}

// Option resolves an option contract to its instrument.
func (t *Table) Option(c Contract) (Instrument, bool) {
	ck := contractKey{
		underlying: normalize(c.Underlying),
		expiry:     strings.TrimSpace(c.Expiry),
		strike:     schema.StrikeKey(c.Strike),
		optionType: OptionType(normalize(string(c.OptionType))),
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.idx.byContract[ck]
	return inst, ok
}

func parse(r io.Reader) (index, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return index{}, invalid("read header", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return index{}, invalid("missing column "+name, nil)
		}
	}

	idx := index{
		bySymbol:   make(map[string]Instrument),
		byKey:      make(map[schema.InstrumentKey]Instrument),
		byContract: make(map[contractKey]Instrument),
	}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return index{}, invalid(fmt.Sprintf("line %d", line), err)
		}
		inst, err := parseRow(cols, record)
		if err != nil {
			return index{}, invalid(fmt.Sprintf("line %d", line), err)
		}
		idx.byKey[inst.Key] = inst
		idx.bySymbol[normalize(inst.Symbol)] = inst
		if inst.OptionType != "" {
			idx.byContract[contractKey{
				underlying: normalize(inst.Underlying),
				expiry:     inst.Expiry,
				strike:     inst.Strike,
				optionType: inst.OptionType,
			}] = inst
		}
	}
	return idx, nil
}

func parseRow(cols map[string]int, record []string) (Instrument, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	segment, err := schema.ParseSegment(field(colSegment))
	if err != nil {
		return Instrument{}, err
	}
	securityID, err := schema.ParseSecurityID(field(colSecurityID))
	if err != nil {
		return Instrument{}, err
	}
	inst := Instrument{
		Key:         schema.NewKey(segment, securityID),
		Symbol:      field(colSymbol),
		DisplayName: field(colDisplay),
		Kind:        strings.ToUpper(field(colKind)),
		Underlying:  strings.ToUpper(field(colUnderlying)),
		Expiry:      field(colExpiry),
		OptionType:  OptionType(strings.ToUpper(field(colOptionType))),
	}
	if inst.Symbol == "" {
		return Instrument{}, fmt.Errorf("symbol required")
	}
	if inst.DisplayName == "" {
		inst.DisplayName = inst.Symbol
	}
	if raw := field(colStrike); raw != "" {
		strike, err := decimal.NewFromString(raw)
		if err != nil {
			return Instrument{}, fmt.Errorf("strike %q: %w", raw, err)
		}
		inst.Strike = strike.StringFixed(2)
	}
	switch inst.OptionType {
	case "":
	case OptionCall, OptionPut:
		if inst.Underlying == "" || inst.Expiry == "" || inst.Strike == "" {
			return Instrument{}, fmt.Errorf("option %s needs underlying, expiry and strike", inst.Symbol)
		}
	default:
		return Instrument{}, fmt.Errorf("option type %q", inst.OptionType)
	}
	return inst, nil
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func invalid(msg string, cause error) error {
	opts := []errs.Option{errs.WithMessage("instrument master: " + msg)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New(component, errs.CodeConfig, opts...)
}
