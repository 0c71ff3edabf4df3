package symbols

import (
	"fmt"
	"sort"
	"strings"
)

// Entry declares one canonical symbol and its native spelling per exchange,
// e.g. canonical "BTC-USD" → {"coinbase": "BTC-USD", "binance": "BTCUSDT"}.
type Entry struct {
	Canonical string
	Native    map[string]string
}

// Map is the static bidirectional symbol table. It is built once at startup
// and immutable afterwards, so lookups need no locking.
type Map struct {
	toCanonical map[string]string // exchange|native -> canonical
	toNative    map[string]string // exchange|canonical -> native
	canonicals  []string
}

// NewMap builds the table from config entries. Duplicate native spellings on
// the same exchange are a configuration error.
func NewMap(entries []Entry) (*Map, error) {
	m := &Map{
		toCanonical: make(map[string]string),
		toNative:    make(map[string]string),
	}
	for _, e := range entries {
		if e.Canonical == "" {
			return nil, fmt.Errorf("symbol entry without canonical name")
		}
		if len(e.Native) == 0 {
			return nil, fmt.Errorf("symbol %s has no native mappings", e.Canonical)
		}
		m.canonicals = append(m.canonicals, e.Canonical)
		for exchange, native := range e.Native {
			ck := key(exchange, native)
			if prev, ok := m.toCanonical[ck]; ok {
				return nil, fmt.Errorf("native symbol %s on %s mapped to both %s and %s", native, exchange, prev, e.Canonical)
			}
			m.toCanonical[ck] = e.Canonical
			m.toNative[key(exchange, e.Canonical)] = native
		}
	}
	sort.Strings(m.canonicals)
	return m, nil
}

// Canonical resolves an exchange's native spelling to the canonical symbol.
func (m *Map) Canonical(exchange, native string) (string, bool) {
	c, ok := m.toCanonical[key(exchange, native)]
	return c, ok
}

// Native resolves a canonical symbol to the exchange's spelling.
func (m *Map) Native(exchange, canonical string) (string, bool) {
	n, ok := m.toNative[key(exchange, canonical)]
	return n, ok
}

// Canonicals lists every canonical symbol in the table, sorted.
func (m *Map) Canonicals() []string {
	out := make([]string, len(m.canonicals))
	copy(out, m.canonicals)
	return out
}

func key(exchange, symbol string) string {
	return strings.ToLower(exchange) + "|" + symbol
}
