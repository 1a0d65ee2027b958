// Package aggregate accumulates a derived catalog of distinct values while
// records stream past. It is a pure in-memory accumulator; persistence is the
// caller's problem, once, after the pass completes.
package aggregate

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"ingest/internal/decode"
)

// Extractor pulls candidate values from one decoded record.
type Extractor func(decode.Record) []string

// Tags extracts the tag list field used by the card catalog.
func Tags(r decode.Record) []string {
	return r.Strings("keywords")
}

// Collector deduplicates values case-insensitively using Unicode case
// folding, keeping the first spelling seen.
type Collector struct {
	extract Extractor
	fold    cases.Caser
	seen    map[string]string // folded form -> first original spelling
}

// NewCollector returns a collector driven by extract.
func NewCollector(extract Extractor) *Collector {
	return &Collector{
		extract: extract,
		fold:    cases.Fold(),
		seen:    map[string]string{},
	}
}

// Offer feeds one record through the extractor. Blank values are dropped;
// surrounding whitespace is not significant.
func (c *Collector) Offer(r decode.Record) {
	for _, v := range c.extract(r) {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := c.fold.String(v)
		if _, ok := c.seen[key]; !ok {
			c.seen[key] = v
		}
	}
}

// Len reports the number of distinct values collected so far.
func (c *Collector) Len() int { return len(c.seen) }

// Values returns the distinct values sorted lexically, ready for a single
// truncate-and-insert.
func (c *Collector) Values() []string {
	out := make([]string, 0, len(c.seen))
	for _, v := range c.seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
