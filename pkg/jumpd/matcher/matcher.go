// Package matcher implements the fuzzy fallback used when a jump name does not
// resolve to exactly one jump, and the type-ahead suggestions.
//
// The matcher performs no authorization: callers pass in a dictionary that is
// already restricted to what the requester may see.
package matcher

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/xrash/smetrics"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Mode selects what a match is scored against and what it returns.
type Mode int

const (
	// Jumping scores names only; used after a failed or ambiguous resolution.
	Jumping Mode = iota
	// Suggesting scores names only and is returned as host&id tokens.
	Suggesting
	// Searching also scores the location and each word of the title.
	Searching
)

func (m Mode) String() string {
	switch m {
	case Suggesting:
		return "suggest"
	case Searching:
		return "search"
	default:
		return "jump"
	}
}

// ParseMode maps the query-string form of a mode; unknown values are rejected.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "search":
		return Searching, nil
	case "suggest":
		return Suggesting, nil
	case "jump":
		return Jumping, nil
	}
	return Jumping, fmt.Errorf("unknown match mode %q", s)
}

// Entry is one matchable name. An alias produces its own entry carrying the
// parent jump's ID and location.
type Entry struct {
	ID       uint
	Name     string
	Location string
	Title    string
}

// Scorer returns a similarity in [0, 1].
type Scorer func(a, b string) float64

// JaroWinkler is the default scorer.
func JaroWinkler(a, b string) float64 {
	return smetrics.JaroWinkler(a, b, 0.7, 4)
}

// Options configures a Matcher. Zero thresholds take the package defaults.
type Options struct {
	Threshold     float64
	BestEffort    float64
	CaseSensitive bool
	Scorer        Scorer
}

const (
	DefaultThreshold  = 0.75
	DefaultBestEffort = 0.65
)

// Matcher is safe for concurrent use.
type Matcher struct {
	threshold     float64
	bestEffort    float64
	caseSensitive bool
	score         Scorer
}

func New(opts Options) *Matcher {
	m := &Matcher{
		threshold:     opts.Threshold,
		bestEffort:    opts.BestEffort,
		caseSensitive: opts.CaseSensitive,
		score:         opts.Scorer,
	}
	if m.threshold <= 0 {
		m.threshold = DefaultThreshold
	}
	if m.bestEffort <= 0 {
		m.bestEffort = DefaultBestEffort
	}
	if m.score == nil {
		m.score = JaroWinkler
	}
	return m
}

// CaseSensitive reports the name comparison policy.
func (m *Matcher) CaseSensitive() bool { return m.caseSensitive }

// Normalize trims surrounding space and puts a name in Unicode NFC so that
// visually identical names compare equal.
func Normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Key returns the comparison form of a name under the matcher's case policy.
func (m *Matcher) Key(s string) string {
	s = Normalize(s)
	if m.caseSensitive {
		return s
	}
	// cases.Caser is stateful, so one per call.
	return cases.Fold().String(s)
}

// Equal compares two names under the matcher's case policy.
func (m *Matcher) Equal(a, b string) bool {
	return m.Key(a) == m.Key(b)
}

type scored struct {
	entry Entry
	score float64
}

// Match returns the entries of dict that match query.
//
// Exact name matches win outright and are returned without scoring. Otherwise
// every entry scoring above the threshold is returned, best first, keeping
// dict order among equal scores. If none qualifies, the single best entry
// above the best-effort floor is returned, or nothing.
func (m *Matcher) Match(dict []Entry, query string, mode Mode) []Entry {
	q := m.Key(query)
	if q == "" {
		return nil
	}

	var exact []Entry
	for _, e := range dict {
		if m.Key(e.Name) == q {
			exact = append(exact, e)
		}
	}
	if len(exact) > 0 {
		return exact
	}

	var hits []scored
	var best *scored
	for _, e := range dict {
		s := m.scoreEntry(e, q, mode)
		if s > m.threshold {
			hits = append(hits, scored{entry: e, score: s})
			continue
		}
		if s > m.bestEffort && (best == nil || s > best.score) {
			best = &scored{entry: e, score: s}
		}
	}

	if len(hits) == 0 {
		if best != nil {
			return []Entry{best.entry}
		}
		return nil
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	out := make([]Entry, len(hits))
	for i, h := range hits {
		out[i] = h.entry
	}
	return out
}

func (m *Matcher) scoreEntry(e Entry, q string, mode Mode) float64 {
	s := m.score(q, m.Key(e.Name))
	if mode != Searching {
		return s
	}
	if e.Location != "" {
		s = max(s, m.score(q, m.Key(e.Location)))
	}
	for _, word := range strings.Fields(e.Title) {
		s = max(s, m.score(q, m.Key(word)))
	}
	return s
}

// Suggest runs a Suggesting match and renders each distinct jump as a
// "host&id" token for client-side shortcuts.
func (m *Matcher) Suggest(dict []Entry, query string) []string {
	matches := Distinct(m.Match(dict, query, Suggesting))
	tokens := make([]string, len(matches))
	for i, e := range matches {
		tokens[i] = Token(e)
	}
	return tokens
}

// Token renders an entry as host&id, falling back to the raw location when
// it has no host.
func Token(e Entry) string {
	host := e.Location
	if u, err := url.Parse(e.Location); err == nil && u.Host != "" {
		host = u.Host
	}
	return fmt.Sprintf("%s&%d", host, e.ID)
}

// Distinct drops later entries that point at an ID already seen.
func Distinct(entries []Entry) []Entry {
	seen := make(map[uint]struct{}, len(entries))
	out := entries[:0:0]
	for _, e := range entries {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out
}
