package trigger

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Set is an immutable set of table names that changed together.
//
// The zero value is the empty set. Initial is the distinguished startup
// signal: it carries no tables but matches every filter.
type Set struct {
	tables  []string // sorted, de-duplicated
	initial bool
}

// Initial is the startup marker delivered to every new subscription.
var Initial = Set{initial: true}

// Of builds a set from table names. Duplicates collapse and order is
// irrelevant. Names are kept verbatim; use Fold for stores with
// case-insensitive identifiers.
func Of(tables ...string) Set {
	if len(tables) == 0 {
		return Set{}
	}
	sorted := make([]string, len(tables))
	copy(sorted, tables)
	sort.Strings(sorted)

	out := sorted[:1]
	for _, t := range sorted[1:] {
		if t != out[len(out)-1] {
			out = append(out, t)
		}
	}
	return Set{tables: out}
}

// Fold normalizes a table name to NFC and applies full Unicode case
// folding. SQLite only folds ASCII case, so Fold is coarser: names SQLite
// treats as one table always fold to the same key, while some distinct
// non-ASCII names (such as "straße" and "STRASSE") collide. A collision only
// causes an extra re-run, never a missed one.
func Fold(table string) string {
	// A Caser is stateful and must not be shared between goroutines.
	return cases.Fold().String(norm.NFC.String(table))
}

// FoldAll folds every name and builds a set from the result.
func FoldAll(tables ...string) Set {
	folded := make([]string, len(tables))
	for i, t := range tables {
		folded[i] = Fold(t)
	}
	return Of(folded...)
}

// IsInitial reports whether s is the Initial marker.
func (s Set) IsInitial() bool {
	return s.initial
}

// IsEmpty reports whether s carries no tables and is not Initial.
func (s Set) IsEmpty() bool {
	return !s.initial && len(s.tables) == 0
}

// Len returns the number of tables in s.
func (s Set) Len() int {
	return len(s.tables)
}

// Tables returns a copy of the table names in sorted order.
func (s Set) Tables() []string {
	out := make([]string, len(s.tables))
	copy(out, s.tables)
	return out
}

// Contains reports whether table is a member of s.
func (s Set) Contains(table string) bool {
	i := sort.SearchStrings(s.tables, table)
	return i < len(s.tables) && s.tables[i] == table
}

// Intersects reports whether s and other share at least one table.
func (s Set) Intersects(other Set) bool {
	i, j := 0, 0
	for i < len(s.tables) && j < len(other.tables) {
		switch {
		case s.tables[i] == other.tables[j]:
			return true
		case s.tables[i] < other.tables[j]:
			i++
		default:
			j++
		}
	}
	return false
}

// Union returns the set of tables in s or other. The Initial flag survives
// if either side carries it.
func (s Set) Union(other Set) Set {
	if len(other.tables) == 0 {
		return Set{tables: s.tables, initial: s.initial || other.initial}
	}
	if len(s.tables) == 0 {
		return Set{tables: other.tables, initial: s.initial || other.initial}
	}
	merged := make([]string, 0, len(s.tables)+len(other.tables))
	merged = append(merged, s.tables...)
	merged = append(merged, other.tables...)
	u := Of(merged...)
	u.initial = s.initial || other.initial
	return u
}

// Equal reports whether s and other hold the same tables and Initial flag.
func (s Set) Equal(other Set) bool {
	if s.initial != other.initial || len(s.tables) != len(other.tables) {
		return false
	}
	for i := range s.tables {
		if s.tables[i] != other.tables[i] {
			return false
		}
	}
	return true
}

// String renders the set for logs, e.g. "[employee manager]" or "INITIAL".
func (s Set) String() string {
	if s.initial && len(s.tables) == 0 {
		return "INITIAL"
	}
	str := "[" + strings.Join(s.tables, " ") + "]"
	if s.initial {
		str = "INITIAL" + str
	}
	return str
}

// Filter decides whether a published set is relevant to a subscriber.
type Filter func(Set) bool

// AnyOf returns a filter matching Initial and any set intersecting tables.
func AnyOf(tables Set) Filter {
	return func(s Set) bool {
		return s.IsInitial() || s.Intersects(tables)
	}
}

// All matches every set.
func All(Set) bool { return true }
