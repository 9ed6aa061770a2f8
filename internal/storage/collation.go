package storage

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// CollationKey normalizes s into the byte sequence the B-tree/hash index
// should compare or hash against, per the column's Collation (spec §3,
// §4.8). A given (Collation, LocaleTag) pair always produces keys whose
// byte order matches the collation's comparison semantics, so both the
// B-tree and the hash index can use plain byte comparison/hashing on the
// result.
func CollationKey(collation Collation, localeTag string, s string) []byte {
	switch collation {
	case CollateBinary:
		return []byte(s)
	case CollateNoCase:
		return []byte(asciiUpper(s))
	case CollateRTrim:
		return []byte(strings.TrimRight(s, " "))
	case CollateUnicode:
		return []byte(cases.Fold().String(s))
	case CollateLocale:
		tag, err := language.Parse(localeTag)
		if err != nil {
			tag = language.Und
		}
		col := collate.New(tag, collate.IgnoreCase)
		return col.Key(col.Buffer(), []byte(cases.Fold().String(s)))
	default:
		return []byte(s)
	}
}

// CollationEqual reports whether a and b compare equal under collation.
func CollationEqual(collation Collation, localeTag string, a, b string) bool {
	switch collation {
	case CollateBinary:
		return a == b
	default:
		ka := CollationKey(collation, localeTag, a)
		kb := CollationKey(collation, localeTag, b)
		if len(ka) != len(kb) {
			return false
		}
		for i := range ka {
			if ka[i] != kb[i] {
				return false
			}
		}
		return true
	}
}

// CollationCompare returns -1/0/1 comparing a and b under collation, in the
// collation's defined order.
func CollationCompare(collation Collation, localeTag string, a, b string) int {
	switch collation {
	case CollateLocale:
		tag, err := language.Parse(localeTag)
		if err != nil {
			tag = language.Und
		}
		col := collate.New(tag, collate.IgnoreCase)
		return col.CompareString(a, b)
	default:
		ka := CollationKey(collation, localeTag, a)
		kb := CollationKey(collation, localeTag, b)
		switch {
		case string(ka) < string(kb):
			return -1
		case string(ka) > string(kb):
			return 1
		default:
			return 0
		}
	}
}

func asciiUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'a' <= c && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}
