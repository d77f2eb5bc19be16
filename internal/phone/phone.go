// Package phone canonicalizes the phone strings that reach the CRM from SMS
// provider webhooks, manual entry and international dialling, and generates
// the bounded set of alternate representations used to match a sender against
// stored lead numbers by plain equality instead of free-text heuristics.
package phone

import "strings"

// suffixLengths are the truncated forms generated for lookup tolerance, most
// specific first.
var suffixLengths = [...]int{10, 9, 8, 7}

// DigitsOnly strips every non-digit rune from s.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize reduces a raw phone string to its canonical digits-only form:
// formatting characters dropped, a leading "+" rewritten as the "00"
// international prefix, the given country calling code stripped when present,
// and one leading national trunk "0" stripped. An empty or garbage input
// yields an empty canonical form, which simply matches nothing downstream.
func Normalize(raw, countryCode string) string {
	s := strings.TrimSpace(raw)
	plus := strings.HasPrefix(s, "+")
	s = DigitsOnly(s)
	if plus {
		s = "00" + s
	}
	if countryCode != "" {
		intl := "00" + countryCode
		switch {
		case strings.HasPrefix(s, intl) && len(s) > len(intl):
			s = s[len(intl):]
		// A bare country code is only stripped when enough digits follow to
		// hold a full subscriber number; otherwise short nationals that merely
		// start with those digits would be mangled.
		case strings.HasPrefix(s, countryCode) && len(s) >= len(countryCode)+9:
			s = s[len(countryCode):]
		}
	}
	if strings.HasPrefix(s, "0") && len(s) > 1 {
		s = s[1:]
	}
	return s
}

// Variations expands a raw phone string into its alternate representations,
// ordered most specific first: the canonical form, the national trunk form,
// the country-code forms (bare and "+"-prefixed), and for canonicals of at
// least seven digits the last 10/9/8/7 digit suffixes that tolerate truncated
// or partially-entered numbers. The slice is de-duplicated so callers can
// iterate it as a priority list.
func Variations(raw, countryCode string) []string {
	canonical := Normalize(raw, countryCode)
	if canonical == "" {
		return nil
	}
	out := coreForms(canonical, countryCode)
	if len(canonical) >= 7 {
		for _, n := range suffixLengths {
			if len(canonical) >= n {
				out = append(out, canonical[len(canonical)-n:])
			}
		}
	}
	return dedupe(out)
}

// CoreVariations is Variations without the truncated suffix forms. The fuzzy
// resolver intersects these sets in both directions before accepting a
// substring candidate; admitting the suffix forms there would make any two
// numbers sharing a tail "intersect" and let unrelated longer numbers match.
func CoreVariations(raw, countryCode string) []string {
	canonical := Normalize(raw, countryCode)
	if canonical == "" {
		return nil
	}
	return dedupe(coreForms(canonical, countryCode))
}

func coreForms(canonical, countryCode string) []string {
	out := []string{canonical, "0" + canonical}
	if countryCode != "" {
		out = append(out, countryCode+canonical, "+"+countryCode+canonical)
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
