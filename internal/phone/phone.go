package phone

import (
	"regexp"
	"strings"
)

// Region identifies the numbering plan used to validate and normalize a
// subscriber number. The wallet provider only operates in Senegal; the
// operator provider is configured with one of the countries it covers.
const (
	RegionSenegal     = "SN"
	RegionIvoryCoast  = "CI"
	RegionMali        = "ML"
	RegionBurkinaFaso = "BF"
	RegionNiger       = "NE"
	RegionGuinea      = "GN"
	RegionCameroon    = "CM"
)

type plan struct {
	prefix  string
	pattern *regexp.Regexp
}

var (
	separators = regexp.MustCompile(`[\s\-()]+`)
	digitsOnly = regexp.MustCompile(`^[0-9]+$`)
	generic    = regexp.MustCompile(`^[+]?[0-9]{8,15}$`)

	plans = map[string]plan{
		// Senegalese mobile numbers are 9 digits starting with 7 or 3.
		RegionSenegal:     {prefix: "+221", pattern: regexp.MustCompile(`^(\+221|221)?[73][0-9]{8}$`)},
		RegionIvoryCoast:  {prefix: "+225", pattern: regexp.MustCompile(`^(\+225|225)?[0-9]{8,10}$`)},
		RegionMali:        {prefix: "+223", pattern: regexp.MustCompile(`^(\+223|223)?[0-9]{8}$`)},
		RegionBurkinaFaso: {prefix: "+226", pattern: regexp.MustCompile(`^(\+226|226)?[0-9]{8}$`)},
		RegionNiger:       {prefix: "+227", pattern: regexp.MustCompile(`^(\+227|227)?[0-9]{8}$`)},
		RegionGuinea:      {prefix: "+224", pattern: regexp.MustCompile(`^(\+224|224)?[0-9]{8,9}$`)},
		RegionCameroon:    {prefix: "+237", pattern: regexp.MustCompile(`^(\+237|237)?[0-9]{8,9}$`)},
	}
)

// Valid reports whether raw is an acceptable subscriber number for the
// region. Whitespace, hyphens and parentheses are stripped before matching.
// Unknown regions fall back to a generic 8-15 digit international pattern.
func Valid(raw, region string) bool {
	cleaned := clean(raw)
	if cleaned == "" {
		return false
	}
	p, ok := plans[strings.ToUpper(strings.TrimSpace(region))]
	if !ok {
		return generic.MatchString(cleaned)
	}
	return p.pattern.MatchString(cleaned)
}

// Normalize returns the E.164-like form of raw for the region: separators
// removed and the international prefix prepended when the input is all
// digits (with or without the bare country code). Inputs that do not match
// any recognized shape are returned cleaned but otherwise unchanged; this
// pass-through is deliberate and is not a validation.
func Normalize(raw, region string) string {
	cleaned := clean(raw)
	if strings.HasPrefix(cleaned, "+") {
		return cleaned
	}
	p, ok := plans[strings.ToUpper(strings.TrimSpace(region))]
	if !ok {
		return cleaned
	}
	if !digitsOnly.MatchString(cleaned) {
		return cleaned
	}
	bare := strings.TrimPrefix(p.prefix, "+")
	if strings.HasPrefix(cleaned, bare) && p.pattern.MatchString(cleaned) {
		return "+" + cleaned
	}
	return p.prefix + cleaned
}

func clean(raw string) string {
	return separators.ReplaceAllString(strings.TrimSpace(raw), "")
}
