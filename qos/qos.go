// Package qos maps traffic class labels to qualitative service policies.
package qos

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v2"
)

// Policy is the service treatment suggested for a traffic class.
type Policy struct {
	Latency   string `json:"latency" yaml:"latency"`
	Jitter    string `json:"jitter" yaml:"jitter"`
	Priority  string `json:"priority" yaml:"priority"`
	Bandwidth string `json:"bandwidth" yaml:"bandwidth"`
}

const (
	RealTime    = "Real-Time"
	NonRealTime = "Non-Real-Time"
)

// DefaultPolicy is returned for labels the table does not know.
var DefaultPolicy = Policy{Latency: "medium", Jitter: "medium", Priority: "medium", Bandwidth: "best_effort"}

var builtinProfiles = map[string]Policy{
	RealTime:    {Latency: "low", Jitter: "low", Priority: "high", Bandwidth: "guaranteed"},
	NonRealTime: {Latency: "medium_to_high", Jitter: "medium", Priority: "low_to_medium", Bandwidth: "best_effort"},

	"Web and Browsing":           {Latency: "medium", Jitter: "medium", Priority: "low_to_medium", Bandwidth: "best_effort"},
	"Video":                      {Latency: "medium", Jitter: "medium", Priority: "medium", Bandwidth: "high"},
	"Texting / Email":            {Latency: "high", Jitter: "high", Priority: "low", Bandwidth: "low"},
	"Social Media":               {Latency: "medium", Jitter: "medium", Priority: "medium", Bandwidth: "medium"},
	"System / Software Services": {Latency: "low", Jitter: "low", Priority: "high", Bandwidth: "low"},
	"Cloud / File Sharing":       {Latency: "high", Jitter: "high", Priority: "low", Bandwidth: "high"},
	"Video Conferencing":         {Latency: "low", Jitter: "low", Priority: "high", Bandwidth: "guaranteed"},
	"Networking":                 {Latency: "low", Jitter: "low", Priority: "high", Bandwidth: "low"},
	"Audio":                      {Latency: "low", Jitter: "low", Priority: "high", Bandwidth: "medium"},
	"Gaming":                     {Latency: "very_low", Jitter: "very_low", Priority: "very_high", Bandwidth: "medium"},
}

// Aliases in addition to each profile's own normalized name.
var builtinAliases = map[string]string{
	"rt":             RealTime,
	"realtimes":      RealTime,
	"nrt":            NonRealTime,
	"systemsoftware": "System / Software Services",
	"cloudfiling":    "Cloud / File Sharing",
	"email":          "Texting / Email",
	"browsing":       "Web and Browsing",
}

// Table is an immutable label to policy lookup. Safe for concurrent use.
type Table struct {
	profiles map[string]Policy
	keys     map[string]string
	fallback Policy
}

// Builtin returns the binary and multi-class profiles.
func Builtin() *Table {
	t, err := newTable(builtinProfiles, builtinAliases, DefaultPolicy)
	if err != nil {
		panic(err)
	}
	return t
}

type overrideFile struct {
	Profiles map[string]Policy `yaml:"profiles"`
	Aliases  map[string]string `yaml:"aliases"`
	Default  *Policy           `yaml:"default"`
}

// LoadTable reads a YAML override file on top of the built-in table. An
// empty path yields the built-in table.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read qos file: %w", err)
	}
	var file overrideFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("parse qos file %s: %w", path, err)
	}

	profiles := maps.Clone(builtinProfiles)
	maps.Copy(profiles, file.Profiles)
	aliases := maps.Clone(builtinAliases)
	maps.Copy(aliases, file.Aliases)
	fallback := DefaultPolicy
	if file.Default != nil {
		fallback = *file.Default
	}
	return newTable(profiles, aliases, fallback)
}

func newTable(profiles map[string]Policy, aliases map[string]string, fallback Policy) (*Table, error) {
	t := &Table{
		profiles: maps.Clone(profiles),
		keys:     make(map[string]string, len(profiles)+len(aliases)),
		fallback: fallback,
	}
	for label := range profiles {
		key := Normalize(label)
		if key == "" {
			return nil, fmt.Errorf("qos profile %q normalizes to an empty key", label)
		}
		t.keys[key] = label
	}
	for alias, label := range aliases {
		if _, ok := profiles[label]; !ok {
			return nil, fmt.Errorf("qos alias %q points at unknown profile %q", alias, label)
		}
		t.keys[Normalize(alias)] = label
	}
	return t, nil
}

func isSeparator(r rune) bool {
	switch r {
	case '-', '_', '/', '.':
		return true
	}
	return unicode.IsSpace(r)
}

// Normalize reduces a label to its lookup key: NFKC, case-folded, with
// whitespace and -_/. separators removed. "Real-Time", "real_time" and
// "REAL TIME" all become "realtime".
func Normalize(label string) string {
	// Transformers carry state, so the chain is built per call.
	t := transform.Chain(norm.NFKC, cases.Fold(), runes.Remove(runes.Predicate(isSeparator)))
	out, _, err := transform.String(t, label)
	if err != nil {
		return ""
	}
	return out
}

// Lookup resolves a label to its canonical name and policy.
func (t *Table) Lookup(label string) (string, Policy, bool) {
	name, ok := t.keys[Normalize(label)]
	if !ok {
		return "", t.fallback, false
	}
	return name, t.profiles[name], true
}

// ForLabel never fails: unknown labels get the default profile.
func (t *Table) ForLabel(label string) Policy {
	_, p, _ := t.Lookup(label)
	return p
}

// All returns a copy of every profile keyed by canonical label.
func (t *Table) All() map[string]Policy {
	return maps.Clone(t.profiles)
}

func (t *Table) Labels() []string {
	return slices.Sorted(maps.Keys(t.profiles))
}

func (t *Table) Default() Policy {
	return t.fallback
}
