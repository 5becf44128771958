// Package validation checks submitted prior-authorization data against
// per-payer rulesets loaded from YAML.
package validation

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/oliveagle/jsonpath"
	"gopkg.in/yaml.v3"
)

// Kinds a field may be required to have.
const (
	KindString = "string"
	KindNumber = "number"
	KindBool   = "boolean"
	KindObject = "object"
	KindArray  = "array"
)

// FieldRule requires one path to be present. Path is a JSONPath; the
// leading "$." may be omitted, so "patient.dob" and "codes[0]" both work.
type FieldRule struct {
	Path    string `yaml:"path"`
	Type    string `yaml:"type"`
	Pattern string `yaml:"pattern"`

	re    *regexp.Regexp
	query *jsonpath.Compiled
}

// PayerRules is the ruleset of one payer.
type PayerRules struct {
	Name     string      `yaml:"name"`
	Required []FieldRule `yaml:"required"`
}

type document struct {
	Payers map[string]*PayerRules `yaml:"payers"`
}

// Result is the outcome of validating one submission.
type Result struct {
	Valid          bool     `json:"valid"`
	Errors         []string `json:"errors"`
	MissingFields  []string `json:"missingFields"`
	RequiredFields []string `json:"requiredFields"`
}

// Ruleset holds every payer's rules. It is immutable after loading.
type Ruleset struct {
	payers map[string]*PayerRules
}

// LoadFile reads a ruleset from a YAML file.
func LoadFile(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset: %w", err)
	}
	return Parse(data)
}

// Parse builds a ruleset from YAML.
func Parse(data []byte) (*Ruleset, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ruleset: %w", err)
	}

	rs := &Ruleset{payers: make(map[string]*PayerRules, len(doc.Payers))}
	for id, rules := range doc.Payers {
		if rules == nil {
			rules = &PayerRules{}
		}
		for i := range rules.Required {
			r := &rules.Required[i]
			if r.Path == "" {
				return nil, fmt.Errorf("payer %s: rule %d has no path", id, i)
			}
			switch r.Type {
			case "", KindString, KindNumber, KindBool, KindObject, KindArray:
			default:
				return nil, fmt.Errorf("payer %s: field %s: unknown type %q", id, r.Path, r.Type)
			}
			q, err := jsonpath.Compile(expression(r.Path))
			if err != nil {
				return nil, fmt.Errorf("payer %s: field %s: %w", id, r.Path, err)
			}
			r.query = q
			if r.Pattern != "" {
				re, err := regexp.Compile(r.Pattern)
				if err != nil {
					return nil, fmt.Errorf("payer %s: field %s: %w", id, r.Path, err)
				}
				r.re = re
			}
		}
		rs.payers[strings.ToLower(id)] = rules
	}
	return rs, nil
}

// Payers returns the configured payer ids in sorted order.
func (rs *Ruleset) Payers() []string {
	ids := make([]string, 0, len(rs.payers))
	for id := range rs.payers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RequiredFields lists the paths a payer requires.
func (rs *Ruleset) RequiredFields(payerID string) []string {
	rules, ok := rs.payers[strings.ToLower(payerID)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rules.Required))
	for _, r := range rules.Required {
		out = append(out, r.Path)
	}
	return out
}

// Validate checks data against the payer's rules. An unknown payer is
// reported as invalid.
func (rs *Ruleset) Validate(payerID string, data map[string]interface{}) Result {
	res := Result{Errors: []string{}, MissingFields: []string{}}

	rules, ok := rs.payers[strings.ToLower(payerID)]
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("no ruleset configured for payer %q", payerID))
		return res
	}
	res.RequiredFields = rs.RequiredFields(payerID)

	for _, r := range rules.Required {
		v, err := r.query.Lookup(data)
		if err != nil || isEmpty(v) {
			res.MissingFields = append(res.MissingFields, r.Path)
			continue
		}
		if r.Type != "" && kindOf(v) != r.Type {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: expected %s, got %s", r.Path, r.Type, kindOf(v)))
			continue
		}
		if r.re != nil {
			s, _ := v.(string)
			if !r.re.MatchString(s) {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: value does not match %s", r.Path, r.Pattern))
			}
		}
	}
	for _, m := range res.MissingFields {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: required field missing", m))
	}

	res.Valid = len(res.Errors) == 0
	return res
}

func expression(path string) string {
	if strings.HasPrefix(path, "$") {
		return path
	}
	return "$." + path
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	}
	return false
}

func kindOf(v interface{}) string {
	switch v.(type) {
	case string:
		return KindString
	case float64, float32, int, int64, int32:
		return KindNumber
	case bool:
		return KindBool
	case map[string]interface{}:
		return KindObject
	case []interface{}:
		return KindArray
	}
	return fmt.Sprintf("%T", v)
}
