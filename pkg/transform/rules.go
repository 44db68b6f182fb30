package transform

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/worklist/pkg/common/models"
)

// Rule computes one canonical field from a raw record.
type Rule interface {
	Kind() string
	Apply(raw models.RawRecord, log *logrus.Entry) (string, error)
}

type DirectField struct {
	Paths []string
}

func (DirectField) Kind() string { return "direct" }

func (r DirectField) Apply(raw models.RawRecord, _ *logrus.Entry) (string, error) {
	return firstValue(raw, r.Paths), nil
}

// PatternExtract keeps the capture group of a match starting at the beginning
// of the value. When the pattern does not match there, the original value is
// kept and a warning logged.
type PatternExtract struct {
	Field   string
	Paths   []string
	Pattern *regexp.Regexp
	Group   int
}

func (PatternExtract) Kind() string { return "extract" }

func (r PatternExtract) Apply(raw models.RawRecord, log *logrus.Entry) (string, error) {
	value := firstValue(raw, r.Paths)
	if value == "" {
		return "", nil
	}
	var group string
	if loc := r.Pattern.FindStringSubmatchIndex(value); loc != nil && loc[0] == 0 && loc[2*r.Group] >= 0 {
		group = value[loc[2*r.Group]:loc[2*r.Group+1]]
	}
	if group == "" {
		log.WithFields(logrus.Fields{
			"field":   r.Field,
			"pattern": r.Pattern.String(),
			"value":   value,
		}).Warn("Pattern did not match, keeping original value")
		return value, nil
	}
	return group, nil
}

// EnumLookup maps a source value by exact match, then the longest matching
// prefix, then Default. Unmapped values are logged on every occurrence.
type EnumLookup struct {
	Field    string
	Paths    []string
	Table    map[string]string
	Default  string
	prefixes []string
}

func NewEnumLookup(field string, paths []string, table map[string]string, def string) EnumLookup {
	prefixes := make([]string, 0, len(table))
	for k := range table {
		prefixes = append(prefixes, k)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})
	return EnumLookup{Field: field, Paths: paths, Table: table, Default: def, prefixes: prefixes}
}

func (EnumLookup) Kind() string { return "lookup" }

func (r EnumLookup) Apply(raw models.RawRecord, log *logrus.Entry) (string, error) {
	value := firstValue(raw, r.Paths)
	if value == "" {
		return r.Default, nil
	}
	if mapped, ok := r.Table[value]; ok {
		return mapped, nil
	}
	for _, prefix := range r.prefixes {
		if prefix != "" && strings.HasPrefix(value, prefix) {
			return r.Table[prefix], nil
		}
	}

	entry := log.WithFields(logrus.Fields{"field": r.Field, "value": value})
	if r.Default == "" {
		entry.Warn("Unmapped value, passing through")
		return value, nil
	}
	entry.WithField("default", r.Default).Warn("Unmapped value, using default")
	return r.Default, nil
}

// Timestamp parses a source timestamp and renders it as RFC3339 UTC.
type Timestamp struct {
	Field    string
	Paths    []string
	Layouts  []string
	Location *time.Location
}

func (Timestamp) Kind() string { return "timestamp" }

func (r Timestamp) Apply(raw models.RawRecord, _ *logrus.Entry) (string, error) {
	value := firstValue(raw, r.Paths)
	if value == "" {
		return "", nil
	}
	t, err := parseTimestamp(value, r.Layouts, r.Location)
	if err != nil {
		return "", &TransformError{Field: r.Field, Reason: fmt.Sprintf("cannot interpret %q in %s", value, r.Location), Err: err}
	}
	return t.UTC().Format(time.RFC3339), nil
}

type Constant struct {
	Value string
}

func (Constant) Kind() string { return "constant" }

func (r Constant) Apply(models.RawRecord, *logrus.Entry) (string, error) {
	return r.Value, nil
}
