// Package filter validates user-supplied filter objects and compiles them
// into the store-native filter expression. Only whitelisted field names are
// accepted; everything else is rejected with a per-field error list.
package filter

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc/vectordb"
)

const (
	// MaxStringLen bounds every filter string value.
	MaxStringLen = 256
	// MaxSetSize bounds every filter set value.
	MaxSetSize = 64
)

// Whitelisted filter fields.
const (
	FieldTags               = "tags"
	FieldPlatforms          = "platforms"
	FieldPriority           = "priority"
	FieldTestType           = "test_type"
	FieldFolderPrefix       = "folder_prefix"
	FieldRelatedKeys        = "related_keys"
	FieldExternalKeyPattern = "external_key_pattern"
)

// Compile validates the raw filter object and produces the store filter.
// A nil or empty input compiles to a nil filter (match everything). Any
// violation is reported as an invalid-input error carrying the offending
// field paths in its Fields map.
func Compile(raw map[string]any) (*vectordb.Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiled := &vectordb.Filter{}
	fieldErrs := make(map[string]any)
	for key, value := range raw {
		switch key {
		case FieldTags:
			compiled.TagsAll = compileSet(key, value, fieldErrs)
		case FieldPlatforms:
			compiled.PlatformsAll = compileSet(key, value, fieldErrs)
		case FieldPriority:
			compiled.Priority = compileString(key, value, fieldErrs)
		case FieldTestType:
			compiled.TestType = compileString(key, value, fieldErrs)
		case FieldFolderPrefix:
			compiled.FolderPrefix = compileSequence(key, value, fieldErrs)
		case FieldRelatedKeys:
			compiled.RelatedAny = compileSet(key, value, fieldErrs)
		case FieldExternalKeyPattern:
			compiled.ExternalKeyGlob = compileGlob(key, value, fieldErrs)
		default:
			fieldErrs[key] = "unknown filter field"
		}
	}
	if len(fieldErrs) > 0 {
		err := core.NewErrorf(core.KindInvalidInput, "invalid filters: %s", summarize(fieldErrs))
		for field, detail := range fieldErrs {
			err.WithField(field, detail)
		}
		return nil, err
	}
	if compiled.IsZero() {
		return nil, nil
	}
	return compiled, nil
}

func compileString(field string, value any, fieldErrs map[string]any) string {
	s, ok := value.(string)
	if !ok {
		fieldErrs[field] = "expected a string"
		return ""
	}
	if reason := validateString(s); reason != "" {
		fieldErrs[field] = reason
		return ""
	}
	return s
}

// compileSet accepts a JSON array of strings, deduplicates, and sorts for
// deterministic store queries.
func compileSet(field string, value any, fieldErrs map[string]any) []string {
	values := compileSequence(field, value, fieldErrs)
	if values == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	unique := values[:0]
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		unique = append(unique, v)
	}
	sort.Strings(unique)
	return unique
}

// compileSequence accepts a JSON array of strings, preserving order.
func compileSequence(field string, value any, fieldErrs map[string]any) []string {
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case []string:
		items = make([]any, len(v))
		for i := range v {
			items[i] = v[i]
		}
	default:
		fieldErrs[field] = "expected an array of strings"
		return nil
	}
	if len(items) == 0 {
		fieldErrs[field] = "must not be empty"
		return nil
	}
	if len(items) > MaxSetSize {
		fieldErrs[field] = fmt.Sprintf("too many values (max %d)", MaxSetSize)
		return nil
	}
	values := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			fieldErrs[field] = fmt.Sprintf("element %d is not a string", i)
			return nil
		}
		if reason := validateString(s); reason != "" {
			fieldErrs[field] = fmt.Sprintf("element %d: %s", i, reason)
			return nil
		}
		values = append(values, s)
	}
	return values
}

func compileGlob(field string, value any, fieldErrs map[string]any) string {
	s := compileString(field, value, fieldErrs)
	if s == "" {
		return ""
	}
	for _, r := range s {
		if r == '*' || r == '?' {
			continue
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			fieldErrs[field] = fmt.Sprintf("character %q not allowed in pattern", r)
			return ""
		}
	}
	return s
}

func validateString(s string) string {
	if s == "" {
		return "must not be empty"
	}
	if len(s) > MaxStringLen {
		return fmt.Sprintf("too long (max %d bytes)", MaxStringLen)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return "control characters not allowed"
		}
	}
	return ""
}

func summarize(fieldErrs map[string]any) string {
	fields := make([]string, 0, len(fieldErrs))
	for field := range fieldErrs {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return strings.Join(fields, ", ")
}
