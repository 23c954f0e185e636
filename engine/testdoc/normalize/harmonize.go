package normalize

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc"
)

// priorityMap folds the value variants seen across exports onto the
// canonical set.
var priorityMap = map[string]testdoc.Priority{
	"critical": testdoc.PriorityCritical,
	"high":     testdoc.PriorityHigh,
	"medium":   testdoc.PriorityMedium,
	"low":      testdoc.PriorityLow,
	"1":        testdoc.PriorityCritical,
	"2":        testdoc.PriorityHigh,
	"3":        testdoc.PriorityMedium,
	"4":        testdoc.PriorityLow,
	"p1":       testdoc.PriorityCritical,
	"p2":       testdoc.PriorityHigh,
	"p3":       testdoc.PriorityMedium,
	"p4":       testdoc.PriorityLow,
}

// NormalizePriority folds a raw priority value onto the canonical set.
// Empty values default to Medium. Unrecognized values are preserved verbatim
// and reported via the second return.
func NormalizePriority(raw string) (testdoc.Priority, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return testdoc.PriorityMedium, true
	}
	if p, ok := priorityMap[trimmed]; ok {
		return p, true
	}
	return testdoc.Priority(raw), false
}

// mergeTags deduplicates and sorts tags from multiple sources.
func mergeTags(first, second []string) []string {
	seen := make(map[string]struct{}, len(first)+len(second))
	merged := make([]string, 0, len(first)+len(second))
	for _, tag := range append(append([]string{}, first...), second...) {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		merged = append(merged, tag)
	}
	sort.Strings(merged)
	return merged
}

// splitFolder turns a folder value into path segments. Accepts a
// slash-separated string (backslashes tolerated) or an array of segments.
func splitFolder(value any) []string {
	switch v := value.(type) {
	case string:
		cleaned := strings.ReplaceAll(v, "\\", "/")
		parts := strings.Split(cleaned, "/")
		segments := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part != "" {
				segments = append(segments, part)
			}
		}
		return segments
	case []any:
		segments := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				s = strings.TrimSpace(strings.ReplaceAll(s, "\\", "/"))
				if s != "" {
					segments = append(segments, s)
				}
			}
		}
		return segments
	case []string:
		segments := make([]string, 0, len(v))
		for _, s := range v {
			s = strings.TrimSpace(s)
			if s != "" {
				segments = append(segments, s)
			}
		}
		return segments
	default:
		return nil
	}
}

// stringSet extracts a string slice from a raw JSON value, dropping
// non-string and empty elements.
func stringSet(value any) []string {
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case []string:
		return splitFolder(v)
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// expectedSlice wraps a scalar expected result into a single-element slice.
func expectedSlice(value any) []string {
	switch v := value.(type) {
	case string:
		if v == "" {
			return []string{}
		}
		return []string{v}
	case []any, []string:
		return stringSet(v)
	default:
		return []string{}
	}
}

// docBuilder accumulates a canonical TestDoc plus the warnings produced
// while harmonising it.
type docBuilder struct {
	doc      *testdoc.TestDoc
	uidRule  string
	warnings []Warning
}

func newDocBuilder(source string) *docBuilder {
	return &docBuilder{
		doc: &testdoc.TestDoc{
			Source:     source,
			IngestedAt: time.Now().UTC(),
		},
	}
}

func (b *docBuilder) warn(field, message string) {
	b.warnings = append(b.warnings, Warning{UID: b.doc.UID, Field: field, Message: message})
}

func (b *docBuilder) setUID(uid, rule string) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return
	}
	b.doc.UID = uid
	b.uidRule = rule
}

func (b *docBuilder) setTitle(title string) {
	b.doc.Title = strings.TrimSpace(title)
}

func (b *docBuilder) setPriority(raw string) {
	priority, recognized := NormalizePriority(raw)
	b.doc.Priority = priority
	if !recognized {
		b.warn("priority", fmt.Sprintf("unrecognized priority %q preserved", raw))
	}
}

func (b *docBuilder) setFolder(value any) {
	b.doc.FolderPath = splitFolder(value)
}

// addStep appends one harmonised step. A zero index assigns the next
// sequential position.
func (b *docBuilder) addStep(index int, action, data string, expected []string) {
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}
	if index <= 0 {
		index = len(b.doc.Steps) + 1
	}
	if expected == nil {
		expected = []string{}
	}
	b.doc.Steps = append(b.doc.Steps, testdoc.TestStep{
		Index:    index,
		Action:   action,
		Data:     data,
		Expected: expected,
	})
}

// addRawSteps consumes steps already in the canonical JSON shape.
func (b *docBuilder) addRawSteps(raw []any) {
	for _, item := range raw {
		step, ok := item.(map[string]any)
		if !ok {
			if s, isString := item.(string); isString {
				b.addStep(0, s, "", nil)
			}
			continue
		}
		b.addStep(
			intValue(step["index"]),
			stringOr(step, "action", ""),
			stringOr(step, "data", ""),
			expectedSlice(step["expected"]),
		)
	}
}

// finish applies the uid fallback, resolves duplicate step indices
// (last occurrence wins), and validates the result.
func (b *docBuilder) finish() (*Result, error) {
	if b.doc.UID == "" {
		if b.doc.Title == "" {
			return nil, core.NewErrorf(core.KindInvalidInput, "record has neither key nor title")
		}
		b.doc.UID = core.DeterministicUID(b.doc.Title, b.doc.Source)
		b.uidRule = UIDRuleHash
		b.warn("uid", "no external key present, uid derived from title")
	}
	b.dedupeSteps()
	if b.doc.Title == "" {
		b.warn("title", "record has no title")
		b.doc.Title = "Untitled Test"
	}
	if len(b.doc.Steps) == 0 {
		b.warn("steps", "record has no steps")
	}
	// Backfill UIDs on warnings raised before the uid was known.
	for i := range b.warnings {
		if b.warnings[i].UID == "" {
			b.warnings[i].UID = b.doc.UID
		}
	}
	return &Result{Doc: b.doc, UIDRule: b.uidRule, Warnings: b.warnings}, nil
}

func (b *docBuilder) dedupeSteps() {
	if len(b.doc.Steps) == 0 {
		return
	}
	byIndex := make(map[int]testdoc.TestStep, len(b.doc.Steps))
	for _, step := range b.doc.Steps {
		if _, dup := byIndex[step.Index]; dup {
			b.warn("steps", fmt.Sprintf("duplicate step index %d, keeping last occurrence", step.Index))
		}
		byIndex[step.Index] = step
	}
	steps := make([]testdoc.TestStep, 0, len(byIndex))
	for _, step := range byIndex {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	b.doc.Steps = steps
}

func intValue(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
			return n
		}
		return 0
	default:
		return 0
	}
}
