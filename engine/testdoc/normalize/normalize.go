// Package normalize turns source-format test records into canonical
// TestDocs. Each source format registers a preprocessor with a predicate and
// a transform; dispatch picks the first matching predicate. Harmonisation
// rules (uid fallback, tag merging, folder paths, step shapes) are shared
// across formats.
package normalize

import (
	"fmt"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc"
)

// UID derivation rules, recorded in Result.UIDRule for provenance.
const (
	UIDRuleExplicit = "explicit_key"
	UIDRuleCaseID   = "case_id"
	UIDRuleHash     = "title_hash"
)

// Warning is a non-fatal normalisation finding. Ingestion aggregates these
// into the report instead of aborting.
type Warning struct {
	UID     string `json:"uid,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Result is the outcome of normalising one raw record.
type Result struct {
	Doc      *testdoc.TestDoc
	UIDRule  string
	Warnings []Warning
}

// Preprocessor recognizes one source format and transforms it.
type Preprocessor interface {
	Name() string
	Match(raw map[string]any) bool
	Transform(raw map[string]any) (*Result, error)
}

// Service dispatches raw records to the first matching preprocessor.
type Service struct {
	preprocessors []Preprocessor
}

// NewService builds a normaliser with the given preprocessors, in match
// order. A nil argument installs the default set: canonical, Xray
// functional, Xray API, TestRail.
func NewService(preprocessors ...Preprocessor) *Service {
	if len(preprocessors) == 0 {
		preprocessors = []Preprocessor{
			&canonicalPreprocessor{},
			&xrayFunctionalPreprocessor{},
			&xrayAPIPreprocessor{},
			&testRailPreprocessor{},
		}
	}
	return &Service{preprocessors: preprocessors}
}

// Normalize converts a raw record into a canonical TestDoc, or fails with an
// invalid-input error when no preprocessor recognizes the shape.
func (s *Service) Normalize(raw map[string]any) (*Result, error) {
	if len(raw) == 0 {
		return nil, core.NewErrorf(core.KindInvalidInput, "empty record")
	}
	for _, pre := range s.preprocessors {
		if !pre.Match(raw) {
			continue
		}
		result, err := pre.Transform(raw)
		if err != nil {
			return nil, fmt.Errorf("preprocessor %q: %w", pre.Name(), err)
		}
		return result, nil
	}
	return nil, core.NewErrorf(core.KindInvalidInput, "no preprocessor matched record shape")
}

// canonicalPreprocessor accepts records already in the canonical TestDoc
// JSON shape, which makes normalisation idempotent: serialising a normalised
// doc and feeding it back yields the same doc.
type canonicalPreprocessor struct{}

func (c *canonicalPreprocessor) Name() string { return "canonical" }

func (c *canonicalPreprocessor) Match(raw map[string]any) bool {
	_, hasUID := raw["uid"].(string)
	_, hasTitle := raw["title"].(string)
	_, hasXraySteps := raw["testSteps"]
	_, hasScript := raw["testScript"]
	return hasUID && hasTitle && !hasXraySteps && !hasScript
}

func (c *canonicalPreprocessor) Transform(raw map[string]any) (*Result, error) {
	builder := newDocBuilder(stringOr(raw, "source", "canonical"))
	builder.setUID(stringOr(raw, "uid", ""), UIDRuleExplicit)
	builder.doc.ExternalKey = stringOr(raw, "external_key", "")
	builder.setTitle(stringOr(raw, "title", ""))
	builder.doc.Summary = stringOr(raw, "summary", "")
	builder.doc.Description = stringOr(raw, "description", "")
	builder.setPriority(stringOr(raw, "priority", ""))
	builder.doc.TestType = stringOr(raw, "test_type", "")
	builder.doc.Platforms = stringSet(raw["platforms"])
	builder.doc.Tags = mergeTags(stringSet(raw["tags"]), nil)
	builder.setFolder(raw["folder_path"])
	builder.doc.RelatedKeys = stringSet(raw["related_keys"])
	builder.addRawSteps(anySlice(raw["steps"]))
	return builder.finish()
}

func stringOr(raw map[string]any, key, fallback string) string {
	if value, ok := raw[key].(string); ok && value != "" {
		return value
	}
	return fallback
}

func anySlice(value any) []any {
	switch v := value.(type) {
	case []any:
		return v
	case nil:
		return nil
	default:
		return nil
	}
}
