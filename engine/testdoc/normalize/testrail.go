package normalize

import (
	"fmt"
	"strings"
)

// testRailPreprocessor handles TestRail case exports: numeric ids, priority
// ids 1-4, and separated steps under custom_steps_separated with
// content/expected fields.
type testRailPreprocessor struct{}

func (t *testRailPreprocessor) Name() string { return "testrail" }

func (t *testRailPreprocessor) Match(raw map[string]any) bool {
	if _, ok := raw["custom_steps_separated"]; ok {
		return true
	}
	_, hasCaseID := raw["case_id"]
	return hasCaseID
}

func (t *testRailPreprocessor) Transform(raw map[string]any) (*Result, error) {
	builder := newDocBuilder(stringOr(raw, "source", "testrail"))

	if ref := firstRef(stringOr(raw, "refs", "")); ref != "" {
		builder.setUID(ref, UIDRuleExplicit)
		builder.doc.ExternalKey = ref
	} else if caseID := testRailCaseID(raw); caseID != "" {
		builder.setUID(caseID, UIDRuleCaseID)
		builder.warn("uid", "no reference key present, using case id")
	}

	builder.setTitle(stringOr(raw, "title", ""))
	builder.doc.Summary = builder.doc.Title
	builder.doc.Description = stringOr(raw, "custom_preconds", "")
	builder.setPriority(testRailScalar(raw["priority_id"]))
	builder.doc.TestType = stringOr(raw, "type", stringOr(raw, "custom_test_type", ""))
	builder.doc.Platforms = stringSet(raw["custom_platforms"])
	builder.doc.Tags = mergeTags(stringSet(raw["labels"]), stringSet(raw["custom_tags"]))
	builder.setFolder(raw["section_path"])

	for _, item := range anySlice(raw["custom_steps_separated"]) {
		step, ok := item.(map[string]any)
		if !ok {
			continue
		}
		builder.addStep(
			0,
			stringOr(step, "content", ""),
			stringOr(step, "additional_info", ""),
			expectedSlice(step["expected"]),
		)
	}
	return builder.finish()
}

// testRailCaseID renders the numeric case id as "C<id>", the form TestRail
// shows in its UI.
func testRailCaseID(raw map[string]any) string {
	value := raw["case_id"]
	if value == nil {
		value = raw["id"]
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("C%d", int64(v))
	case int:
		return fmt.Sprintf("C%d", v)
	case int64:
		return fmt.Sprintf("C%d", v)
	default:
		return ""
	}
}

// firstRef picks the first entry of a comma-separated refs field.
func firstRef(refs string) string {
	for _, ref := range strings.Split(refs, ",") {
		if ref = strings.TrimSpace(ref); ref != "" {
			return ref
		}
	}
	return ""
}

// testRailScalar stringifies priority_id style numeric fields for the
// shared priority map.
func testRailScalar(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%d", int64(v))
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}
