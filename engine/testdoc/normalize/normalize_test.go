package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc"
)

func TestNormalize_ShouldRejectEmptyRecord(t *testing.T) {
	svc := NewService()
	_, err := svc.Normalize(map[string]any{})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestNormalize_ShouldRejectUnrecognizedShape(t *testing.T) {
	svc := NewService()
	_, err := svc.Normalize(map[string]any{"foo": "bar"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestNormalize_ShouldHandleXrayFunctionalFormat(t *testing.T) {
	svc := NewService()
	result, err := svc.Normalize(map[string]any{
		"issueKey": "PROJ-1234",
		"folder":   "Functional/Localization",
		"testInfo": map[string]any{
			"summary":  "Verify Spanish localization",
			"priority": "High",
			"labels":   []any{"localization", "spanish"},
			"type":     "Manual",
		},
		"objective": "Settings should render in Spanish",
		"steps": []any{
			map[string]any{"index": 1, "action": "Open settings", "result": "Settings page loads"},
			map[string]any{"index": 2, "action": "Switch language", "data": "lang=es", "result": []any{"UI updates"}},
		},
	})
	require.NoError(t, err)
	doc := result.Doc
	assert.Equal(t, "PROJ-1234", doc.UID)
	assert.Equal(t, "PROJ-1234", doc.ExternalKey)
	assert.Equal(t, UIDRuleExplicit, result.UIDRule)
	assert.Equal(t, "Verify Spanish localization", doc.Title)
	assert.Equal(t, "Settings should render in Spanish", doc.Description)
	assert.Equal(t, testdoc.PriorityHigh, doc.Priority)
	assert.Equal(t, "Manual", doc.TestType)
	assert.Equal(t, []string{"localization", "spanish"}, doc.Tags)
	assert.Equal(t, []string{"Functional", "Localization"}, doc.FolderPath)
	require.Len(t, doc.Steps, 2)
	assert.Equal(t, []string{"Settings page loads"}, doc.Steps[0].Expected)
	assert.Equal(t, "lang=es", doc.Steps[1].Data)
}

func TestNormalize_ShouldHandleXrayAPIFormatWithNullKey(t *testing.T) {
	svc := NewService()
	result, err := svc.Normalize(map[string]any{
		"title":           "API localization",
		"priority":        "p2",
		"platforms":       []any{"iOS", "Android"},
		"folderStructure": []any{"API Tests", "Localization"},
		"tags":            []any{"api", "localization", "api"},
		"testCaseId":      "API-001",
		"testType":        "api",
		"relatedIssues":   []any{"PROJ-999"},
		"testSteps": []any{
			map[string]any{"action": "Send GET request", "expectedResult": "200 status"},
		},
	})
	require.NoError(t, err)
	doc := result.Doc
	assert.Equal(t, "API-001", doc.UID)
	assert.Empty(t, doc.ExternalKey)
	assert.Equal(t, UIDRuleCaseID, result.UIDRule)
	assert.Equal(t, testdoc.PriorityHigh, doc.Priority)
	assert.Equal(t, "API", doc.TestType)
	assert.Equal(t, []string{"api", "localization"}, doc.Tags)
	assert.Equal(t, []string{"API Tests", "Localization"}, doc.FolderPath)
	assert.Equal(t, []string{"PROJ-999"}, doc.RelatedKeys)
	require.Len(t, doc.Steps, 1)
	assert.Equal(t, 1, doc.Steps[0].Index)
	assert.Equal(t, []string{"200 status"}, doc.Steps[0].Expected)
	warned := false
	for _, w := range result.Warnings {
		if w.Field == "uid" {
			warned = true
		}
	}
	assert.True(t, warned, "case id fallback should be flagged")
}

func TestNormalize_ShouldHandleTestRailFormat(t *testing.T) {
	svc := NewService()
	result, err := svc.Normalize(map[string]any{
		"case_id":     float64(4821),
		"title":       "Checkout with saved card",
		"priority_id": float64(1),
		"refs":        "PROJ-77, PROJ-78",
		"section_path": []any{"Checkout", "Payments"},
		"custom_steps_separated": []any{
			map[string]any{"content": "Add item to cart", "expected": "Cart shows one item"},
			map[string]any{"content": "Pay with saved card", "expected": "Order confirmed"},
		},
	})
	require.NoError(t, err)
	doc := result.Doc
	assert.Equal(t, "PROJ-77", doc.UID)
	assert.Equal(t, testdoc.PriorityCritical, doc.Priority)
	assert.Equal(t, []string{"Checkout", "Payments"}, doc.FolderPath)
	require.Len(t, doc.Steps, 2)
	assert.Equal(t, 2, doc.Steps[1].Index)
}

func TestNormalize_ShouldDeriveUIDFromTitleWhenNoKey(t *testing.T) {
	svc := NewService()
	result, err := svc.Normalize(map[string]any{
		"testScript": map[string]any{
			"steps": []any{map[string]any{"action": "Do the thing"}},
		},
		"summary": "Orphan test",
	})
	require.NoError(t, err)
	assert.Equal(t, UIDRuleHash, result.UIDRule)
	assert.NotEmpty(t, result.Doc.UID)

	again, err := svc.Normalize(map[string]any{
		"testScript": map[string]any{
			"steps": []any{map[string]any{"action": "Do the thing"}},
		},
		"summary": "Orphan test",
	})
	require.NoError(t, err)
	assert.Equal(t, result.Doc.UID, again.Doc.UID, "hash uid must be stable")
}

func TestNormalize_ShouldKeepLastDuplicateStepIndex(t *testing.T) {
	svc := NewService()
	result, err := svc.Normalize(map[string]any{
		"issueKey": "PROJ-9",
		"testInfo": map[string]any{"summary": "Dup steps"},
		"steps": []any{
			map[string]any{"index": 1, "action": "first version"},
			map[string]any{"index": 1, "action": "second version"},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Doc.Steps, 1)
	assert.Equal(t, "second version", result.Doc.Steps[0].Action)
	warned := false
	for _, w := range result.Warnings {
		if w.Field == "steps" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestNormalize_ShouldFlagUnrecognizedPriority(t *testing.T) {
	svc := NewService()
	result, err := svc.Normalize(map[string]any{
		"issueKey": "PROJ-10",
		"testInfo": map[string]any{"summary": "Odd priority", "priority": "Blocker"},
		"steps":    []any{map[string]any{"action": "step"}},
	})
	require.NoError(t, err)
	assert.Equal(t, testdoc.Priority("Blocker"), result.Doc.Priority)
	found := false
	for _, w := range result.Warnings {
		if w.Field == "priority" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNormalize_ShouldDefaultMissingPriorityToMedium(t *testing.T) {
	priority, recognized := NormalizePriority("")
	assert.True(t, recognized)
	assert.Equal(t, testdoc.PriorityMedium, priority)
}

func TestNormalize_ShouldBeIdempotentOverCanonicalRoundTrip(t *testing.T) {
	svc := NewService()
	first, err := svc.Normalize(map[string]any{
		"issueKey": "PROJ-55",
		"testInfo": map[string]any{
			"summary":  "Round trip",
			"priority": "p3",
			"labels":   []any{"beta", "alpha"},
		},
		"folder": "Suite\\Regression",
		"steps": []any{
			map[string]any{"index": 1, "action": "Do", "result": "Done"},
		},
	})
	require.NoError(t, err)

	payload, err := json.Marshal(first.Doc)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(payload, &raw))

	second, err := svc.Normalize(raw)
	require.NoError(t, err)
	// IngestedAt is assigned at normalisation time, compare the rest.
	second.Doc.IngestedAt = first.Doc.IngestedAt
	assert.Equal(t, first.Doc, second.Doc)
	assert.Equal(t, UIDRuleExplicit, second.UIDRule)
}
