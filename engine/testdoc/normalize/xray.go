package normalize

// Xray exports come in two shapes. Functional tests carry a nested testInfo
// (or a flattened testScript) object with steps that may use "result" for
// the expected outcome. API tests are flat, use "testSteps" with
// "expectedResult", and may carry a null jiraKey.

type xrayFunctionalPreprocessor struct{}

func (x *xrayFunctionalPreprocessor) Name() string { return "xray_functional" }

func (x *xrayFunctionalPreprocessor) Match(raw map[string]any) bool {
	if _, ok := raw["testInfo"]; ok {
		return true
	}
	if _, ok := raw["testScript"]; ok {
		return true
	}
	_, hasIssueKey := raw["issueKey"]
	return hasIssueKey
}

func (x *xrayFunctionalPreprocessor) Transform(raw map[string]any) (*Result, error) {
	builder := newDocBuilder(stringOr(raw, "source", "xray_functional"))

	info, _ := raw["testInfo"].(map[string]any)
	rawSteps := anySlice(raw["steps"])
	if info == nil {
		// Flattened testScript shape: fields live at the root, steps under
		// testScript.steps.
		info = map[string]any{
			"summary":     raw["summary"],
			"description": raw["description"],
			"labels":      raw["labels"],
			"priority":    raw["priority"],
			"type":        raw["testType"],
			"folder":      raw["folder"],
		}
		if script, ok := raw["testScript"].(map[string]any); ok {
			rawSteps = anySlice(script["steps"])
		}
	} else if len(rawSteps) == 0 {
		rawSteps = anySlice(info["steps"])
	}

	key := stringOr(raw, "jiraKey", stringOr(raw, "issueKey", ""))
	caseID := stringOr(raw, "testCaseId", stringOr(raw, "testId", ""))
	if key != "" {
		builder.setUID(key, UIDRuleExplicit)
		builder.doc.ExternalKey = key
	} else if caseID != "" {
		builder.setUID(caseID, UIDRuleCaseID)
		builder.warn("uid", "no issue key present, using case id")
	}

	builder.setTitle(stringOr(info, "summary", stringOr(raw, "summary", "")))
	builder.doc.Summary = builder.doc.Title
	description := stringOr(info, "description", "")
	if description == "" {
		description = stringOr(raw, "objective", "")
	}
	builder.doc.Description = description
	builder.setPriority(stringOr(info, "priority", stringOr(raw, "priority", "")))
	testType := stringOr(info, "type", stringOr(info, "testType", ""))
	if testType == "" {
		testType = "Manual"
	}
	builder.doc.TestType = testType
	builder.doc.Platforms = stringSet(raw["platforms"])
	builder.doc.Tags = mergeTags(stringSet(info["labels"]), stringSet(raw["labels"]))
	folder := raw["folder"]
	if folder == nil {
		folder = info["folder"]
	}
	builder.setFolder(folder)
	builder.doc.RelatedKeys = stringSet(raw["relatedIssues"])

	for _, item := range rawSteps {
		step, ok := item.(map[string]any)
		if !ok {
			if s, isString := item.(string); isString {
				builder.addStep(0, s, "", nil)
			}
			continue
		}
		expected := step["expected"]
		if expected == nil {
			expected = step["expectedResult"]
		}
		if expected == nil {
			expected = step["result"]
		}
		builder.addStep(
			intValue(step["index"]),
			stringOr(step, "action", stringOr(step, "description", "")),
			stringOr(step, "data", ""),
			expectedSlice(expected),
		)
	}
	return builder.finish()
}

type xrayAPIPreprocessor struct{}

func (x *xrayAPIPreprocessor) Name() string { return "xray_api" }

func (x *xrayAPIPreprocessor) Match(raw map[string]any) bool {
	if _, ok := raw["testSteps"]; ok {
		return true
	}
	_, hasCaseID := raw["testCaseId"]
	_, hasTitle := raw["title"]
	return hasCaseID && hasTitle
}

func (x *xrayAPIPreprocessor) Transform(raw map[string]any) (*Result, error) {
	builder := newDocBuilder(stringOr(raw, "source", "xray_api"))

	key := stringOr(raw, "jiraKey", "")
	caseID := stringOr(raw, "testCaseId", "")
	if key != "" {
		builder.setUID(key, UIDRuleExplicit)
		builder.doc.ExternalKey = key
	} else if caseID != "" {
		builder.setUID(caseID, UIDRuleCaseID)
		builder.warn("uid", "no issue key present, using case id")
	}

	builder.setTitle(stringOr(raw, "title", ""))
	builder.doc.Summary = stringOr(raw, "summary", builder.doc.Title)
	builder.doc.Description = stringOr(raw, "description", "")
	builder.setPriority(stringOr(raw, "priority", ""))
	builder.doc.TestType = canonicalTestType(stringOr(raw, "testType", "API"))
	builder.doc.Platforms = stringSet(raw["platforms"])
	builder.doc.Tags = mergeTags(stringSet(raw["tags"]), nil)
	builder.setFolder(raw["folderStructure"])
	builder.doc.RelatedKeys = stringSet(raw["relatedIssues"])

	rawSteps := anySlice(raw["testSteps"])
	if len(rawSteps) == 0 {
		rawSteps = anySlice(raw["steps"])
	}
	for _, item := range rawSteps {
		step, ok := item.(map[string]any)
		if !ok {
			if s, isString := item.(string); isString {
				builder.addStep(0, s, "", nil)
			}
			continue
		}
		expected := step["expected"]
		if expected == nil {
			expected = step["expectedResult"]
		}
		builder.addStep(
			intValue(step["index"]),
			stringOr(step, "action", stringOr(step, "description", "")),
			stringOr(step, "data", ""),
			expectedSlice(expected),
		)
	}
	return builder.finish()
}

// canonicalTestType uppercases the API test type so "api" and "API" collapse
// to one value.
func canonicalTestType(raw string) string {
	if raw == "api" || raw == "Api" {
		return "API"
	}
	return raw
}
