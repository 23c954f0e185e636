package testdoc

import (
	"strings"
	"time"
)

// Priority enumerates the normalized priority levels.
type Priority string

const (
	PriorityCritical Priority = "Critical"
	PriorityHigh     Priority = "High"
	PriorityMedium   Priority = "Medium"
	PriorityLow      Priority = "Low"
)

// IsValid reports whether the priority is one of the normalized levels.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// TestStep is one execution step of a test case. Index is unique within the
// parent document and starts at 1.
type TestStep struct {
	Index    int      `json:"index"`
	Action   string   `json:"action"`
	Data     string   `json:"data,omitempty"`
	Expected []string `json:"expected"`
}

// TestDoc is the canonical test document: the unit of ingestion and
// retrieval. UID is opaque outside the engine and stable across re-ingests.
type TestDoc struct {
	UID         string     `json:"uid"`
	ExternalKey string     `json:"external_key,omitempty"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	TestType    string     `json:"test_type,omitempty"`
	Platforms   []string   `json:"platforms,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	FolderPath  []string   `json:"folder_path,omitempty"`
	RelatedKeys []string   `json:"related_keys,omitempty"`
	Steps       []TestStep `json:"steps,omitempty"`
	Source      string     `json:"source"`
	IngestedAt  time.Time  `json:"ingested_at"`
}

// EmbedText builds the text embedded for the document tier: title plus
// description separated by a newline.
func (d *TestDoc) EmbedText() string {
	title := strings.TrimSpace(d.Title)
	description := strings.TrimSpace(d.Description)
	if description == "" {
		description = strings.TrimSpace(d.Summary)
	}
	if description == "" {
		return title
	}
	return title + "\n" + description
}

// EmbedText builds the text embedded for the step tier: action, optional
// data, and the expected outcomes joined with "; ".
func (s *TestStep) EmbedText() string {
	parts := make([]string, 0, 3)
	if action := strings.TrimSpace(s.Action); action != "" {
		parts = append(parts, action)
	}
	if data := strings.TrimSpace(s.Data); data != "" {
		parts = append(parts, data)
	}
	if len(s.Expected) > 0 {
		parts = append(parts, strings.Join(s.Expected, "; "))
	}
	return strings.Join(parts, "\n")
}

// SearchHit is one ranked retrieval result. MatchedStepIndices lists the
// steps of the parent document that contributed to the score, ascending.
type SearchHit struct {
	UID                string   `json:"uid"`
	Score              float64  `json:"score"`
	DocScore           float64  `json:"doc_score,omitempty"`
	StepScore          float64  `json:"step_score,omitempty"`
	MatchedStepIndices []int    `json:"matched_step_indices"`
	Doc                *TestDoc `json:"doc,omitempty"`
}

// Scope selects which tiers participate in a search.
type Scope string

const (
	ScopeDocs  Scope = "docs"
	ScopeSteps Scope = "steps"
	ScopeAll   Scope = "all"
)

// IsValid reports whether the scope is a recognized value.
func (s Scope) IsValid() bool {
	switch s {
	case ScopeDocs, ScopeSteps, ScopeAll:
		return true
	default:
		return false
	}
}
