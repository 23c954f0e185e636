package uc

import (
	"regexp"
	"strings"

	"github.com/qbench/qbench/engine/core"
)

// External keys follow tracker conventions: a 2-10 character uppercase
// project key, a hyphen, and an issue number that cannot start with zero.
var externalKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}-[1-9][0-9]{0,7}$`)

const maxExternalKeyLength = 20

// validateExternalKey trims and validates a tracker key before it reaches
// the store layer. Length is checked before the pattern so oversized input
// is rejected cheaply.
func validateExternalKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", core.NewErrorf(core.KindInvalidInput, "external key must not be empty")
	}
	if len(key) > maxExternalKeyLength {
		return "", core.NewErrorf(core.KindInvalidInput,
			"external key exceeds %d characters", maxExternalKeyLength)
	}
	if !externalKeyPattern.MatchString(key) {
		return "", core.NewErrorf(core.KindInvalidInput,
			"external key %q does not match the PROJECT-123 format", key).
			WithField("external_key", key)
	}
	return key, nil
}
