package registry

import (
	"sort"
	"strings"
)

// SelectedPrompt is the resolved prompt for one generation call.
type SelectedPrompt struct {
	System       string
	UserTemplate string
	StrictJSON   bool
	PromptRev    string
	Variant      string // empty when the base prompt was used
}

// SelectPrompt picks the first variant whose `when` map matches every
// provided selector case-insensitively, falling back to the base prompt.
// Selector keys absent from a variant's `when` are not constraints.
func SelectPrompt(spec *PromptSpec, selectors map[string]string) *SelectedPrompt {
	if spec == nil {
		return nil
	}
	out := &SelectedPrompt{
		System:       spec.System,
		UserTemplate: spec.UserTemplate,
		StrictJSON:   spec.StrictJSON,
		PromptRev:    spec.PromptRev,
	}

	for i, v := range spec.Variants {
		if variantMatches(v.When, selectors) {
			if v.System != "" {
				out.System = v.System
			}
			if v.UserTemplate != "" {
				out.UserTemplate = v.UserTemplate
			}
			out.Variant = variantName(v, i)
			return out
		}
	}
	return out
}

// variantMatches requires every `when` entry to be satisfied by the
// selectors. An empty `when` never matches (it would shadow the base).
func variantMatches(when map[string]string, selectors map[string]string) bool {
	if len(when) == 0 {
		return false
	}
	for k, want := range when {
		got, ok := lookupFold(selectors, k)
		if !ok || !strings.EqualFold(got, want) {
			return false
		}
	}
	return true
}

func lookupFold(m map[string]string, key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func variantName(v PromptVariant, idx int) string {
	parts := make([]string, 0, len(v.When))
	for k, val := range v.When {
		parts = append(parts, k+"="+val)
	}
	if len(parts) == 0 {
		return "variant"
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
