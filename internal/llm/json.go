package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const repromptSuffix = "\n\nYour previous reply was not valid JSON. " +
	"Respond with ONLY a single valid JSON document. No prose, no code fences."

// CompleteJSON runs the request and parses the reply as JSON. A parse
// failure triggers exactly one reprompt with a stricter instruction;
// a second failure is final.
func CompleteJSON(ctx context.Context, p Provider, req Request) (interface{}, string, error) {
	text, err := p.Complete(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if parsed, perr := ParseStrictJSON(text); perr == nil {
		return parsed, text, nil
	}

	retry := req
	retry.Prompt = req.Prompt + repromptSuffix
	text2, err := p.Complete(ctx, retry)
	if err != nil {
		return nil, text, err
	}
	parsed, perr := ParseStrictJSON(text2)
	if perr != nil {
		return nil, text2, fmt.Errorf("model did not return valid JSON after reprompt: %w", perr)
	}
	return parsed, text2, nil
}

// ParseStrictJSON parses text as one JSON document, tolerating a fenced
// ```json block around it.
func ParseStrictJSON(text string) (interface{}, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = stripFences(trimmed)

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Trailing content after the document disqualifies the reply.
	if dec.More() {
		return nil, fmt.Errorf("trailing content after JSON document")
	}
	return v, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
