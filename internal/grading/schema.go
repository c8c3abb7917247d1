package grading

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/NikhilSetiya/repograde/pkg/errors"
)

// ExtractJSON decodes the JSON object in text, tolerating markdown fences
// and prose around it.
func ExtractJSON(text string) (map[string]interface{}, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, apperrors.NewSchemaValidationError("response contains no JSON object")
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, apperrors.NewSchemaValidationError("response is not valid JSON").WithCause(err)
	}
	return obj, nil
}

// MissingKeys returns the required keys absent from output, sorted.
func MissingKeys(output map[string]interface{}, required []string) []string {
	var missing []string
	for _, key := range required {
		if _, ok := output[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

// Validate checks a result against the required keys.
func Validate(result *Result, required []string) error {
	if result == nil {
		return apperrors.NewSchemaValidationError("grader returned no result")
	}
	if result.Output == nil {
		obj, err := ExtractJSON(result.Raw)
		if err != nil {
			return err
		}
		result.Output = obj
	}

	if missing := MissingKeys(result.Output, required); len(missing) > 0 {
		return apperrors.NewSchemaValidationError(
			fmt.Sprintf("response is missing required keys: %s", strings.Join(missing, ", "))).
			WithDetail("missing", strings.Join(missing, ","))
	}
	return nil
}

// AmendPrompt restates the output contract after a malformed response.
func AmendPrompt(prompt string, required []string, cause error) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nYour previous response could not be used")
	if cause != nil {
		if appErr, ok := apperrors.As(cause); ok {
			b.WriteString(": ")
			b.WriteString(appErr.Message)
		}
	}
	b.WriteString(".\nRespond with a single JSON object and nothing else.")
	if len(required) > 0 {
		b.WriteString(" It must contain the keys: ")
		b.WriteString(strings.Join(required, ", "))
		b.WriteString(".")
	}
	return b.String()
}
