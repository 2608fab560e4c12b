package indexer

import "github.com/tidwall/gjson"

const summaryField = "summary"

// parseSummary extracts a non-empty "summary" string from a JSON content payload.
// Anything else (invalid JSON, missing field, wrong type, empty string) reports false.
func parseSummary(content string) (string, bool) {
	if content == "" || !gjson.Valid(content) {
		return "", false
	}
	res := gjson.Get(content, summaryField)
	if res.Type != gjson.String || res.Str == "" {
		return "", false
	}
	return res.Str, true
}
