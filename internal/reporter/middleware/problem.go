package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// writeProblem writes an RFC 7807 compliant error response.
func writeProblem(w http.ResponseWriter, r *http.Request, statusCode int, detail, requestID string) error {
	var title string

	switch statusCode {
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusForbidden:
		title = "Forbidden"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	default:
		title = http.StatusText(statusCode)
	}

	problem := map[string]interface{}{
		"type":      fmt.Sprintf("https://granary.io/problems/%d", statusCode),
		"title":     title,
		"status":    statusCode,
		"detail":    detail,
		"instance":  r.URL.Path,
		"requestId": requestID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
