// Package reporter translates coordinator outcomes into caller-facing
// signals: a transport-level status for the boundary layer and an audit
// event published to Kafka for operators.
package reporter

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/granary-io/granary/internal/catalog"
)

// StatusFor maps a coordinator result to a transport-level status code and
// a caller-facing message. Store failures are reported with the offending
// adapter's name but never with physical connection details. An idempotent
// delete of an absent entity is an ordinary success.
func StatusFor(m catalog.Mutation, res catalog.Result) (int, string) {
	switch res.Verdict {
	case catalog.VerdictSucceeded:
		if m.Op == catalog.OpCreate {
			return http.StatusCreated, fmt.Sprintf("%s %q created", m.Kind, m.ID)
		}

		return http.StatusOK, fmt.Sprintf("%s %q %sd", m.Kind, m.ID, m.Op)

	case catalog.VerdictRejected:
		var integrityErr *catalog.IntegrityViolationError
		if errors.As(res.Err, &integrityErr) {
			return http.StatusConflict, fmt.Sprintf(
				"cannot delete %s %q: referenced by %s",
				integrityErr.Kind, integrityErr.ID, strings.Join(integrityErr.BlockingRefs, ", "))
		}

		if res.Err != nil {
			return http.StatusBadRequest, res.Err.Error()
		}

		return http.StatusBadRequest, "mutation rejected"

	default:
		var storeErr *catalog.StoreError
		if errors.As(res.Err, &storeErr) {
			return http.StatusInternalServerError, fmt.Sprintf(
				"store %s failed during %s of %s %q",
				storeErr.Adapter, storeErr.Op, storeErr.Kind, storeErr.ID)
		}

		return http.StatusInternalServerError, "mutation failed"
	}
}
