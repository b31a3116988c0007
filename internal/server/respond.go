package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/artifact"
	"github.com/skamble7/renova/internal/capability"
	"github.com/skamble7/renova/internal/registry"
	"github.com/skamble7/renova/internal/run"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"detail": fmt.Sprintf(format, args...)})
}

// writeError maps service errors to {"detail": …} responses: 404 for the
// not-found family, 409 for conflicts, 412 for failed preconditions, 400
// for malformed patches, 422 for validation problems, 500 otherwise.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		artifactNotFound *artifact.NotFoundError
		precondition     *artifact.PreconditionFailedError
		artifactConflict *artifact.ConflictError
		invalidPatch     *artifact.InvalidPatchError

		unknownKind    *registry.UnknownKindError
		unknownVersion *registry.UnknownSchemaVersionError
		schemaViolated *registry.SchemaValidationError

		unknownCapability *capability.UnknownCapabilityError
		unknownPack       *capability.UnknownPackError
		missingPlaybook   *capability.PlaybookNotFoundError
		unknownTool       *capability.ToolUnknownError
		catalogConflict   *capability.ConflictError
		catalogInvalid    *capability.ValidationError
		badParams         *capability.ParamsValidationError
	)

	switch {
	case errors.As(err, &artifactNotFound),
		errors.As(err, &unknownKind),
		errors.As(err, &unknownVersion),
		errors.As(err, &unknownCapability),
		errors.As(err, &unknownPack),
		errors.As(err, &missingPlaybook),
		errors.As(err, &unknownTool),
		errors.Is(err, run.ErrRunNotFound):
		writeDetail(w, http.StatusNotFound, "%s", err)

	case errors.As(err, &precondition):
		writeDetail(w, http.StatusPreconditionFailed, "%s", err)

	case errors.As(err, &artifactConflict), errors.As(err, &catalogConflict):
		writeDetail(w, http.StatusConflict, "%s", err)

	case errors.As(err, &invalidPatch):
		writeDetail(w, http.StatusBadRequest, "%s", err)

	case errors.As(err, &schemaViolated), errors.As(err, &badParams):
		writeDetail(w, http.StatusUnprocessableEntity, "%s", err)

	case errors.As(err, &catalogInvalid):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"detail":   "validation failed: " + strings.Join(catalogInvalid.Problems, "; "),
			"problems": catalogInvalid.Problems,
		})

	default:
		s.logger.Error("unhandled request error", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return false
	}
	return true
}
