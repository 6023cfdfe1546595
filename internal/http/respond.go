package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/build"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/cluster"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/repository"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, build.ErrInvalidRequest),
		errors.Is(err, cluster.ErrInvalidDeployRequest),
		errors.Is(err, cluster.ErrInvalidPodName),
		errors.Is(err, domain.ErrEmptyURI),
		errors.Is(err, repository.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound), apierrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, build.ErrRunInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
