package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rotisserie/eris"

	"caremap/internal/clusters"
	"caremap/internal/model"
	"caremap/internal/store"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Field names the invalid input of a validation problem.
	Field string `json:"field,omitempty"`
	// Members lists what still blocks a delete.
	Members map[string]int `json:"members,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeProblemBody(w, Problem{Title: title, Status: status, Detail: detail, Instance: instance})
}

func writeProblemBody(w http.ResponseWriter, p Problem) {
	p.Type = "about:blank"
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeError maps the engine's error taxonomy onto problem responses.
func writeError(w http.ResponseWriter, r *http.Request, title string, err error) {
	p := Problem{Title: title, Detail: err.Error(), Instance: r.URL.Path}
	var (
		ve *model.ValidationError
		pe *model.PreconditionError
		se *model.ServiceError
	)
	switch {
	case errors.As(err, &ve):
		p.Status = http.StatusBadRequest
		p.Field = ve.Field
		p.Detail = ve.Message
	case errors.As(err, &pe):
		p.Status = http.StatusConflict
		p.Members = map[string]int{"clients": pe.Clients, "caretakers": pe.Caretakers}
	case errors.Is(err, clusters.ErrStale), errors.Is(err, store.ErrConflict):
		p.Status = http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		p.Status = http.StatusNotFound
	case errors.As(err, &se):
		p.Status = http.StatusBadGateway
	default:
		p.Status = http.StatusInternalServerError
	}
	writeProblemBody(w, p)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return &model.ValidationError{Field: "body", Message: eris.Wrap(err, "invalid JSON").Error()}
}
