package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mtzanidakis/saat/internal/vault"
)

// Secret values are write-only over the API; listings carry metadata.

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	if s.keeper == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}
	secrets, err := s.keeper.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(secrets))
	for _, sec := range secrets {
		out = append(out, map[string]any{
			"name":        sec.Name,
			"description": sec.Description,
			"ref":         vault.SecretRefPrefix + sec.Name,
			"created_at":  sec.CreatedAt,
			"updated_at":  sec.UpdatedAt,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) putSecret(w http.ResponseWriter, r *http.Request) {
	if s.keeper == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Description string `json:"description"`
		Value       string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Value == "" {
		jsonError(w, "value is required", http.StatusBadRequest)
		return
	}

	name := r.PathValue("name")
	if err := s.keeper.Set(name, body.Description, []byte(body.Value)); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok", "ref": vault.SecretRefPrefix + name})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if s.keeper == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	err := s.keeper.Delete(r.PathValue("name"))
	if errors.Is(err, vault.ErrSecretNotFound) {
		jsonError(w, "secret not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}
