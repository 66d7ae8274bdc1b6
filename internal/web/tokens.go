package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/SolaceLabs/taskwatch/internal/auth"
)

// tokenView is the listing shape for stored API tokens. The digest never
// leaves the store.
type tokenView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
}

// apiMintToken creates a named API token. The plaintext appears in this
// response and nowhere else.
func (s *Server) apiMintToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	plaintext, token, err := s.deps.Auth.Mint(body.Name)
	if err != nil {
		s.deps.Log.Error("failed to mint api token", "name", body.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	s.deps.Log.Info("api token minted", "name", token.Name, "id", token.ID)

	writeJSON(w, http.StatusCreated, struct {
		tokenView
		Token string `json:"token"`
	}{
		tokenView: tokenView{ID: token.ID, Name: token.Name, CreatedAt: token.CreatedAt},
		Token:     plaintext,
	})
}

func (s *Server) apiListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.deps.Auth.List()
	if err != nil {
		s.deps.Log.Error("failed to list api tokens", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}

	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, viewOf(t))
	}
	writeJSON(w, http.StatusOK, views)
}

// apiRevokeToken deletes a stored token by id. Revoking an unknown id is a
// no-op so that retried deletes stay clean.
func (s *Server) apiRevokeToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Auth.Revoke(id); err != nil {
		s.deps.Log.Error("failed to revoke api token", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to revoke token")
		return
	}
	s.deps.Log.Info("api token revoked", "id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "id": id})
}

func viewOf(t auth.APIToken) tokenView {
	return tokenView{
		ID:         t.ID,
		Name:       t.Name,
		CreatedAt:  t.CreatedAt,
		LastUsedAt: t.LastUsedAt,
	}
}
