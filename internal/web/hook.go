package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/SolaceLabs/taskwatch/internal/watch"
	"github.com/SolaceLabs/taskwatch/internal/webhook"
)

// handleTaskHook accepts inbound task announcements from upstream job
// systems and starts watching the announced task. It uses its own
// secret-based authentication instead of the normal API auth: either an
// HMAC-SHA256 signature of the body in X-Hub-Signature-256 ("sha256=<hex>")
// or the shared secret itself in X-Webhook-Secret.
func (s *Server) handleTaskHook(w http.ResponseWriter, r *http.Request) {
	if s.deps.HookSecret == "" {
		writeError(w, http.StatusNotFound, "hook endpoint disabled")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if !s.hookAuthorized(r, body) {
		writeError(w, http.StatusUnauthorized, "invalid or missing hook signature")
		return
	}

	ann, err := webhook.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ann.TaskID == "" {
		writeError(w, http.StatusUnprocessableEntity, "unrecognised announcement format")
		return
	}
	if ann.Endpoint == "" {
		writeError(w, http.StatusUnprocessableEntity, "announcement carries no subscribe endpoint")
		return
	}

	endpoint, err := s.resolveEndpoint(ann.Endpoint)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if _, err := s.deps.Watcher.Attach(watch.AttachOptions{
		TaskID:   ann.TaskID,
		Endpoint: endpoint,
		Metadata: ann.Metadata,
	}); err != nil {
		s.deps.Log.Error("hook attach failed", "task", ann.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to attach task")
		return
	}

	s.deps.Log.Info("task announced via hook", "task", ann.TaskID, "source", ann.Source, "endpoint", endpoint)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "watching",
		"task_id": ann.TaskID,
		"source":  ann.Source,
	})
}

func (s *Server) hookAuthorized(r *http.Request, body []byte) bool {
	if sig := r.Header.Get("X-Hub-Signature-256"); sig != "" {
		want, ok := strings.CutPrefix(sig, "sha256=")
		if !ok {
			return false
		}
		mac := hmac.New(sha256.New, []byte(s.deps.HookSecret))
		mac.Write(body)
		got := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(got), []byte(want))
	}

	secret := r.Header.Get("X-Webhook-Secret")
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}
	return secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(s.deps.HookSecret)) == 1
}

// resolveEndpoint absolutizes relative announcement endpoints against the
// configured upstream base.
func (s *Server) resolveEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.New("invalid endpoint URL")
	}
	if u.IsAbs() {
		return endpoint, nil
	}
	if s.deps.UpstreamBase == "" {
		return "", errors.New("relative endpoint with no upstream base configured")
	}
	base, err := url.Parse(s.deps.UpstreamBase)
	if err != nil {
		return "", errors.New("invalid upstream base URL")
	}
	return base.ResolveReference(u).String(), nil
}
