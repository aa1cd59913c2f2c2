// Package webhook receives and processes hosted-provider event
// notifications. The HTTP surface acknowledges quickly; all mutation of
// the message set happens asynchronously in the processor pool.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mailforge/syncd/internal/model"
	"github.com/mailforge/syncd/internal/store"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// maxBodyBytes caps webhook payload reads.
const maxBodyBytes = 1 << 20 // 1 MiB

// Config holds dependencies for the webhook HTTP layer.
type Config struct {
	Store     *store.Store
	Processor *Processor
	Secret    string
	Logger    *logrus.Logger
}

// NewRouter creates the Chi router with the webhook endpoints.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/webhooks/mail", handleChallenge())
	r.Post("/webhooks/mail", handleEvent(cfg))

	return r
}

// handleChallenge answers the provider's endpoint-verification handshake
// by echoing the challenge token back as plain text.
func handleChallenge() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		challenge := r.URL.Query().Get("challenge")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
	}
}

// eventEnvelope is the outer shape of a provider notification.
type eventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func handleEvent(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		if cfg.Secret == "" {
			cfg.Logger.Warn("No webhook secret configured, accepting unsigned event")
		} else if !verifySignature(cfg.Secret, body, r.Header.Get(SignatureHeader)) {
			cfg.Logger.WithField("remote", r.RemoteAddr).Warn("Rejected webhook with bad signature")
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		var env eventEnvelope
		if err := json.Unmarshal(body, &env); err != nil || env.Type == "" {
			writeError(w, http.StatusBadRequest, "malformed event payload")
			return
		}

		ev := &model.WebhookEvent{
			ID:              model.NewID(),
			ProviderEventID: env.ID,
			Type:            env.Type,
			Payload:         string(body),
			ReceivedAt:      time.Now().UTC(),
		}

		inserted, err := cfg.Store.InsertEvent(r.Context(), ev)
		if err != nil {
			cfg.Logger.WithError(err).Error("Failed to persist webhook event")
			writeError(w, http.StatusInternalServerError, "failed to persist event")
			return
		}
		if !inserted {
			// Redelivery of an event we already hold. Acknowledge without
			// queueing a second round of processing.
			cfg.Logger.WithField("provider_event_id", env.ID).Debug("Duplicate webhook event acknowledged")
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		}

		if cfg.Processor != nil {
			cfg.Processor.Submit(ev.ID)
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// verifySignature checks the hex HMAC-SHA256 of body against the header
// value using a constant-time comparison.
func verifySignature(secret string, body []byte, header string) bool {
	header = strings.ToLower(strings.TrimSpace(header))
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(expected))
}

// Sign computes the signature a provider would attach to body. Exported
// for clients and tests that emit signed payloads.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
