package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/rostersync/internal/chat"
	"github.com/roach88/rostersync/internal/ir"
)

// maxIntakeBody bounds one intake request.
const maxIntakeBody = 1 << 20

// Intake accepts raw events. Implemented by *normalize.Normalizer.
type Intake interface {
	IngestChat(ctx context.Context, n chat.Notification) (bool, error)
	IngestManual(ctx context.Context, cmd ir.ManualCommand) (bool, error)
}

type intakeResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// newServeMux serves the metrics endpoint and the event intake endpoints
// pushed to by the chat gateway and the operator tooling.
func newServeMux(in Intake, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /chat/notifications", func(w http.ResponseWriter, r *http.Request) {
		var n chat.Notification
		if !decodeBody(w, r, &n) {
			return
		}
		if n.OccurredAt.IsZero() {
			writeIntake(w, http.StatusBadRequest, intakeResponse{Error: "occurred_at is required"})
			return
		}
		ok, err := in.IngestChat(r.Context(), n)
		respondIngest(w, ok, err)
	})
	mux.HandleFunc("POST /manual/commands", func(w http.ResponseWriter, r *http.Request) {
		var cmd ir.ManualCommand
		if !decodeBody(w, r, &cmd) {
			return
		}
		ok, err := in.IngestManual(r.Context(), cmd)
		respondIngest(w, ok, err)
	})
	return mux
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxIntakeBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeIntake(w, http.StatusBadRequest, intakeResponse{Error: "invalid body: " + err.Error()})
		return false
	}
	return true
}

// respondIngest answers 202 for an accepted event, 200 for a duplicate,
// 400 for a malformed one and 500 when the store failed.
func respondIngest(w http.ResponseWriter, accepted bool, err error) {
	switch {
	case errors.Is(err, ir.ErrMalformedEvent):
		writeIntake(w, http.StatusBadRequest, intakeResponse{Error: err.Error()})
	case err != nil:
		slog.Error("intake failed", "error", err)
		writeIntake(w, http.StatusInternalServerError, intakeResponse{Error: "ingest failed"})
	case accepted:
		writeIntake(w, http.StatusAccepted, intakeResponse{Accepted: true})
	default:
		writeIntake(w, http.StatusOK, intakeResponse{})
	}
}

func writeIntake(w http.ResponseWriter, status int, resp intakeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("write intake response", "error", err)
	}
}
