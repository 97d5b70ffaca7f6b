package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/KSD-CO/rule-engine-postgres-sub003/dispatch"
	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
	"github.com/KSD-CO/rule-engine-postgres-sub003/history"
)

// dispatchRequest is the ingest payload for one event.
type dispatchRequest struct {
	WebhookID string          `json:"webhook_id"`
	EventKey  string          `json:"event_key"`
	Payload   json.RawMessage `json:"payload"`
}

type pathResponse struct {
	Attempted bool   `json:"attempted"`
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate"`
	Sequence  uint64 `json:"sequence,omitempty"`
	Error     string `json:"error,omitempty"`
}

type dispatchResponse struct {
	MessageID string        `json:"message_id"`
	Delivered bool          `json:"delivered"`
	Queue     *pathResponse `json:"queue,omitempty"`
	Broker    *pathResponse `json:"broker,omitempty"`
}

// dispatchHandler accepts events over HTTP and routes them through the
// dispatcher.
func dispatchHandler(d *dispatch.Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if req.WebhookID == "" || req.EventKey == "" {
			http.Error(w, "webhook_id and event_key are required", http.StatusBadRequest)
			return
		}

		res, err := d.Dispatch(r.Context(), req.WebhookID, req.EventKey, req.Payload)
		if err != nil {
			if errors.IsNotFound(err) {
				http.Error(w, "unknown webhook", http.StatusNotFound)
				return
			}
			http.Error(w, "dispatch failed", http.StatusInternalServerError)
			return
		}

		status := http.StatusOK
		if !res.Delivered() {
			status = http.StatusBadGateway
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(toResponse(res))
	})
}

func toResponse(res *dispatch.Result) dispatchResponse {
	out := dispatchResponse{
		MessageID: res.MessageID,
		Delivered: res.Delivered(),
	}
	out.Queue = toPathResponse(res.Queue)
	out.Broker = toPathResponse(res.Broker)
	return out
}

type failureResponse struct {
	MessageID string    `json:"message_id"`
	Subject   string    `json:"subject"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

type webhookStatsResponse struct {
	WebhookID      string            `json:"webhook_id"`
	Attempts       int               `json:"attempts"`
	Successes      int               `json:"successes"`
	SuccessRate    float64           `json:"success_rate"`
	LatencyAvgMS   float64           `json:"latency_avg_ms"`
	LatencyMinMS   int64             `json:"latency_min_ms"`
	LatencyMaxMS   int64             `json:"latency_max_ms"`
	LatencyP50MS   int64             `json:"latency_p50_ms"`
	LatencyP95MS   int64             `json:"latency_p95_ms"`
	LatencyP99MS   int64             `json:"latency_p99_ms"`
	RecentFailures []failureResponse `json:"recent_failures,omitempty"`
}

// webhookStatsHandler serves the live per-webhook publish statistics
// collected by the history monitor.
func webhookStatsHandler(monitor *history.Monitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		webhookID := r.PathValue("webhook")
		if webhookID == "" {
			http.Error(w, "webhook id is required", http.StatusBadRequest)
			return
		}

		snap := monitor.Snapshot(webhookID)
		if snap.Attempts == 0 {
			http.Error(w, "no recorded attempts for webhook", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(toStatsResponse(snap))
	})
}

func toStatsResponse(snap history.Snapshot) webhookStatsResponse {
	out := webhookStatsResponse{
		WebhookID:    snap.WebhookID,
		Attempts:     snap.Attempts,
		Successes:    snap.Successes,
		SuccessRate:  snap.SuccessRate,
		LatencyAvgMS: snap.LatencyAvgMS,
		LatencyMinMS: snap.LatencyMinMS,
		LatencyMaxMS: snap.LatencyMaxMS,
		LatencyP50MS: snap.LatencyP50MS,
		LatencyP95MS: snap.LatencyP95MS,
		LatencyP99MS: snap.LatencyP99MS,
	}
	for _, f := range snap.RecentFailures {
		out.RecentFailures = append(out.RecentFailures, failureResponse{
			MessageID: f.MessageID,
			Subject:   f.Subject,
			Error:     f.Error,
			At:        f.At,
		})
	}
	return out
}

func toPathResponse(pr *dispatch.PathResult) *pathResponse {
	if pr == nil {
		return nil
	}
	out := &pathResponse{
		Attempted: pr.Attempted,
		Success:   pr.Success,
		Duplicate: pr.Duplicate,
		Sequence:  pr.Sequence,
	}
	if pr.Err != nil {
		out.Error = pr.Err.Error()
	}
	return out
}
