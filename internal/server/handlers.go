package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-labs/llmgate/internal/pipeline"
	"github.com/meridian-labs/llmgate/internal/providers"
	"github.com/meridian-labs/llmgate/internal/routecore"
	v1 "github.com/meridian-labs/llmgate/pkg/api/v1"
)

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChatCompletion decodes the inbound body into the public
// v1.ChatCompletionRequest contract to validate the caller's model grant,
// then hands the raw body to the pipeline, which re-parses it itself into
// its own internal envelope (pipeline.go's requestEnvelope) and
// providers.ChatRequest, so the body is parsed twice.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body", "")
		return
	}

	var req v1.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body", "")
		return
	}

	user, _, _ := userFromContext(r.Context())
	if !user.AllowsModel(req.Model) {
		writeError(w, http.StatusForbidden, "permission_error", "token is not permitted to use this model", "")
		return
	}

	outcome, err := s.pipeline.HandleChat(r.Context(), user.TagSet(), body, req.Stream)
	if err != nil {
		s.writePipelineFailure(w, req.Model, err)
		return
	}

	if !outcome.Streaming {
		writeJSON(w, http.StatusOK, toChatCompletionResponse(outcome.Response))
		return
	}
	s.streamChatCompletion(w, outcome)
}

// toChatCompletionResponse translates the canonical provider-facing
// response every Client returns into the public non-streaming wire
// contract; streaming replies bypass this entirely and relay the
// provider's pre-serialized chunks as-is.
func toChatCompletionResponse(resp *providers.ChatResponse) v1.ChatCompletionResponse {
	out := v1.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, v1.Choice{
			Index: c.Index,
			Message: v1.Message{
				Role:    c.Message.Role,
				Content: c.Message.Content,
				Name:    c.Message.Name,
			},
			FinishReason: c.FinishReason,
		})
	}
	return out
}

func (s *Server) writePipelineFailure(w http.ResponseWriter, model string, err error) {
	var failure *pipeline.Failure
	if errors.As(err, &failure) {
		s.metrics.RecordPipelineFailure(model, string(failure.Kind))
		writeError(w, failure.Status, string(failure.Kind), failure.Message, "")
		return
	}
	writeError(w, http.StatusInternalServerError, string(routecore.ErrServer), "internal error", "")
}

// streamChatCompletion relays the pipeline's stream as server-sent events,
// interleaving a ": keep-alive" comment every 30 seconds so an idle
// connection is not reaped by an intermediate proxy. This is deliberately
// HTTP-layer behavior: the pipeline itself has no notion of wall-clock
// keep-alive cadence.
func (s *Server) streamChatCompletion(w http.ResponseWriter, outcome *pipeline.Outcome) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, string(routecore.ErrServer), "streaming unsupported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case chunk, ok := <-outcome.Stream:
			if !ok {
				return
			}
			if chunk.Done {
				_, _ = w.Write([]byte("data: [DONE]\n\n"))
				flusher.Flush()
				return
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(chunk.Raw)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleGetModels(w http.ResponseWriter, r *http.Request) {
	user, _, _ := userFromContext(r.Context())
	cfg := s.cfgHolder.Current()

	resp := v1.ModelsResponse{Object: "list"}
	for _, alias := range cfg.ToAliases() {
		if !alias.Enabled || !user.AllowsModel(alias.Name) {
			continue
		}
		resp.Data = append(resp.Data, v1.ModelInfo{
			ID:          alias.Name,
			Object:      "model",
			Description: alias.Description,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBackends(w http.ResponseWriter, r *http.Request) {
	result := s.cache.GetOrCompute("admin:backends", func() any {
		var resp v1.BackendsResponse
		for _, alias := range s.cfgHolder.Current().ToAliases() {
			for _, b := range alias.Backends {
				key := b.Key()
				snap := s.store.GetSnapshot(key)
				smart := s.store.GetSmartAIState(key)
				resp.Backends = append(resp.Backends, v1.BackendSnapshot{
					RouteID:             key,
					ProviderID:          b.ProviderID,
					UpstreamModel:       b.UpstreamModel,
					Healthy:             snap.Healthy,
					ConsecutiveFailures: snap.ConsecutiveFailures,
					TotalRequests:       snap.TotalRequests,
					SuccessfulRequests:  snap.SuccessfulRequests,
					FailedRequests:      snap.FailedRequests,
					LatencyEMAMs:        snap.LatencyEMAMs,
					Confidence:          smart.Confidence,
					WeightRecoveryStage: string(smart.WeightRecoveryStage),
				})
			}
		}
		return resp
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetUnhealthy(w http.ResponseWriter, r *http.Request) {
	result := s.cache.GetOrCompute("admin:unhealthy", func() any {
		var resp v1.UnhealthyResponse
		for _, key := range s.store.Keys() {
			entry, ok := s.store.UnhealthyEntrySnapshot(key)
			if !ok {
				continue
			}
			resp.Unhealthy = append(resp.Unhealthy, v1.UnhealthyEntry{
				RouteID:            key,
				FailureCount:       entry.FailureCount,
				RecoveryAttempts:   entry.RecoveryAttempts,
				FailureCheckMethod: string(entry.FailureCheckMethod),
			})
		}
		return resp
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetSmartAIState(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")
	model := chi.URLParam(r, "model")
	key := routecore.BackendKey(providerID, model)

	state := s.store.GetSmartAIState(key)
	s.metrics.RecordBackendConfidence(providerID, model, state.Confidence)
	writeJSON(w, http.StatusOK, map[string]any{
		"route_id":              key,
		"confidence":            state.Confidence,
		"weight_recovery_stage": string(state.WeightRecoveryStage),
	})
}

func (s *Server) handleForceProbe(w http.ResponseWriter, r *http.Request) {
	s.health.RunActiveProbe(r.Context())
	s.cache.Invalidate("admin:backends")
	s.cache.Invalidate("admin:unhealthy")
	w.WriteHeader(http.StatusAccepted)
}
