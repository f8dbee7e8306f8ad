package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// Ingestor is the gateway surface the HTTP handlers need.
type Ingestor interface {
	Ingest(ctx context.Context, credential string, samples []models.MetricSample, malformed ...models.Rejection) (*models.IngestResult, error)
	Heartbeat(ctx context.Context, credential string, hb *models.Heartbeat) error
}

// IngestHandler serves the agent-facing endpoints.
type IngestHandler struct {
	gateway      Ingestor
	maxBodyBytes int64
	maxBatchSize int
}

// NewIngestHandler creates the ingest and heartbeat handlers.
func NewIngestHandler(gateway Ingestor, maxBodyBytes int64, maxBatchSize int) *IngestHandler {
	return &IngestHandler{
		gateway:      gateway,
		maxBodyBytes: maxBodyBytes,
		maxBatchSize: maxBatchSize,
	}
}

// Ingest handles POST /api/v1/ingest. The body is either {"samples":[...]}
// or a single sample object.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	raw, apiErr := h.readBody(w, r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}

	samples, malformed, err := decodeSamples(raw)
	if err != nil {
		JSONError(w, NewBadRequest(err.Error()))
		return
	}
	if h.maxBatchSize > 0 && len(samples) > h.maxBatchSize {
		JSONError(w, newBatchTooLarge(len(samples), h.maxBatchSize))
		return
	}

	result, err := h.gateway.Ingest(r.Context(), bearerToken(r), samples, malformed...)
	if err != nil {
		// A forbidden batch carries per-sample detail when the gateway has it.
		if result != nil {
			JSONErrorWithData(w, gatewayError(err), result)
			return
		}
		JSONError(w, gatewayError(err))
		return
	}

	if result.Accepted == 0 && len(result.Rejected) > 0 {
		JSONErrorWithData(w, NewUnprocessable("all samples rejected"), result)
		return
	}
	OK(w, result)
}

// Heartbeat handles POST /api/v1/heartbeat.
func (h *IngestHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	raw, apiErr := h.readBody(w, r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}

	var hb models.Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		JSONError(w, NewBadRequest("invalid heartbeat: "+err.Error()))
		return
	}

	if err := h.gateway.Heartbeat(r.Context(), bearerToken(r), &hb); err != nil {
		JSONError(w, gatewayError(err))
		return
	}
	OK(w, map[string]string{"status": "ok"})
}

func (h *IngestHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, *Error) {
	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, ErrPayloadTooLarge
		}
		return nil, NewBadRequest("read body: " + err.Error())
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, NewBadRequest("empty body")
	}
	return raw, nil
}

// decodeSamples accepts a batch envelope or a bare sample. Elements are
// decoded one by one: an element that does not fit the sample schema leaves a
// zero placeholder in its slot and is reported as malformed, so the rest of
// the batch still goes through.
func decodeSamples(raw []byte) ([]models.MetricSample, []models.Rejection, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, nil, fmt.Errorf("malformed body: %w", err)
	}

	elems := []json.RawMessage{raw}
	if batch, ok := envelope["samples"]; ok {
		elems = nil
		if err := json.Unmarshal(batch, &elems); err != nil {
			return nil, nil, fmt.Errorf("malformed batch: samples must be an array")
		}
		if len(elems) == 0 {
			return nil, nil, errors.New("batch contains no samples")
		}
	}

	samples := make([]models.MetricSample, len(elems))
	var malformed []models.Rejection
	for i, elem := range elems {
		if err := json.Unmarshal(elem, &samples[i]); err != nil {
			samples[i] = models.MetricSample{}
			malformed = append(malformed, models.Rejection{Index: i, Reason: "malformed sample: " + err.Error()})
		}
	}
	return samples, malformed, nil
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
