package fedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"adaptd/internal/adapter"
	"adaptd/internal/metrics"
	"adaptd/internal/proof"
)

// updatePath is the aggregation endpoint, relative to the server base URL.
const updatePath = "/federated/update"

// maxResponseBytes bounds how much of a server response is read. Global
// adapter payloads are small; anything past this is a misbehaving server.
const maxResponseBytes = 4 << 20

// responseSchema is what a round response must look like before any field
// of it is trusted. Base64 payload decoding and checksum verification
// happen after this structural check.
const responseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["adapter"],
  "properties": {
    "adapter": {
      "type": "object",
      "required": ["payload", "metadata"],
      "properties": {
        "payload": {"type": "string", "minLength": 1},
        "metadata": {
          "type": "object",
          "required": ["version", "round", "byte_len"],
          "properties": {
            "version": {"type": "string", "minLength": 1},
            "round": {"type": "integer", "minimum": 1},
            "byte_len": {"type": "integer", "minimum": 1}
          }
        }
      }
    }
  }
}`

// wireAdapter pairs an adapter payload with its metadata on the wire.
// The payload travels base64-encoded.
type wireAdapter struct {
	Payload  []byte           `json:"payload"`
	Metadata adapter.Metadata `json:"metadata"`
}

// uploadRequest is the body POSTed to the update endpoint. Round is the
// client's current round; the server's response must carry a greater one.
type uploadRequest struct {
	DeviceID  string      `json:"device_id"`
	Round     uint64      `json:"round"`
	Adapter   wireAdapter `json:"adapter"`
	Proof     proof.Proof `json:"proof"`
	Signature []byte      `json:"signature"`
}

// roundResponse is the accepted shape of a 2xx update response.
type roundResponse struct {
	Adapter wireAdapter `json:"adapter"`
	Message string      `json:"message,omitempty"`
}

// serverMessage is the best-effort shape of an error body.
type serverMessage struct {
	Message string `json:"message"`
}

type transport struct {
	baseURL string
	client  *http.Client
	schema  *jsonschema.Schema
	metrics *metrics.Metrics
}

func newTransport(baseURL string, client *http.Client, m *metrics.Metrics) (*transport, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("response.json", strings.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("fedclient: add response schema: %w", err)
	}
	schema, err := compiler.Compile("response.json")
	if err != nil {
		return nil, fmt.Errorf("fedclient: compile response schema: %w", err)
	}
	return &transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		schema:  schema,
		metrics: m,
	}, nil
}

// uploadRound POSTs a signed adapter update and returns the validated
// response. Transport failures come back as *NetworkError, everything the
// server got wrong as *ServerError.
func (t *transport) uploadRound(ctx context.Context, req uploadRequest) (roundResponse, error) {
	var zero roundResponse

	body, err := json.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("fedclient: encode upload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+updatePath, bytes.NewReader(body))
	if err != nil {
		return zero, fmt.Errorf("fedclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	t.metrics.ObserveUpload(time.Since(start))
	if err != nil {
		return zero, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return zero, &NetworkError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return zero, &ServerError{Code: resp.StatusCode, Message: errorMessage(raw)}
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return zero, &ServerError{Code: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	if err := t.schema.Validate(instance); err != nil {
		return zero, &ServerError{Code: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}

	var parsed roundResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return zero, &ServerError{Code: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	return parsed, nil
}

// errorMessage extracts a human-readable message from an error body.
func errorMessage(raw []byte) string {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err == nil && msg.Message != "" {
		return msg.Message
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "request rejected"
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
