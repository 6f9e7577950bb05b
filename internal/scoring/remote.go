package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/miradorstack/mirador-twin/internal/utils"
)

// RemoteModel calls a model-serving endpoint that accepts dataframe_split payloads.
type RemoteModel struct {
	endpoint string
	columns  []string
	client   *retryablehttp.Client
}

// RemoteOptions configures a RemoteModel.
type RemoteOptions struct {
	Endpoint   string
	Columns    []string
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

// NewRemoteModel builds a client for opts.Endpoint.
func NewRemoteModel(opts RemoteOptions) (*RemoteModel, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("model endpoint is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: opts.Timeout}
	client.RetryMax = opts.MaxRetries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	if opts.Logger != nil {
		client.Logger = opts.Logger
	}
	return &RemoteModel{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		columns:  append([]string(nil), opts.Columns...),
		client:   client,
	}, nil
}

type dataframeSplit struct {
	Columns []string    `json:"columns"`
	Data    [][]float64 `json:"data"`
}

type invocationRequest struct {
	DataframeSplit dataframeSplit `json:"dataframe_split"`
}

type invocationResponse struct {
	Predictions []any `json:"predictions"`
}

func (m *RemoteModel) Predict(ctx context.Context, features []float64) (string, error) {
	payload, err := json.Marshal(invocationRequest{DataframeSplit: dataframeSplit{
		Columns: m.columns,
		Data:    [][]float64{features},
	}})
	if err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, m.endpoint+"/invocations", payload)
	if err != nil {
		return "", err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", utils.NewAppError("scoring.remote", "invoke model", errors.Join(utils.ErrModelUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		// The endpoint rejected this record's values; other records may still score.
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
			return "", utils.NewAppError("scoring.remote", msg, utils.ErrMalformedRecord)
		}
		return "", utils.NewAppError("scoring.remote", msg, utils.ErrModelUnavailable)
	}

	var out invocationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", utils.NewAppError("scoring.remote", "decode predictions", errors.Join(utils.ErrModelUnavailable, err))
	}
	if len(out.Predictions) != 1 {
		return "", utils.NewAppError("scoring.remote", fmt.Sprintf("expected 1 prediction, got %d", len(out.Predictions)), utils.ErrModelUnavailable)
	}
	label, ok := out.Predictions[0].(string)
	if !ok {
		return "", utils.NewAppError("scoring.remote", fmt.Sprintf("prediction %v is not a class name", out.Predictions[0]), utils.ErrModelUnavailable)
	}
	return label, nil
}
