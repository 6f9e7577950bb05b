package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-twin/internal/models"
	"github.com/miradorstack/mirador-twin/internal/utils"
)

// TwinStoreOptions configures a TwinStoreClient.
type TwinStoreOptions struct {
	Endpoint          string
	Credential        string
	APIVersion        string
	Timeout           time.Duration
	MaxRetries        int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// TwinStoreClient reads and replaces twins over the digital twins REST surface.
// 5xx, 429, and transport failures are retried with exponential backoff.
type TwinStoreClient struct {
	baseURL    string
	credential string
	apiVersion string
	client     *retryablehttp.Client
	limiter    *rate.Limiter
}

// NewTwinStoreClient constructs a client targeting opts.Endpoint.
func NewTwinStoreClient(opts TwinStoreOptions) (*TwinStoreClient, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("twin store endpoint not configured")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: opts.Timeout}
	client.RetryMax = opts.MaxRetries
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	client.Logger = nil
	if opts.Logger != nil {
		client.Logger = opts.Logger
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &TwinStoreClient{
		baseURL:    strings.TrimRight(opts.Endpoint, "/"),
		credential: opts.Credential,
		apiVersion: opts.APIVersion,
		client:     client,
		limiter:    limiter,
	}, nil
}

// GetEntity fetches the current twin. A missing twin yields utils.ErrEntityNotFound.
func (c *TwinStoreClient) GetEntity(ctx context.Context, id string) (models.Tree, error) {
	resp, err := c.do(ctx, http.MethodGet, id, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, utils.NewAppError("repo.get", id, utils.ErrEntityNotFound)
	}
	if err := statusError("repo.get", id, resp); err != nil {
		return nil, err
	}

	var tree models.Tree
	if err := json.NewDecoder(resp.Body).Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode twin %s: %w", id, err)
	}
	return tree, nil
}

// UpsertEntity replaces the twin with tree.
func (c *TwinStoreClient) UpsertEntity(ctx context.Context, id string, tree models.Tree) (models.Ack, error) {
	body, err := json.Marshal(tree)
	if err != nil {
		return models.Ack{}, fmt.Errorf("marshal twin %s: %w", id, err)
	}
	resp, err := c.do(ctx, http.MethodPut, id, body)
	if err != nil {
		return models.Ack{}, err
	}
	defer resp.Body.Close()

	if err := statusError("repo.upsert", id, resp); err != nil {
		return models.Ack{}, err
	}

	ack := models.Ack{ID: id, ETag: resp.Header.Get("ETag")}
	if ack.ETag == "" {
		var echoed struct {
			ETag string `json:"$etag"`
		}
		if data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20)); len(data) > 0 {
			_ = json.Unmarshal(data, &echoed)
		}
		ack.ETag = echoed.ETag
	}
	return ack, nil
}

func (c *TwinStoreClient) do(ctx context.Context, method, id string, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var raw any
	if body != nil {
		raw = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequest(method, c.twinURL(id), raw)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, utils.NewAppError("repo."+strings.ToLower(method), id, errors.Join(utils.ErrTransientStore, err))
	}
	return resp, nil
}

func (c *TwinStoreClient) twinURL(id string) string {
	u := c.baseURL + "/digitaltwins/" + url.PathEscape(id)
	if c.apiVersion != "" {
		u += "?api-version=" + url.QueryEscape(c.apiVersion)
	}
	return u
}

func statusError(op, id string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("%s: status %d: %s", id, resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return utils.NewAppError(op, msg, utils.ErrTransientStore)
	default:
		return utils.NewAppError(op, msg, nil)
	}
}
