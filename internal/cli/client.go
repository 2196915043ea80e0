package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/roach88/kioskfsm/internal/api"
	"github.com/roach88/kioskfsm/internal/engine"
	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/ledger"
)

// clientTimeout bounds every API round trip.
const clientTimeout = 15 * time.Second

// ErrUnreachable is returned when the server could not be reached or
// replied with something other than the API envelope.
var ErrUnreachable = errors.New("kioskfsm server unreachable")

// APIError is an error reply from the server.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.HTTPStatus)
}

// apiClient talks to a running kioskfsm serve.
type apiClient struct {
	rc *resty.Client
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *api.Error      `json:"error"`
}

func newAPIClient(baseURL string) *apiClient {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(clientTimeout)
	return &apiClient{rc: rc}
}

// do sends one request and decodes the envelope's data into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var env envelope
	req := c.rc.R().
		SetContext(ctx).
		SetResult(&env).
		SetError(&env)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if env.Status == "" {
		return fmt.Errorf("%w: unexpected reply (HTTP %d): %s", ErrUnreachable, resp.StatusCode(), truncate(resp.String(), 200))
	}
	if env.Status != "ok" {
		apiErr := &APIError{HTTPStatus: resp.StatusCode()}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decode %s reply: %v", ErrUnreachable, path, err)
	}
	return nil
}

func (c *apiClient) Health(ctx context.Context) (engine.Health, error) {
	var h engine.Health
	err := c.do(ctx, http.MethodGet, "/setup/status", nil, &h)
	return h, err
}

func (c *apiClient) Checkout(ctx context.Context, req engine.CheckoutRequest) (*fsm.Runtime, error) {
	var rt fsm.Runtime
	if err := c.do(ctx, http.MethodPost, "/api/checkout", req, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

func (c *apiClient) PostEvent(ctx context.Context, runtimeID string, req api.EventRequest) (api.EventResponse, error) {
	var out api.EventResponse
	err := c.do(ctx, http.MethodPost, "/api/runtimes/"+url.PathEscape(runtimeID)+"/events", req, &out)
	return out, err
}

func (c *apiClient) Runtime(ctx context.Context, runtimeID string) (*fsm.Runtime, error) {
	var rt fsm.Runtime
	if err := c.do(ctx, http.MethodGet, "/api/runtimes/"+url.PathEscape(runtimeID), nil, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

func (c *apiClient) OrderRuntime(ctx context.Context, orderID string) (*fsm.Runtime, error) {
	var rt fsm.Runtime
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(orderID)+"/runtime", nil, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

func (c *apiClient) Log(ctx context.Context, runtimeID string) ([]fsm.TransitionEntry, error) {
	var entries []fsm.TransitionEntry
	err := c.do(ctx, http.MethodGet, "/api/runtimes/"+url.PathEscape(runtimeID)+"/log", nil, &entries)
	return entries, err
}

func (c *apiClient) Stock(ctx context.Context, itemID string) (ledger.StockEntry, error) {
	var entry ledger.StockEntry
	err := c.do(ctx, http.MethodGet, "/api/stock/"+url.PathEscape(itemID), nil, &entry)
	return entry, err
}

func (c *apiClient) Replenish(ctx context.Context, itemID string, delta int) (ledger.StockEntry, error) {
	var entry ledger.StockEntry
	err := c.do(ctx, http.MethodPut, "/api/stock/"+url.PathEscape(itemID), api.StockRequest{Delta: delta}, &entry)
	return entry, err
}

// clientFailure reports err and picks the exit code: server rejections
// are failures, transport problems are command errors.
func clientFailure(f *OutputFormatter, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if outErr := f.Error(apiErr.Code, apiErr.Message, map[string]int{"http_status": apiErr.HTTPStatus}); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, apiErr.Code, err)
	}
	return f.Fail(ExitCommandError, ErrCodeServer, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
