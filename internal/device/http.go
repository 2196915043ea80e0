package device

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPDriver talks to device adapters over HTTP. Each device kind has its
// own base URL; a request is POSTed to {base}/sessions/{session_id}.
//
// Adapters reply with a JSON body:
//
//	{"status": "success|declined|error", "result_code": "...",
//	 "result_description": "...", "external_reference_id": "..."}
//
// "declined" (or any 4xx) is a terminal failure; "error", 5xx and transport
// errors are recoverable.
type HTTPDriver struct {
	client    *resty.Client
	endpoints map[string]string
}

type adapterReply struct {
	Status            string `json:"status"`
	ResultCode        string `json:"result_code"`
	ResultDescription string `json:"result_description"`
	ExternalRef       string `json:"external_reference_id"`
}

// NewHTTPDriver creates a driver. endpoints maps device kind to base URL.
// requestTimeout bounds each HTTP round trip in addition to the caller's
// context deadline; zero leaves only the context.
func NewHTTPDriver(endpoints map[string]string, requestTimeout time.Duration) *HTTPDriver {
	c := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if requestTimeout > 0 {
		c.SetTimeout(requestTimeout)
	}
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = strings.TrimRight(v, "/")
	}
	return &HTTPDriver{client: c, endpoints: eps}
}

// Send implements Driver.
func (d *HTTPDriver) Send(ctx context.Context, req Request) (Response, error) {
	base, ok := d.endpoints[string(req.Kind)]
	if !ok {
		return Response{}, fmt.Errorf("%w: no endpoint for %s", ErrUnavailable, req.Kind)
	}

	var reply adapterReply
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&reply).
		SetError(&reply).
		Post(base + "/sessions/" + req.SessionID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := Response{
		ResultCode:        reply.ResultCode,
		ResultDescription: reply.ResultDescription,
		ExternalRef:       reply.ExternalRef,
	}
	status := resp.StatusCode()
	switch {
	case reply.Status == "declined",
		status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		code := reply.ResultCode
		if code == "" {
			code = fmt.Sprintf("HTTP_%d", status)
		}
		return out, &DeclineError{Code: code, Description: reply.ResultDescription}
	case status >= http.StatusInternalServerError, reply.Status == "error":
		return out, fmt.Errorf("%s adapter error (HTTP %d): %s %s", req.Kind, status, reply.ResultCode, reply.ResultDescription)
	}
	return out, nil
}
