package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"syncbridge/internal/auth"
	"syncbridge/internal/ratelimit"
	"syncbridge/internal/retry"
	"syncbridge/internal/syncerr"
)

// Transport funnels every remote HTTP call through the rate-limit gate, the
// per-remote circuit breaker, authorization, and the retry policy.
type Transport struct {
	Name    string
	HTTP    *http.Client
	Gate    *ratelimit.Gate
	Auth    auth.Authorizer
	Breaker *gobreaker.CircuitBreaker
	Policy  retry.Policy
}

// NewTransport wires the standard stack for one remote.
func NewTransport(name string, timeout time.Duration, gate *ratelimit.Gate, authz auth.Authorizer) *Transport {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		},
		// Expected per-item conditions must not trip the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch syncerr.KindOf(err) {
			case syncerr.KindNotFound, syncerr.KindValidation, syncerr.KindURLTooLong:
				return true
			}
			return false
		},
	})
	return &Transport{
		Name:    name,
		HTTP:    &http.Client{Timeout: timeout},
		Gate:    gate,
		Auth:    authz,
		Breaker: breaker,
		Policy:  retry.DefaultPolicy(),
	}
}

// Response is the decoded outcome of one HTTP exchange.
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

// Request describes one HTTP exchange. Body, when non-nil, is JSON-encoded.
type Request struct {
	Method string
	URL    string
	Body   any
	Header http.Header
}

// Do runs the request through gate, breaker, auth and retry. Classification
// of HTTP status codes into error kinds happens here so both clients share
// one policy for 401/429/5xx/413.
func (t *Transport) Do(ctx context.Context, op string, req Request) (Response, error) {
	var out Response
	err := retry.Do(ctx, t.Policy, func(ctx context.Context) error {
		resp, err := t.once(ctx, op, req)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

// Once runs the request exactly once, bypassing the retry policy. Used for
// the single forced-refresh 401 retry, which must not multiply attempts.
func (t *Transport) Once(ctx context.Context, op string, req Request) (Response, error) {
	return t.once(ctx, op, req)
}

func (t *Transport) once(ctx context.Context, op string, req Request) (Response, error) {
	if err := t.Gate.Wait(ctx); err != nil {
		return Response{}, err
	}

	result, err := t.Breaker.Execute(func() (any, error) {
		var body io.Reader
		if req.Body != nil {
			encoded, err := json.Marshal(req.Body)
			if err != nil {
				return nil, syncerr.Wrap(syncerr.KindInternal, op, err)
			}
			body = bytes.NewReader(encoded)
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.KindInternal, op, err)
		}
		if req.Body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		for k, vs := range req.Header {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
		if t.Auth != nil {
			if err := t.Auth.Authorize(ctx, httpReq); err != nil {
				return nil, err
			}
		}

		httpResp, err := t.HTTP.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, syncerr.Wrap(syncerr.KindTransient, op, err)
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
		if err != nil {
			return nil, syncerr.Wrap(syncerr.KindTransient, op, err)
		}

		resp := Response{Status: httpResp.StatusCode, Body: data, Header: httpResp.Header}
		if kindErr := classify(op, resp); kindErr != nil {
			return resp, kindErr
		}
		return resp, nil
	})

	t.Gate.Report(err)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Response{}, syncerr.Wrap(syncerr.KindTransient, op, err)
		}
		if resp, ok := result.(Response); ok {
			return resp, err
		}
		return Response{}, err
	}
	return result.(Response), nil
}

// classify maps HTTP statuses onto the error taxonomy.
func classify(op string, resp Response) error {
	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return nil
	case resp.Status == http.StatusNotModified:
		// If-Modified-Since listings report an empty window this way.
		return nil
	case resp.Status == http.StatusUnauthorized:
		return &syncerr.Error{Kind: syncerr.KindAuthExpired, Op: op,
			Msg: "unauthorized: " + truncate(resp.Body)}
	case resp.Status == http.StatusForbidden:
		return &syncerr.Error{Kind: syncerr.KindAuthDenied, Op: op,
			Msg: "forbidden: " + truncate(resp.Body)}
	case resp.Status == http.StatusNotFound:
		return &syncerr.Error{Kind: syncerr.KindNotFound, Op: op}
	case resp.Status == http.StatusTooManyRequests:
		return &syncerr.Error{Kind: syncerr.KindRateLimited, Op: op,
			RetryAfter: retryAfter(resp.Header)}
	case resp.Status == http.StatusRequestEntityTooLarge || resp.Status == http.StatusRequestURITooLong:
		return &syncerr.Error{Kind: syncerr.KindURLTooLong, Op: op}
	case resp.Status == http.StatusUnprocessableEntity || resp.Status == http.StatusBadRequest:
		return &syncerr.Error{Kind: syncerr.KindValidation, Op: op,
			Msg: truncate(resp.Body)}
	case resp.Status >= 500:
		return &syncerr.Error{Kind: syncerr.KindTransient, Op: op,
			Msg: "server error " + strconv.Itoa(resp.Status)}
	}
	return &syncerr.Error{Kind: syncerr.KindInternal, Op: op,
		Msg: "unexpected status " + strconv.Itoa(resp.Status)}
}

func retryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
