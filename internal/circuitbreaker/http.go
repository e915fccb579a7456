package circuitbreaker

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPClient wraps an http.Client with a circuit breaker. Transport errors
// and 5xx responses count as failures; 4xx responses do not trip the
// breaker (the request reached the backend and was understood).
type HTTPClient struct {
	client  *http.Client
	breaker *Breaker
}

func NewHTTPClient(client *http.Client, name string, logger *zap.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPClient{
		client:  client,
		breaker: New(name, DefaultConfig(), logger),
	}
}

// Do executes the request through the breaker. A 5xx response counts as a
// breaker failure but is still returned to the caller for inspection.
func (hc *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hc.breaker.Execute(req.Context(), func() error {
		var callErr error
		resp, callErr = hc.client.Do(req)
		if callErr != nil {
			return callErr
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})
	var se *statusError
	if errors.As(err, &se) && resp != nil {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (hc *HTTPClient) State() State { return hc.breaker.State() }

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("upstream status %d", e.code) }
