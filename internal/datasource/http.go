package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/and161185/vaultbridge/internal/errs"
)

// statusError is a non-2xx HTTP response.
type statusError struct {
	Code    int
	Message string
}

func (e *statusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Message)
}

// classifier inspects a non-2xx response; returning errs.ErrNotFound marks a missing target.
type classifier func(code int, body []byte) error

func defaultClassifier(code int, _ []byte) error {
	if code == http.StatusNotFound {
		return errs.ErrNotFound
	}
	return &statusError{Code: code}
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// do sends req and returns the body of a 2xx response.
func do(client *http.Client, req *http.Request, classify classifier) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	cerr := classify(resp.StatusCode, body)
	if errors.Is(cerr, errs.ErrNotFound) || !retryable(resp.StatusCode) {
		return nil, backoff.Permanent(cerr)
	}
	return nil, cerr
}

// fetch retries idempotent reads with exponential backoff.
func (f *Factory) fetch(ctx context.Context, what string, client *http.Client,
	build func(ctx context.Context) (*http.Request, error), classify classifier) ([]byte, error) {
	attempt := 0
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		req, err := build(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		out, err := do(client, req, classify)
		if err != nil {
			f.log.Debug("datasource request failed",
				zap.String("target", what), zap.Int("attempt", attempt), zap.Error(err))
		}
		return out, err
	}, backoff.WithBackOff(f.backoff()), backoff.WithMaxTries(f.cfg.MaxRetries))
	return body, transportError(what, err)
}

// send performs a single write request.
func (f *Factory) send(ctx context.Context, what string, client *http.Client,
	build func(ctx context.Context) (*http.Request, error), classify classifier) error {
	req, err := build(ctx)
	if err != nil {
		return transportError(what, err)
	}
	_, err = do(client, req, classify)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return transportError(what, err)
}

func transportError(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrNotFound):
		return fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", what, err)
	default:
		return fmt.Errorf("%s: %v: %w", what, err, errs.ErrTransport)
	}
}
