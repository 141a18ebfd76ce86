package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/telescraper/pkg/utils"
)

// Fetcher performs single-attempt HTTP requests and classifies the status code.
// Failures are returned, never retried.
type Fetcher struct {
	client *http.Client
	log    *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client: client,
		log:    log,
	}
}

// Fetch executes req under ctx. A 2xx response is returned open and the caller
// must close its body. Any other status is drained, closed and reported as a
// wrapped ErrClientHTTPError, ErrServerHTTPError or ErrOtherHTTPError.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	reqLog := f.log.WithFields(logrus.Fields{"url": req.URL.String(), "method": req.Method})

	resp, err := f.client.Do(req.WithContext(ctx))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			reqLog.Debugf("Request cancelled: %v", err)
		} else {
			reqLog.Debugf("Network error: %v", err)
		}
		if resp != nil {
			drainAndClose(resp)
		}
		return nil, err
	}

	statusCode := resp.StatusCode
	resLog := reqLog.WithField("status_code", statusCode)

	switch {
	case statusCode >= 200 && statusCode < 300:
		resLog.Debug("Successfully fetched")
		return resp, nil

	case statusCode >= 500:
		drainAndClose(resp)
		return nil, fmt.Errorf("%w: status %d %s", utils.ErrServerHTTPError, statusCode, resp.Status)

	case statusCode >= 400:
		drainAndClose(resp)
		return nil, fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, statusCode, resp.Status)

	default:
		// 1xx, or 3xx left over after the redirect limit
		drainAndClose(resp)
		return nil, fmt.Errorf("%w: status %d %s", utils.ErrOtherHTTPError, statusCode, resp.Status)
	}
}

// drainAndClose discards a bounded amount of body so the connection can be reused
func drainAndClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
