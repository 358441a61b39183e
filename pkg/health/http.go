package health

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPChecker probes an HTTP endpoint for an expected status code. Transient
// failures (connection refused, 5xx) are retried with exponential backoff so a
// service that just restarted gets a grace period.
type HTTPChecker struct {
	ExpectStatus int           // default 200
	Retries      int           // default 3
	Timeout      time.Duration // per-attempt timeout, default 10s
}

// CheckURL probes url and reports whether it answered with the expected status
func (c *HTTPChecker) CheckURL(ctx context.Context, url string) *CheckResult {
	result := newResult("http")
	result.Metadata["url"] = url

	expect := c.ExpectStatus
	if expect == 0 {
		expect = 200
	}
	retries := c.Retries
	if retries == 0 {
		retries = 3
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return result.fail("unhealthy", "failed to build request: %v", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		return result.fail("unhealthy", "request failed after %d retries: %v", retries, err)
	}
	defer resp.Body.Close()

	result.Metadata["status_code"] = fmt.Sprintf("%d", resp.StatusCode)
	if body, err := io.ReadAll(io.LimitReader(resp.Body, 1024)); err == nil && len(body) > 0 {
		result.Metadata["response"] = string(body)
	}

	if resp.StatusCode != expect {
		status := "degraded"
		if resp.StatusCode >= 500 {
			status = "unhealthy"
		}
		return result.fail(status, "HTTP %d, expected %d", resp.StatusCode, expect)
	}

	result.OK = true
	result.Status = "healthy"
	result.Message = fmt.Sprintf("HTTP %d (latency: %v)", resp.StatusCode, result.Latency)
	return result
}
