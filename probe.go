package launcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// probeURL returns the readiness URL of d, or "" when probing is disabled
func probeURL(d Descriptor) string {
	if d.HealthPath == "" {
		return ""
	}
	host := d.Address
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(d.Port)) + d.HealthPath
}

// waitReady polls url until it answers 200 OK. It gives up after timeout,
// or never when timeout is zero, and always when ctx is done.
func waitReady(ctx context.Context, url string, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout

	client := &http.Client{Timeout: 2 * time.Second}
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health check returned %s", resp.Status)
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
