package httpstages

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dcshock/stagechain/pipeline"
)

// Get returns a stage that performs an HTTP GET to the fixed url and stores the response body ([]byte) under into.
// The run context is used for the request (timeout and cancellation). If client is nil, http.DefaultClient is used.
func Get(client *http.Client, url, into string) pipeline.Stage {
	if client == nil {
		client = http.DefaultClient
	}
	return pipeline.StageFunc(func(ctx context.Context, state *pipeline.State) error {
		body, err := get(ctx, client, url, "http get")
		if err != nil {
			return err
		}
		state.Set(into, body)
		return nil
	})
}

// Fetch returns a stage that performs an HTTP GET to the URL held in the urlKey context value
// and stores the response body ([]byte) under into. If client is nil, http.DefaultClient is used.
func Fetch(client *http.Client, urlKey, into string) pipeline.Stage {
	if client == nil {
		client = http.DefaultClient
	}
	return pipeline.StageFunc(func(ctx context.Context, state *pipeline.State) error {
		url, err := state.String(urlKey)
		if err != nil {
			return fmt.Errorf("http fetch: %w", err)
		}
		body, err := get(ctx, client, url, "http fetch")
		if err != nil {
			return err
		}
		state.Set(into, body)
		return nil
	})
}

func get(ctx context.Context, client *http.Client, url, op string) ([]byte, error) {
	var buf []byte
	err := stream(ctx, client, url, op, func(r io.Reader) error {
		var err error
		buf, err = io.ReadAll(r)
		return err
	})
	return buf, err
}

func stream(ctx context.Context, client *http.Client, url, op string, consume func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%s: new request: %w", op, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %q: %w", op, url, pipeline.RetryableErr(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("%s %q: status %d", op, url, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			err = pipeline.RetryableErr(err)
		}
		return err
	}
	if err := consume(resp.Body); err != nil {
		return fmt.Errorf("%s %q: read body: %w", op, url, err)
	}
	return nil
}
