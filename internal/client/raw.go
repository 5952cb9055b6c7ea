package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// GetRaw performs a raw GET to path and returns the response body as a
// string. Useful for endpoints like /cluster/peers that don't fit the
// typed API.
func (c *Client) GetRaw(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s%s", c.baseURL, path), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

// SubscribeEvent is one decoded "commit" SSE event from /subscribe.
type SubscribeEvent struct {
	Name string // "commit" or "ping"
	Data string
}

// Subscribe opens a long-lived SSE connection to /subscribe?prefix=... and
// calls onEvent for every event until ctx is canceled or the connection
// drops. It blocks for the lifetime of the subscription, mirroring how a
// CLI `watch` subcommand would use it.
func (c *Client) Subscribe(ctx context.Context, prefix string, onEvent func(SubscribeEvent)) error {
	q := url.Values{}
	q.Set("prefix", prefix)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/subscribe?%s", c.baseURL, q.Encode()), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	var ev SubscribeEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if ev.Name != "" {
				onEvent(ev)
			}
			ev = SubscribeEvent{}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return scanner.Err()
}
