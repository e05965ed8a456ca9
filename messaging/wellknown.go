// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// WellKnown is the parsed /.well-known/matrix/client document. Only the
// fields Perch consumes are modeled.
type WellKnown struct {
	Homeserver struct {
		BaseURL string `json:"base_url"`
	} `json:"m.homeserver"`

	// SlidingSyncProxy advertises an MSC3575 sliding-sync proxy for
	// accelerated sync. Optional.
	SlidingSyncProxy struct {
		URL string `json:"url"`
	} `json:"org.matrix.msc3575.proxy"`
}

// DiscoverSyncProxy fetches the homeserver's well-known client document
// and returns the sliding-sync proxy URL if one is advertised.
//
// Discovery is strictly best-effort: a missing document, a fetch
// failure, or malformed JSON all return ("", nil). Sync falls back to
// the homeserver directly; discovery failure is never a reason to fail
// a login.
func (c *Client) DiscoverSyncProxy(ctx context.Context) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/.well-known/matrix/client", nil)
	if err != nil {
		return "", fmt.Errorf("messaging: building well-known request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("well-known fetch failed, using direct sync", "error", err)
		return "", nil
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		c.logger.Debug("well-known not available, using direct sync", "status", response.StatusCode)
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		c.logger.Debug("well-known read failed, using direct sync", "error", err)
		return "", nil
	}

	var wellKnown WellKnown
	if err := json.Unmarshal(body, &wellKnown); err != nil {
		c.logger.Debug("well-known parse failed, using direct sync", "error", err)
		return "", nil
	}

	proxyURL := wellKnown.SlidingSyncProxy.URL
	if proxyURL == "" {
		return "", nil
	}
	if _, err := url.Parse(proxyURL); err != nil {
		c.logger.Debug("well-known proxy URL invalid, using direct sync",
			"url", proxyURL,
			"error", err,
		)
		return "", nil
	}

	c.logger.Info("discovered sliding-sync proxy", "url", proxyURL)
	return proxyURL, nil
}
