// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package posqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eduardojeem/Mipos-sub030/possync"
)

// Applier delivers one mutation to the backend and returns its discriminated
// outcome. Implementations must return an error only for transport-level
// failures; business outcomes (applied, conflict, rejected) travel in the
// response so the queue can distinguish "retry" from "resolve" from "stop".
type Applier interface {
	Apply(ctx context.Context, req *possync.MutationRequest) (*possync.MutationResponse, error)
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, req *possync.MutationRequest) (*possync.MutationResponse, error)

func (f ApplierFunc) Apply(ctx context.Context, req *possync.MutationRequest) (*possync.MutationResponse, error) {
	return f(ctx, req)
}

// HTTPApplier posts mutations to a possync HTTP endpoint with bearer-token
// auth. Token is called per request so callers can rotate short-lived JWTs
// without rebuilding the applier.
type HTTPApplier struct {
	BaseURL string
	Token   func() (string, error)
	HTTP    *http.Client
}

// NewHTTPApplier creates an applier for the mutation endpoint at baseURL.
func NewHTTPApplier(baseURL string, token func() (string, error)) *HTTPApplier {
	return &HTTPApplier{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Apply posts req to /sync/mutations. Any non-200 status is a transport-level
// failure: the server never encodes business outcomes in HTTP status codes.
func (a *HTTPApplier) Apply(ctx context.Context, req *possync.MutationRequest) (*possync.MutationResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mutation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/sync/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create mutation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.Token != nil {
		token, err := a.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to obtain auth token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := a.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mutation request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("mutation request returned status %d: %s", httpResp.StatusCode, string(detail))
	}

	var resp possync.MutationResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode mutation response: %w", err)
	}
	return &resp, nil
}
