// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type staticAuthenticator struct {
	user   string
	source string
}

func (a staticAuthenticator) GetUserID(*http.Request) (string, error)   { return a.user, nil }
func (a staticAuthenticator) GetSourceID(*http.Request) (string, error) { return a.source, nil }

func postMutation(t *testing.T, h *HTTPMutationHandlers, req *MutationRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	h.HandleMutation(w, httptest.NewRequest(http.MethodPost, "/sync/mutations", bytes.NewReader(body)))
	return w
}

func TestHandleMutationDiscriminatedBody(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPMutationHandlers(svc, staticAuthenticator{user: "user-1", source: "terminal-1"}, slog.Default())

	payload, err := json.Marshal(AdjustPointsRequest{AccountID: uuid.New().String(), Delta: 10, Reason: "visit"})
	require.NoError(t, err)

	// Business rejections travel in a 200 body, never in the HTTP status.
	w := postMutation(t, h, &MutationRequest{
		IdempotencyKey: uuid.New().String(),
		Type:           OpAdjustPoints,
		Payload:        payload,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp MutationResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, StRejected, resp.Status)
	require.Equal(t, ReasonNotFound, resp.Reason)
}

func TestHandleMutationInfrastructureFailure(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPMutationHandlers(svc, staticAuthenticator{user: "user-1", source: "terminal-1"}, slog.Default())
	require.NoError(t, svc.Close())

	payload, err := json.Marshal(AdjustPointsRequest{AccountID: uuid.New().String(), Delta: 10, Reason: "visit"})
	require.NoError(t, err)

	w := postMutation(t, h, &MutationRequest{
		IdempotencyKey: uuid.New().String(),
		Type:           OpAdjustPoints,
		Payload:        payload,
	})
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var er ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&er))
	require.Equal(t, ReasonInternalError, er.Error)
}

func TestHandleMutationRequiresIdempotencyKey(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPMutationHandlers(svc, staticAuthenticator{user: "user-1", source: "terminal-1"}, slog.Default())

	w := postMutation(t, h, &MutationRequest{Type: OpAdjustPoints})
	require.Equal(t, http.StatusBadRequest, w.Code)
}
