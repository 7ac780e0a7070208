package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	return problem
}

func TestRespondErrorStatuses(t *testing.T) {
	base := errors.New("role not found")
	cases := []struct {
		name   string
		err    error
		status int
		detail string
	}{
		{"pinned status", WithStatus(http.StatusNotFound, "Not Found", base), http.StatusNotFound, "role not found"},
		{"wrapped pinned status", fmt.Errorf("load: %w", WithStatus(http.StatusConflict, "Conflict", base)), http.StatusConflict, "role not found"},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "request timed out"},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable, "request cancelled"},
		{"unknown", errors.New("pq: connection reset"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondError(rec, tc.err)
			require.Equal(t, tc.status, rec.Code)
			problem := decodeProblem(t, rec)
			require.Equal(t, tc.status, problem.Status)
			require.Equal(t, tc.detail, problem.Detail)
		})
	}
}

func TestWithStatusNil(t *testing.T) {
	require.NoError(t, WithStatus(http.StatusNotFound, "Not Found", nil))
}

type createRole struct {
	Name string `json:"name" validate:"required,max=100"`
}

func TestDecodeAndValidate(t *testing.T) {
	v := NewValidator()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/roles", strings.NewReader(`{"name":"Editor"}`))
	var ok createRole
	require.True(t, DecodeAndValidate(rec, req, v, &ok))
	require.Equal(t, "Editor", ok.Name)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/roles", strings.NewReader(`{"name":`))
	require.False(t, DecodeAndValidate(rec, req, v, &createRole{}))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/roles", strings.NewReader(`{}`))
	require.False(t, DecodeAndValidate(rec, req, v, &createRole{}))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body ValidationProblem
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, FieldErrors{"name": "required"}, body.Errors)
}

func TestDecodeJSONRejectsOversizedBody(t *testing.T) {
	payload := `{"name":"` + strings.Repeat("a", MaxBodyBytes) + `"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/roles", strings.NewReader(payload))
	require.Error(t, DecodeJSON(rec, req, &createRole{}))
}
