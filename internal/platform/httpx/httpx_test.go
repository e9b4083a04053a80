package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("%w: bundle 9", ErrNotFound):   http.StatusNotFound,
		fmt.Errorf("%w: receipt", ErrDuplicate):   http.StatusConflict,
		fmt.Errorf("%w: quantity", ErrValidation): http.StatusBadRequest,
		fmt.Errorf("%w: queue", ErrUnavailable):   http.StatusServiceUnavailable,
		fmt.Errorf("boom"):                        http.StatusInternalServerError,
	}
	for err, status := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, err)
		require.Equal(t, status, rec.Code, err.Error())
		require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

		var body ProblemDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, status, body.Status)
	}
}

func TestInternalErrorHidesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, fmt.Errorf("pq: connection refused"))
	require.NotContains(t, rec.Body.String(), "connection refused")
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dest struct {
		Quantity int `json:"quantity"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":3,"qty":4}`))
	require.Error(t, DecodeJSON(req, &dest))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":3}`))
	require.NoError(t, DecodeJSON(req, &dest))
	require.Equal(t, 3, dest.Quantity)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	require.EqualError(t, DecodeJSON(req, &dest), "request body required")
}
