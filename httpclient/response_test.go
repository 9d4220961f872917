package httpclient

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponse_StatusHelpers(t *testing.T) {
	tests := []struct {
		name            string
		statusCode      int
		wantSuccess     bool
		wantError       bool
		wantClientError bool
		wantServerError bool
	}{
		{name: "given 200, then success", statusCode: http.StatusOK, wantSuccess: true},
		{name: "given 204, then success", statusCode: http.StatusNoContent, wantSuccess: true},
		{name: "given 304, then neither", statusCode: http.StatusNotModified},
		{name: "given 404, then client error", statusCode: http.StatusNotFound, wantError: true, wantClientError: true},
		{name: "given 503, then server error", statusCode: http.StatusServiceUnavailable, wantError: true, wantServerError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Response{StatusCode: tt.statusCode}
			assert.Equal(t, tt.wantSuccess, r.IsSuccess())
			assert.Equal(t, tt.wantError, r.IsError())
			assert.Equal(t, tt.wantClientError, r.IsClientError())
			assert.Equal(t, tt.wantServerError, r.IsServerError())
		})
	}
}

func TestResponse_Body(t *testing.T) {
	r := &Response{StatusCode: http.StatusOK, body: []byte(`{"name":"ada","age":36}`)}

	assert.Equal(t, `{"name":"ada","age":36}`, r.String())
	assert.Equal(t, []byte(`{"name":"ada","age":36}`), r.Body())

	var u user
	require.NoError(t, r.JSON(&u))
	assert.Equal(t, user{Name: "ada", Age: 36}, u)
}

func TestResponse_JSONInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "given html body, then invalid json error", body: "<html>nope</html>"},
		{name: "given empty body, then invalid json error", body: ""},
		{name: "given truncated body, then invalid json error", body: `{"name":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Response{body: []byte(tt.body)}
			var u user
			assert.ErrorIs(t, r.JSON(&u), ErrInvalidJSONResponse)
		})
	}
}
