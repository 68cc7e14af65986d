package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestMockServer_DefaultResponse(t *testing.T) {
	ms := NewMockServer(t, WithToken("tok"))

	resp, body := get(t, ms.UsageURL(), "tok")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Contains(t, parsed, "five_hour")
	assert.Contains(t, parsed, "seven_day")
	assert.Equal(t, 1, ms.RequestCount())
}

func TestMockServer_RejectsWrongToken(t *testing.T) {
	ms := NewMockServer(t, WithToken("right"))

	resp, _ := get(t, ms.UsageURL(), "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMockServer_RoundRobinAndReset(t *testing.T) {
	ms := NewMockServer(t, WithResponses(`{"a":null}`, `{"b":null}`))

	_, first := get(t, ms.UsageURL(), "")
	_, second := get(t, ms.UsageURL(), "")
	_, third := get(t, ms.UsageURL(), "")
	assert.JSONEq(t, `{"a":null}`, string(first))
	assert.JSONEq(t, `{"b":null}`, string(second))
	assert.JSONEq(t, `{"a":null}`, string(third))

	ms.SetResponses(`{"c":null}`)
	_, fourth := get(t, ms.UsageURL(), "")
	assert.JSONEq(t, `{"c":null}`, string(fourth))
}

func TestMockServer_InjectedErrors(t *testing.T) {
	ms := NewMockServer(t)

	ms.SetError(http.StatusBadGateway)
	resp, _ := get(t, ms.UsageURL(), "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	ms.SetRateLimited(42)
	resp, _ = get(t, ms.UsageURL(), "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "42", resp.Header.Get("Retry-After"))

	ms.ClearErrors()
	resp, _ = get(t, ms.UsageURL(), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, ms.RequestCount())
}
