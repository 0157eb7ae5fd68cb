package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityClientValidatePostsJSONAndParsesResponse(t *testing.T) {
	var gotPath string
	var gotBody joinRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(joinResponse{Valid: true})
	}))
	defer server.Close()

	ic := NewIdentityClient(server.URL + "/")
	valid, err := ic.Validate("u1", "t1")
	require.NoError(t, err)
	require.True(t, valid)
	require.Equal(t, "/auth/join-token", gotPath)
	require.Equal(t, "u1", gotBody.UserID)
	require.Equal(t, "t1", gotBody.Token)
}

func TestIdentityClientValidateRejectsOnFalse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(joinResponse{Valid: false})
	}))
	defer server.Close()

	ic := NewIdentityClient(server.URL + "/")
	valid, err := ic.Validate("u1", "badtoken")
	require.NoError(t, err)
	require.False(t, valid)
}

func TestIdentityClientValidateErrorsOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ic := NewIdentityClient(server.URL + "/")
	_, err := ic.Validate("u1", "t1")
	require.Error(t, err)
}
