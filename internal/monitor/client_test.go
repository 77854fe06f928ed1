package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/batchd/internal/credential"
	httpapi "github.com/fyrsmithlabs/batchd/internal/http"
)

func TestNewStatusClient(t *testing.T) {
	client := NewStatusClient("http://localhost:9090/")
	assert.Equal(t, "http://localhost:9090", client.baseURL)
	assert.NotNil(t, client.client)
}

func TestStatusClient_Status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(httpapi.StatusResponse{Status: "idle", Version: "v1"})
	}))
	defer server.Close()

	st, err := NewStatusClient(server.URL).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "idle", st.Status)
	assert.Equal(t, "v1", st.Version)
}

func TestStatusClient_Credentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(httpapi.CredentialsResponse{
			Credentials: []credential.Info{{Ref: "cred-0", Status: credential.StatusRevoked}},
		})
	}))
	defer server.Close()

	resp, err := NewStatusClient(server.URL).Credentials(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Credentials, 1)
	assert.Equal(t, credential.StatusRevoked, resp.Credentials[0].Status)
}

func TestStatusClient_Reinstate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if r.URL.Path != "/api/v1/credentials/cred-1/reinstate" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"unknown credential"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewStatusClient(server.URL)
	require.NoError(t, client.Reinstate(context.Background(), "cred-1"))

	err := client.Reinstate(context.Background(), "cred-9")
	assert.ErrorContains(t, err, "status code 404: unknown credential")
}

func TestStatusClient_Errors(t *testing.T) {
	t.Run("http error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("Internal Server Error"))
		}))
		defer server.Close()

		_, err := NewStatusClient(server.URL).Status(context.Background())
		assert.ErrorContains(t, err, "status code 500")
	})

	t.Run("malformed json", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{invalid json"))
		}))
		defer server.Close()

		_, err := NewStatusClient(server.URL).Status(context.Background())
		assert.ErrorContains(t, err, "failed to decode response")
	})

	t.Run("timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(3 * time.Second):
			}
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := NewStatusClient(server.URL).Status(ctx)
		assert.ErrorContains(t, err, "context deadline exceeded")
	})
}
