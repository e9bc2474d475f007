package httpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshgate.org/internal/errs"
)

func TestClientDo(t *testing.T) {
	var gotAuth, gotPath, gotBody, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("User")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"o1","name":"acme"}`))
	}))
	defer srv.Close()

	c, err := New("identity", srv.URL+"/root", WithHeader("Authorization", "Bearer secret"))
	require.NoError(t, err)

	var out struct {
		ID string `json:"id"`
	}
	err = c.Do(context.Background(), Req{
		Method:  http.MethodPost,
		Path:    "/organizations",
		Body:    map[string]string{"name": "acme"},
		Headers: http.Header{"User": []string{`{"_id":"u1"}`}},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "o1", out.ID)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "/root/organizations", gotPath)
	assert.JSONEq(t, `{"name":"acme"}`, gotBody)
	assert.Equal(t, `{"_id":"u1"}`, gotCustom)

	var raw json.RawMessage
	require.NoError(t, c.Do(context.Background(), Req{Method: http.MethodPost, Path: "/x", Body: json.RawMessage(`{"a":1}`)}, &raw))
	assert.JSONEq(t, `{"id":"o1","name":"acme"}`, string(raw))
	assert.JSONEq(t, `{"a":1}`, gotBody)
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"conflict","message":"organization name already exists"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c, err := New("tsdb", srv.URL)
	require.NoError(t, err)
	err = c.Do(context.Background(), Req{Method: http.MethodPost, Path: "/api/v2/orgs"}, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, StatusCode(err))
	assert.Contains(t, err.Error(), "already exists")
}

func TestClientTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := New("identity", srv.URL, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	err = c.Do(context.Background(), Req{Method: http.MethodGet, Path: "/slow"}, nil)
	e, ok := errs.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, errs.KindUpstreamUnavailable, e.Kind)
	assert.True(t, e.Timeout)
	assert.Equal(t, 0, StatusCode(err))
}

func TestNewRequiresAbsoluteURL(t *testing.T) {
	_, err := New("x", "localhost:8086")
	assert.Error(t, err)
	_, err = New("x", "http://localhost:8086", WithHTTPClient(nil))
	assert.Error(t, err)
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "abc", IDString("abc"))
	assert.Equal(t, "42", IDString(float64(42)))
	assert.Equal(t, "7", IDString(json.Number("7")))
	assert.Equal(t, "", IDString(nil))
}
