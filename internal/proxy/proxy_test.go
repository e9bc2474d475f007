package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshgate.org/internal/auth"
	"meshgate.org/internal/route"
)

type echo struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Query       string `json:"query"`
	Body        string `json:"body"`
	User        string `json:"user"`
	UserRefresh string `json:"user_refresh"`
	Custom      string `json:"custom"`
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		_ = json.NewEncoder(w).Encode(echo{
			Method:      r.Method,
			Path:        r.URL.Path,
			Query:       r.URL.RawQuery,
			Body:        string(body),
			User:        r.Header.Get(HeaderUser),
			UserRefresh: r.Header.Get(HeaderUserRefresh),
			Custom:      r.Header.Get("X-Custom"),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func decodeEcho(t *testing.T, rec *httptest.ResponseRecorder) echo {
	t.Helper()
	var got echo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	return got
}

func TestForwardRelaysVerbatim(t *testing.T) {
	upstream := echoServer(t)
	d, err := New(map[route.Service]string{route.ServiceDeviceMgmt: upstream.URL + "/base"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/api/organizations/abc/applications?limit=5&sort=name", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("X-Custom", "kept")
	rec := httptest.NewRecorder()
	d.Forward(rec, req, route.ServiceDeviceMgmt, "/organizations/42/applications")

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	got := decodeEcho(t, rec)
	assert.Equal(t, http.MethodPut, got.Method)
	assert.Equal(t, "/base/organizations/42/applications", got.Path)
	assert.Equal(t, "limit=5&sort=name", got.Query)
	assert.Equal(t, `{"name":"x"}`, got.Body)
	assert.Equal(t, "kept", got.Custom)
}

func TestForwardReplacesTrustedHeaders(t *testing.T) {
	upstream := echoServer(t)
	d, err := New(map[route.Service]string{route.ServiceIdentity: upstream.URL})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set(HeaderUser, `{"_id":"admin"}`)
	req.Header.Set(HeaderUserRefresh, "admin")
	rec := httptest.NewRecorder()
	d.Forward(rec, req, route.ServiceIdentity, "/users")
	got := decodeEcho(t, rec)
	assert.Empty(t, got.User, "spoofed header must be dropped")
	assert.Empty(t, got.UserRefresh)

	ctx := auth.ContextWithUser(req.Context(), auth.VerifiedUser{ID: "u1", Profile: []byte(`{"_id":"u1","name":"Ann"}`)})
	ctx = auth.ContextWithRefreshSubject(ctx, "u1")
	rec = httptest.NewRecorder()
	d.Forward(rec, req.WithContext(ctx), route.ServiceIdentity, "/users")
	got = decodeEcho(t, rec)
	assert.JSONEq(t, `{"_id":"u1","name":"Ann"}`, got.User)
	assert.Equal(t, "u1", got.UserRefresh)
}

func TestForwardUpstreamDown(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	d, err := New(map[route.Service]string{route.ServiceIdentity: deadURL})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	d.Forward(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil), route.ServiceIdentity, "/users")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream_unavailable")
}

func TestForwardUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	d, err := New(map[route.Service]string{route.ServiceAnalytics: slow.URL}, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	d.Forward(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil), route.ServiceAnalytics, "/x")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestForwardUnknownService(t *testing.T) {
	d, err := New(map[route.Service]string{route.ServiceFrontend: ""})
	require.NoError(t, err)
	assert.False(t, d.Has(route.ServiceFrontend))

	rec := httptest.NewRecorder()
	d.Forward(rec, httptest.NewRequest(http.MethodGet, "/", nil), route.ServiceFrontend, "/")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestNewRejectsRelativeURL(t *testing.T) {
	_, err := New(map[route.Service]string{route.ServiceIdentity: "identity:8080"})
	assert.Error(t, err)
}

func TestCustomErrorWriter(t *testing.T) {
	var called bool
	d, err := New(nil, WithErrorWriter(func(w http.ResponseWriter, r *http.Request, err error) {
		called = true
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	d.Forward(rec, httptest.NewRequest(http.MethodGet, "/", nil), route.ServiceIdentity, "/")
	assert.True(t, called)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestForwardKeepsEncodedSegments(t *testing.T) {
	var gotURI string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
	}))
	t.Cleanup(upstream.Close)
	d, err := New(map[route.Service]string{route.ServiceDeviceMgmt: upstream.URL})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/organizations/abc/applications/a%2Fb?x=1", nil)
	d.Forward(httptest.NewRecorder(), req, route.ServiceDeviceMgmt, "/organizations/42/applications/a%2Fb")
	assert.Equal(t, "/organizations/42/applications/a%2Fb?x=1", gotURI)
}

func TestForwardStripsEverySpellingOfTrustedHeaders(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	t.Cleanup(upstream.Close)
	d, err := New(map[route.Service]string{route.ServiceIdentity: upstream.URL})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", nil)
	req.Header["User_refresh"] = []string{"victim"}
	req.Header["User-Refresh"] = []string{"victim"}
	req.Header["user_refresh"] = []string{"victim"}
	req.Header["USER"] = []string{`{"_id":"victim"}`}
	ctx := auth.ContextWithRefreshSubject(req.Context(), "self")
	d.Forward(httptest.NewRecorder(), req.WithContext(ctx), route.ServiceIdentity, "/auth/refresh")

	var trusted []string
	for name, vs := range got {
		switch strings.ReplaceAll(strings.ToLower(name), "_", "-") {
		case "user", "user-refresh":
			for _, v := range vs {
				trusted = append(trusted, name+"="+v)
			}
		}
	}
	assert.Equal(t, []string{"User_refresh=self"}, trusted)
}
