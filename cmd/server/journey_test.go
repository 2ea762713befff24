package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/damacus/drive-index/internal/config"
	"github.com/damacus/drive-index/internal/services"
	"github.com/damacus/drive-index/internal/utils"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{
		ListenAddr:         ":0",
		Backend:            config.BackendDrive,
		RootID:             services.RootSentinel,
		SecretKey:          "journey-secret",
		PasswordName:       ".password",
		ReadmeName:         "README.md",
		BannerName:         "banner.png",
		HiddenPrefixes:     []string{"."},
		TokenTTL:           time.Hour,
		StreamChunkSize:    5 << 20,
		DownloadSizeLimit:  100 << 20,
		StreamChunkTimeout: 10 * time.Second,
		CacheTTL:           time.Minute,
		ResolveConcurrency: 4,
	}
}

func folder(id, name, parent string) services.Object {
	return services.Object{ID: id, Name: name, MimeType: services.FolderMimeType, Parents: []string{parent}}
}

func textBody(s string) func() io.ReadCloser {
	return func() io.ReadCloser { return io.NopCloser(strings.NewReader(s)) }
}

// newMockTree models /Public (password hunter2) containing Sub/report.txt.
func newMockTree() *MockObjectStore {
	store := &MockObjectStore{}
	report := services.Object{
		ID:       "report-id",
		Name:     "report.txt",
		MimeType: "text/plain",
		Size:     11,
		Parents:  []string{"sub-id"},
	}
	marker := services.Object{ID: "pw-public", Name: ".password", MimeType: "text/plain", Size: 8, Parents: []string{"public-id"}}

	store.On("RootID", mock.Anything).Return("root-id", nil)

	store.On("ListChildren", mock.Anything, services.ListQuery{NameEquals: "Public"}).
		Return([]services.Object{folder("public-id", "Public", "root-id")}, nil)
	store.On("ListChildren", mock.Anything, services.ListQuery{NameEquals: "Sub"}).
		Return([]services.Object{folder("sub-id", "Sub", "public-id")}, nil)
	store.On("ListChildren", mock.Anything, services.ListQuery{NameEquals: "report.txt"}).
		Return([]services.Object{report}, nil)

	store.On("ListChildren", mock.Anything, services.ListQuery{Parent: "root-id", NameEquals: ".password"}).
		Return([]services.Object{}, nil)
	store.On("ListChildren", mock.Anything, services.ListQuery{Parent: "public-id", NameEquals: ".password"}).
		Return([]services.Object{marker}, nil)
	store.On("ListChildren", mock.Anything, services.ListQuery{Parent: "sub-id", NameEquals: ".password"}).
		Return([]services.Object{}, nil)

	store.On("ListChildren", mock.Anything, services.ListQuery{Parent: "sub-id"}).
		Return([]services.Object{report}, nil)

	store.On("GetMedia", mock.Anything, "pw-public", (*services.ByteRange)(nil)).
		Return(textBody("hunter2\n"), nil)
	store.On("GetByID", mock.Anything, "report-id").Return(&report, nil)
	store.On("GetMedia", mock.Anything, "report-id", &services.ByteRange{Start: 0, End: 10}).
		Return(textBody("hello world"), nil)
	return store
}

type client struct {
	t       *testing.T
	e       *echo.Echo
	cookies map[string]*http.Cookie
	csrf    string
}

func newClient(t *testing.T, store services.ObjectStore) *client {
	t.Helper()
	cfg := testConfig()
	e, err := newServer(cfg, store, cfg.RootID, zap.NewNop())
	require.NoError(t, err)
	return &client{t: t, e: e, cookies: map[string]*http.Cookie{}}
}

func (c *client) do(method, target, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if c.csrf != "" {
		req.Header.Set(utils.CSRFHeader, c.csrf)
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}

	rec := httptest.NewRecorder()
	c.e.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.MaxAge < 0 {
			delete(c.cookies, ck.Name)
			continue
		}
		c.cookies[ck.Name] = ck
	}
	return rec
}

func (c *client) data(rec *httptest.ResponseRecorder, v any) {
	c.t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	require.True(c.t, env.Success, rec.Body.String())
	require.NoError(c.t, json.Unmarshal(env.Data, v))
}

func (c *client) fetchCSRF() {
	c.t.Helper()
	rec := c.do(http.MethodGet, "/api/csrf", "")
	require.Equal(c.t, http.StatusOK, rec.Code)
	var out map[string]string
	c.data(rec, &out)
	require.NotEmpty(c.t, out["token"])
	c.csrf = out["token"]
}

func TestServerAddsSecurityHeadersOnHealth(t *testing.T) {
	c := newClient(t, &MockObjectStore{})

	rec := c.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestServerRejectsUnlockWithoutCSRFToken(t *testing.T) {
	c := newClient(t, newMockTree())

	rec := c.do(http.MethodPost, "/api/unlock", `{"path":"/Public","password":"hunter2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, c.cookies, utils.CookieName)
}

func TestServerUnknownRouteUsesErrorShape(t *testing.T) {
	c := newClient(t, &MockObjectStore{})

	rec := c.do(http.MethodGet, "/api/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
	assert.Contains(t, rec.Body.String(), `"code":"NOT_FOUND"`)
}

func TestJourney_UnlockAndDownload(t *testing.T) {
	store := newMockTree()
	c := newClient(t, store)

	// locked: deeper ids are withheld
	rec := c.do(http.MethodGet, "/api/resolve?path=/Public/Sub/report.txt", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resolved struct {
		Path []struct {
			Name      string `json:"name"`
			EncodedID string `json:"encodedId"`
		} `json:"path"`
		Protection struct {
			ProtectedContainerIndex *int `json:"protectedContainerIndex"`
			Unlocked                bool `json:"unlocked"`
		} `json:"protection"`
	}
	c.data(rec, &resolved)
	require.Len(t, resolved.Path, 3)
	require.NotNil(t, resolved.Protection.ProtectedContainerIndex)
	assert.Equal(t, 0, *resolved.Protection.ProtectedContainerIndex)
	assert.False(t, resolved.Protection.Unlocked)
	assert.Empty(t, resolved.Path[2].EncodedID)

	rec = c.do(http.MethodGet, "/api/list?path=/Public/Sub", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "PASSWORD_REQUIRED")

	// wrong then right password
	c.fetchCSRF()
	rec = c.do(http.MethodPost, "/api/unlock", `{"path":"/Public/Sub","password":"wrong"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, c.cookies, utils.CookieName)

	rec = c.do(http.MethodPost, "/api/unlock", `{"path":"/Public/Sub","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, c.cookies, utils.CookieName)

	// unlocked: listing and ids are available
	rec = c.do(http.MethodGet, "/api/resolve?path=/Public/Sub/report.txt", "")
	c.data(rec, &resolved)
	assert.True(t, resolved.Protection.Unlocked)
	ref := resolved.Path[2].EncodedID
	require.NotEmpty(t, ref)
	assert.NotContains(t, ref, "report-id")

	rec = c.do(http.MethodGet, "/api/list?path=/Public/Sub", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "report.txt")
	assert.Contains(t, rec.Body.String(), "11 B")

	// token, then download with the token alone
	rec = c.do(http.MethodPost, "/api/token", `{"objectRef":"`+ref+`","path":"/Public/Sub/report.txt"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var token string
	c.data(rec, &token)
	require.NotEmpty(t, token)

	anon := newClient(t, store)
	rec = anon.do(http.MethodGet, "/api/download/"+ref+"?token="+url.QueryEscape(token), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, "bytes 0-10/11", rec.Header().Get("Content-Range"))

	// the ref alone is not a credential
	rec = anon.do(http.MethodGet, "/api/download/"+ref, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// marker content was read once and then served from cache
	store.AssertNumberOfCalls(t, "GetMedia", 2)

	// lock again
	rec = c.do(http.MethodDelete, "/api/unlock", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotContains(t, c.cookies, utils.CookieName)
}

func TestJourney_MetricsExposed(t *testing.T) {
	c := newClient(t, newMockTree())
	c.do(http.MethodGet, "/api/resolve?path=/Public", "")

	rec := c.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "driveindex_http_requests_total")
	assert.Contains(t, body, "driveindex_protection_checks_total")
}
