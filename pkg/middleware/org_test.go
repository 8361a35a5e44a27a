package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/rentbill/pkg/contextkeys"
	"github.com/platinummonkey/rentbill/pkg/observability"
)

func TestOrgContext(t *testing.T) {
	var (
		gotOrg int64
		gotOK  bool
	)
	capture := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrg, gotOK = contextkeys.GetOrgID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	router := mux.NewRouter()
	router.Use(OrgContext)
	router.Handle("/orgs/{org_id}/things", capture)
	router.Handle("/things", capture)

	tests := []struct {
		name   string
		path   string
		header string
		status int
		org    int64
		ok     bool
	}{
		{"path variable", "/orgs/42/things", "", http.StatusOK, 42, true},
		{"path wins over header", "/orgs/42/things", "7", http.StatusOK, 42, true},
		{"header", "/things", "7", http.StatusOK, 7, true},
		{"no organization", "/things", "", http.StatusOK, 0, false},
		{"bad path variable", "/orgs/abc/things", "", http.StatusBadRequest, 0, false},
		{"negative header", "/things", "-3", http.StatusBadRequest, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOrg, gotOK = 0, false
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				r.Header.Set(OrgHeader, tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, r)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.org, gotOrg)
			assert.Equal(t, tt.ok, gotOK)
		})
	}
}

func TestRequestID(t *testing.T) {
	var got string
	h := RequestID(observability.NewNopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = contextkeys.GetRequestID(r.Context())
		assert.NotNil(t, observability.GetLogger(r.Context()))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, got)
	assert.Equal(t, got, w.Header().Get(RequestIDHeader))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "req-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "req-123", got)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}
