package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ssabro/MailVista-sub002/internal/models"
	"github.com/stretchr/testify/require"
)

const testAccount = "alice@example.com"

// staticAccounts is an Accounts backed by a fixed list of emails.
type staticAccounts []string

func (a staticAccounts) Account(email string) (models.Account, bool) {
	for _, known := range a {
		if known == email {
			return models.Account{Email: known}, true
		}
	}
	return models.Account{}, false
}

var testAccounts = staticAccounts{testAccount}

func newRequest(method, target string, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	return httptest.NewRequest(method, target, r)
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	resp := decodeBody[errorResponse](t, rr)
	require.False(t, resp.Success)
	return resp
}

// FailingResponseWriter is a ResponseWriter that fails on Write to test error handling.
type FailingResponseWriter struct {
	http.ResponseWriter
	WriteShouldFail bool
}

func (f *FailingResponseWriter) Write(p []byte) (int, error) {
	if f.WriteShouldFail {
		return 0, fmt.Errorf("write failed")
	}
	return f.ResponseWriter.Write(p)
}

// VerifyAccountCheck asserts that a handler rejects a missing and an unknown account.
func VerifyAccountCheck(t *testing.T, handlerFunc http.HandlerFunc, method, path string) {
	t.Helper()

	rr := httptest.NewRecorder()
	handlerFunc(rr, newRequest(method, path, ""))
	require.Equal(t, http.StatusBadRequest, rr.Code, "missing account")

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	rr = httptest.NewRecorder()
	handlerFunc(rr, newRequest(method, path+sep+"account=mallory@example.com", ""))
	require.Equal(t, http.StatusNotFound, rr.Code, "unknown account")
}
