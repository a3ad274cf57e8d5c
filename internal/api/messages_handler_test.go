package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ssabro/MailVista-sub002/internal/imap"
	"github.com/ssabro/MailVista-sub002/internal/models"
	"github.com/ssabro/MailVista-sub002/internal/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeArchive struct {
	headers []models.CachedHeader
	err     error
	offset  int
	limit   int
}

func (a *fakeArchive) GetHeaders(_ context.Context, _, _ string, offset, limit int) ([]models.CachedHeader, error) {
	a.offset, a.limit = offset, limit
	if a.err != nil {
		return nil, a.err
	}
	end := min(offset+limit, len(a.headers))
	if offset >= end {
		return nil, nil
	}
	return a.headers[offset:end], nil
}

func (a *fakeArchive) CountHeaders(context.Context, string, string) (int, error) {
	return len(a.headers), a.err
}

func TestMessagesHandler_GetMessages(t *testing.T) {
	t.Run("rejects missing and unknown accounts", func(t *testing.T) {
		handler := NewMessagesHandler(mocks.NewMailService(t), nil, testAccounts, 0, nil)
		VerifyAccountCheck(t, handler.GetMessages, http.MethodGet, "/api/v1/messages")
	})

	t.Run("passes pagination and unread to the service", func(t *testing.T) {
		svc := mocks.NewMailService(t)
		page := &models.Page{Headers: []models.CachedHeader{{UID: 9, Subject: "Hello"}}, Total: 42}
		svc.On("ListPage", mock.Anything, testAccount, "Archive", imap.PageOptions{Start: 11, Limit: 10, UnreadOnly: true}).
			Return(page, nil)
		handler := NewMessagesHandler(svc, nil, testAccounts, 0, nil)

		rr := httptest.NewRecorder()
		handler.GetMessages(rr, newRequest(http.MethodGet, "/api/v1/messages?account=Alice@Example.com&folder=Archive&start=11&limit=10&unread=true", ""))

		require.Equal(t, http.StatusOK, rr.Code)
		resp := decodeBody[MessagesResponse](t, rr)
		assert.True(t, resp.Success)
		assert.Equal(t, 42, resp.Total)
		assert.Equal(t, 11, resp.Start)
		assert.False(t, resp.Stale)
		require.Len(t, resp.Headers, 1)
		assert.Equal(t, "Hello", resp.Headers[0].Subject)
	})

	t.Run("defaults to INBOX and clamps the limit", func(t *testing.T) {
		svc := mocks.NewMailService(t)
		svc.On("ListPage", mock.Anything, testAccount, "INBOX", imap.PageOptions{Start: 1, Limit: maxPageSize}).
			Return(&models.Page{}, nil)
		handler := NewMessagesHandler(svc, nil, testAccounts, 0, nil)

		rr := httptest.NewRecorder()
		handler.GetMessages(rr, newRequest(http.MethodGet, "/api/v1/messages?account="+testAccount+"&limit=5000&start=-3", ""))

		require.Equal(t, http.StatusOK, rr.Code)
		resp := decodeBody[MessagesResponse](t, rr)
		assert.Equal(t, 1, resp.Start)
		assert.Equal(t, maxPageSize, resp.Limit)
		assert.NotNil(t, resp.Headers)
		assert.Contains(t, rr.Body.String(), `"headers":[]`)
	})

	t.Run("serves the memory cache when the server fails", func(t *testing.T) {
		svc := mocks.NewMailService(t)
		svc.On("ListPage", mock.Anything, testAccount, "INBOX", mock.Anything).Return(nil, errors.New("connection reset"))
		svc.On("CachedPage", testAccount, "INBOX", 1, 50).
			Return(&models.Page{Headers: []models.CachedHeader{{UID: 3}}, Total: 7, Stale: true})
		handler := NewMessagesHandler(svc, &fakeArchive{}, testAccounts, 0, nil)

		rr := httptest.NewRecorder()
		handler.GetMessages(rr, newRequest(http.MethodGet, "/api/v1/messages?account="+testAccount, ""))

		require.Equal(t, http.StatusOK, rr.Code)
		resp := decodeBody[MessagesResponse](t, rr)
		assert.True(t, resp.Stale)
		assert.Equal(t, 7, resp.Total)
	})

	t.Run("falls back to the archive after the memory cache", func(t *testing.T) {
		svc := mocks.NewMailService(t)
		svc.On("ListPage", mock.Anything, testAccount, "INBOX", mock.Anything).Return(nil, errors.New("i/o timeout"))
		svc.On("CachedPage", testAccount, "INBOX", 3, 2).Return(nil)
		archive := &fakeArchive{headers: []models.CachedHeader{{UID: 5}, {UID: 4}, {UID: 3}, {UID: 2}, {UID: 1}}}
		handler := NewMessagesHandler(svc, archive, testAccounts, 0, nil)

		rr := httptest.NewRecorder()
		handler.GetMessages(rr, newRequest(http.MethodGet, "/api/v1/messages?account="+testAccount+"&start=3&limit=2", ""))

		require.Equal(t, http.StatusOK, rr.Code)
		resp := decodeBody[MessagesResponse](t, rr)
		assert.True(t, resp.Stale)
		assert.Equal(t, 5, resp.Total)
		assert.Equal(t, 2, archive.offset)
		require.Len(t, resp.Headers, 2)
		assert.Equal(t, int64(3), resp.Headers[0].UID)
	})

	t.Run("reports the error when nothing is cached", func(t *testing.T) {
		svc := mocks.NewMailService(t)
		svc.On("ListPage", mock.Anything, testAccount, "INBOX", mock.Anything).Return(nil, imap.ErrAcquireTimeout)
		svc.On("CachedPage", testAccount, "INBOX", 1, 50).Return(nil)
		handler := NewMessagesHandler(svc, &fakeArchive{}, testAccounts, 0, nil)

		rr := httptest.NewRecorder()
		handler.GetMessages(rr, newRequest(http.MethodGet, "/api/v1/messages?account="+testAccount, ""))

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Contains(t, decodeError(t, rr).Error, "busy")
	})

	t.Run("unread view has no offline fallback", func(t *testing.T) {
		svc := mocks.NewMailService(t)
		svc.On("ListPage", mock.Anything, testAccount, "INBOX", mock.Anything).Return(nil, errors.New("EOF"))
		handler := NewMessagesHandler(svc, &fakeArchive{headers: []models.CachedHeader{{UID: 1}}}, testAccounts, 0, nil)

		rr := httptest.NewRecorder()
		handler.GetMessages(rr, newRequest(http.MethodGet, "/api/v1/messages?account="+testAccount+"&unread=1", ""))

		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})
}

func TestMessagesHandler_Actions(t *testing.T) {
	t.Run("set flags", func(t *testing.T) {
		svc := mocks.NewMailService(t)
		svc.On("SetFlags", mock.Anything, testAccount, "INBOX", []int64{1, 2}, []string{`\Seen`}, true).Return(nil)
		handler := NewMessagesHandler(svc, nil, testAccounts, 0, nil)

		rr := httptest.NewRecorder()
		handler.SetFlags(rr, newRequest(http.MethodPost, "/api/v1/messages/flags?account="+testAccount,
			`{"folder":"INBOX","uids":[1,2],"flags":["\\Seen"],"add":true}`))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"success":true}`, rr.Body.String())
	})

	t.Run("set flags validates the body", func(t *testing.T) {
		handler := NewMessagesHandler(mocks.NewMailService(t), nil, testAccounts, 0, nil)

		for _, body := range []string{`{"folder":"INBOX","uids":[],"flags":["\\Seen"]}`, `{"bogus":1}`, `not json`} {
			rr := httptest.NewRecorder()
			handler.SetFlags(rr, newRequest(http.MethodPost, "/api/v1/messages/flags?account="+testAccount, body))
			assert.Equal(t, http.StatusBadRequest, rr.Code, body)
		}
	})

	t.Run("move", func(t *testing.T) {
		svc := mocks.NewMailService(t)
		svc.On("MoveMessages", mock.Anything, testAccount, "INBOX", "Archive", []int64{4}).Return(nil)
		handler := NewMessagesHandler(svc, nil, testAccounts, 0, nil)

		rr := httptest.NewRecorder()
		handler.Move(rr, newRequest(http.MethodPost, "/api/v1/messages/move?account="+testAccount,
			`{"folder":"INBOX","destination":"Archive","uids":[4]}`))

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("delete surfaces server errors", func(t *testing.T) {
		svc := mocks.NewMailService(t)
		svc.On("DeleteMessages", mock.Anything, testAccount, "INBOX", []int64{4}).Return(errors.New("NO [READ-ONLY]"))
		handler := NewMessagesHandler(svc, nil, testAccounts, 0, nil)

		rr := httptest.NewRecorder()
		handler.Delete(rr, newRequest(http.MethodPost, "/api/v1/messages/delete?account="+testAccount, `{"folder":"INBOX","uids":[4]}`))

		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.Equal(t, "NO [READ-ONLY]", decodeError(t, rr).Error)
	})

	t.Run("append", func(t *testing.T) {
		raw := "Subject: Draft\r\n\r\nHi\r\n"
		svc := mocks.NewMailService(t)
		svc.On("AppendMessage", mock.Anything, testAccount, "Drafts", []string{`\Draft`}, time.Time{}, []byte(raw)).Return(nil)
		handler := NewMessagesHandler(svc, nil, testAccounts, 0, nil)

		rr := httptest.NewRecorder()
		handler.Append(rr, newRequest(http.MethodPost, "/api/v1/messages/append?account="+testAccount+"&folder=Drafts&flag=%5CDraft", raw))
		assert.Equal(t, http.StatusCreated, rr.Code)

		rr = httptest.NewRecorder()
		handler.Append(rr, newRequest(http.MethodPost, "/api/v1/messages/append?account="+testAccount+"&folder=Drafts", ""))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("raw download", func(t *testing.T) {
		svc := mocks.NewMailService(t)
		svc.On("Download", mock.Anything, testAccount, "INBOX", int64(8)).Return([]byte("Subject: x\r\n\r\nbody"), nil)
		handler := NewMessagesHandler(svc, nil, testAccounts, 0, nil)

		rr := httptest.NewRecorder()
		handler.Raw(rr, newRequest(http.MethodGet, "/api/v1/messages/raw?account="+testAccount+"&uid=8", ""))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "message/rfc822", rr.Header().Get("Content-Type"))
		assert.Equal(t, "Subject: x\r\n\r\nbody", rr.Body.String())

		rr = httptest.NewRecorder()
		handler.Raw(rr, newRequest(http.MethodGet, "/api/v1/messages/raw?account="+testAccount+"&uid=-1", ""))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestWriteJSONResponse(t *testing.T) {
	t.Run("unencodable payload becomes a 500", func(t *testing.T) {
		rr := httptest.NewRecorder()
		ok := WriteJSONResponse(rr, http.StatusOK, map[string]any{"bad": make(chan int)})
		assert.False(t, ok)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("reports write failures", func(t *testing.T) {
		w := &FailingResponseWriter{ResponseWriter: httptest.NewRecorder(), WriteShouldFail: true}
		assert.False(t, WriteJSONResponse(w, http.StatusOK, successResponse{Success: true}))
	})
}

func TestParsePaginationParams(t *testing.T) {
	tests := []struct {
		query     string
		wantStart int
		wantLimit int
	}{
		{"", 1, 50},
		{"start=3&limit=20", 3, 20},
		{"start=0&limit=0", 1, 50},
		{"start=abc&limit=-5", 1, 50},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			start, limit := ParsePaginationParams(newRequest(http.MethodGet, "/x?"+tt.query, ""), 50)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantLimit, limit)
		})
	}
}
