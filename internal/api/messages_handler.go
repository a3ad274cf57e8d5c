package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/imap"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

const maxPageSize = 200

// HeaderArchive is the durable header mirror used when the server cannot be
// reached and the folder is not in the memory cache.
type HeaderArchive interface {
	GetHeaders(ctx context.Context, account, folder string, offset, limit int) ([]models.CachedHeader, error)
	CountHeaders(ctx context.Context, account, folder string) (int, error)
}

// MessagesResponse is one page of a folder listing or search.
type MessagesResponse struct {
	Success bool                  `json:"success"`
	Account string                `json:"account"`
	Folder  string                `json:"folder"`
	Query   string                `json:"query,omitempty"`
	Start   int                   `json:"start"`
	Limit   int                   `json:"limit"`
	Total   int                   `json:"total"`
	Stale   bool                  `json:"stale"`
	Headers []models.CachedHeader `json:"headers"`
}

// MessagesHandler serves folder listings and message actions.
type MessagesHandler struct {
	svc          imap.MailService
	archive      HeaderArchive
	accounts     Accounts
	defaultLimit int
	logger       *logrus.Logger
}

// NewMessagesHandler creates a MessagesHandler. archive may be nil.
func NewMessagesHandler(svc imap.MailService, archive HeaderArchive, accounts Accounts, defaultLimit int, logger *logrus.Logger) *MessagesHandler {
	if defaultLimit <= 0 {
		defaultLimit = imap.DefaultPageSize
	}
	return &MessagesHandler{
		svc:          svc,
		archive:      archive,
		accounts:     accounts,
		defaultLimit: defaultLimit,
		logger:       orDiscard(logger),
	}
}

// GetMessages returns one page of a folder, reconciled with the server. When
// the server fails, the last known page is served with stale=true.
func (h *MessagesHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	account, ok := RequireAccount(w, r, h.accounts)
	if !ok {
		return
	}
	folder := folderParam(r)
	start, limit := ParsePaginationParams(r, h.defaultLimit)
	limit = min(limit, maxPageSize)
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))

	page, err := h.svc.ListPage(ctx, account, folder, imap.PageOptions{Start: start, Limit: limit, UnreadOnly: unread})
	if err != nil {
		fallback := h.fallbackPage(ctx, account, folder, start, limit, unread)
		if fallback == nil {
			writeServiceError(w, h.logger, "list_page", err)
			return
		}
		h.logger.WithError(err).WithFields(logrus.Fields{
			"account": account,
			"folder":  folder,
		}).Warn("Serving stale page, server unavailable")
		page = fallback
	}

	WriteJSONResponse(w, http.StatusOK, MessagesResponse{
		Success: true,
		Account: account,
		Folder:  folder,
		Start:   start,
		Limit:   limit,
		Total:   page.Total,
		Stale:   page.Stale,
		Headers: nonNilHeaders(page.Headers),
	})
}

// fallbackPage tries the memory cache, then the durable archive. The unread
// view has no offline fallback since neither keeps the unread ordering.
func (h *MessagesHandler) fallbackPage(ctx context.Context, account, folder string, start, limit int, unread bool) *models.Page {
	if unread {
		return nil
	}
	if page := h.svc.CachedPage(account, folder, start, limit); page != nil {
		return page
	}
	if h.archive == nil {
		return nil
	}

	total, err := h.archive.CountHeaders(ctx, account, folder)
	if err != nil || total == 0 {
		return nil
	}
	headers, err := h.archive.GetHeaders(ctx, account, folder, start-1, limit)
	if err != nil {
		h.logger.WithError(err).WithField("account", account).Warn("Failed to read archived headers")
		return nil
	}
	return &models.Page{Headers: headers, Total: total, Stale: true}
}

type flagsRequest struct {
	Folder string   `json:"folder"`
	UIDs   []int64  `json:"uids"`
	Flags  []string `json:"flags"`
	Add    bool     `json:"add"`
}

// SetFlags adds or removes flags on messages.
func (h *MessagesHandler) SetFlags(w http.ResponseWriter, r *http.Request) {
	account, ok := RequireAccount(w, r, h.accounts)
	if !ok {
		return
	}
	var req flagsRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Folder == "" || len(req.UIDs) == 0 || len(req.Flags) == 0 {
		WriteError(w, http.StatusBadRequest, "folder, uids and flags are required")
		return
	}

	if err := h.svc.SetFlags(r.Context(), account, req.Folder, req.UIDs, req.Flags, req.Add); err != nil {
		writeServiceError(w, h.logger, "set_flags", err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, successResponse{Success: true})
}

type moveRequest struct {
	Folder      string  `json:"folder"`
	Destination string  `json:"destination"`
	UIDs        []int64 `json:"uids"`
}

// Move moves messages to another folder.
func (h *MessagesHandler) Move(w http.ResponseWriter, r *http.Request) {
	account, ok := RequireAccount(w, r, h.accounts)
	if !ok {
		return
	}
	var req moveRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Folder == "" || req.Destination == "" || len(req.UIDs) == 0 {
		WriteError(w, http.StatusBadRequest, "folder, destination and uids are required")
		return
	}

	if err := h.svc.MoveMessages(r.Context(), account, req.Folder, req.Destination, req.UIDs); err != nil {
		writeServiceError(w, h.logger, "move", err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, successResponse{Success: true})
}

type deleteRequest struct {
	Folder string  `json:"folder"`
	UIDs   []int64 `json:"uids"`
}

// Delete permanently removes messages.
func (h *MessagesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	account, ok := RequireAccount(w, r, h.accounts)
	if !ok {
		return
	}
	var req deleteRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Folder == "" || len(req.UIDs) == 0 {
		WriteError(w, http.StatusBadRequest, "folder and uids are required")
		return
	}

	if err := h.svc.DeleteMessages(r.Context(), account, req.Folder, req.UIDs); err != nil {
		writeServiceError(w, h.logger, "delete", err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, successResponse{Success: true})
}

// Append stores the raw RFC 5322 request body in a folder, e.g. a draft.
func (h *MessagesHandler) Append(w http.ResponseWriter, r *http.Request) {
	account, ok := RequireAccount(w, r, h.accounts)
	if !ok {
		return
	}
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		WriteError(w, http.StatusBadRequest, "folder query parameter is required")
		return
	}

	raw, err := readLimited(r, 25<<20)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	flags := r.URL.Query()["flag"]

	if err := h.svc.AppendMessage(r.Context(), account, folder, flags, time.Time{}, raw); err != nil {
		writeServiceError(w, h.logger, "append", err)
		return
	}
	WriteJSONResponse(w, http.StatusCreated, successResponse{Success: true})
}

// Raw streams the full RFC 5322 source of one message.
func (h *MessagesHandler) Raw(w http.ResponseWriter, r *http.Request) {
	account, ok := RequireAccount(w, r, h.accounts)
	if !ok {
		return
	}
	uid, err := strconv.ParseInt(r.URL.Query().Get("uid"), 10, 64)
	if err != nil || uid <= 0 {
		WriteError(w, http.StatusBadRequest, "uid must be a positive integer")
		return
	}

	raw, err := h.svc.Download(r.Context(), account, folderParam(r), uid)
	if err != nil {
		writeServiceError(w, h.logger, "download", err)
		return
	}

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	_, _ = w.Write(raw)
}

func nonNilHeaders(headers []models.CachedHeader) []models.CachedHeader {
	if headers == nil {
		return []models.CachedHeader{}
	}
	return headers
}
