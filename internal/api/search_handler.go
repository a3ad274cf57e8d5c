package api

import (
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/imap"
)

// SearchHandler handles search-related API requests.
type SearchHandler struct {
	svc          imap.MailService
	accounts     Accounts
	defaultLimit int
	logger       *logrus.Logger
}

// NewSearchHandler creates a new SearchHandler instance.
func NewSearchHandler(svc imap.MailService, accounts Accounts, defaultLimit int, logger *logrus.Logger) *SearchHandler {
	if defaultLimit <= 0 {
		defaultLimit = imap.DefaultPageSize
	}
	return &SearchHandler{
		svc:          svc,
		accounts:     accounts,
		defaultLimit: defaultLimit,
		logger:       orDiscard(logger),
	}
}

// Search runs q against a folder and returns one page of the matches.
// An empty q matches every message. A folder: term inside q wins over the
// folder parameter.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	account, ok := RequireAccount(w, r, h.accounts)
	if !ok {
		return
	}
	folder := folderParam(r)
	query := r.URL.Query().Get("q")
	start, limit := ParsePaginationParams(r, h.defaultLimit)
	limit = min(limit, maxPageSize)

	page, err := h.svc.Search(r.Context(), account, folder, query, imap.PageOptions{Start: start, Limit: limit})
	if err != nil {
		writeServiceError(w, h.logger, "search", err)
		return
	}

	WriteJSONResponse(w, http.StatusOK, MessagesResponse{
		Success: true,
		Account: account,
		Folder:  folder,
		Query:   query,
		Start:   start,
		Limit:   limit,
		Total:   page.Total,
		Stale:   page.Stale,
		Headers: nonNilHeaders(page.Headers),
	})
}
