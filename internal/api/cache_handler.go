package api

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/cache"
	"github.com/ssabro/MailVista-sub002/internal/imap"
)

// CacheStatsResponse describes every cached folder.
type CacheStatsResponse struct {
	Success bool                `json:"success"`
	Folders []cache.FolderStats `json:"folders"`
}

type invalidateRequest struct {
	Account string `json:"account"`
	Folder  string `json:"folder,omitempty"`
}

// CacheHandler exposes manual cache control.
type CacheHandler struct {
	svc      imap.MailService
	accounts Accounts
	logger   *logrus.Logger
}

func NewCacheHandler(svc imap.MailService, accounts Accounts, logger *logrus.Logger) *CacheHandler {
	return &CacheHandler{svc: svc, accounts: accounts, logger: orDiscard(logger)}
}

// Invalidate drops one folder, or a whole account when folder is omitted.
func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	account := strings.ToLower(strings.TrimSpace(req.Account))
	if account == "" {
		WriteError(w, http.StatusBadRequest, "account is required")
		return
	}
	if _, ok := h.accounts.Account(account); !ok {
		WriteError(w, http.StatusNotFound, "account is not configured")
		return
	}

	if req.Folder == "" {
		h.svc.InvalidateAccount(account)
	} else {
		h.svc.InvalidateFolder(account, req.Folder)
	}
	h.logger.WithFields(logrus.Fields{"account": account, "folder": req.Folder}).Info("Cache invalidated")

	WriteJSONResponse(w, http.StatusOK, successResponse{Success: true})
}

// Clear drops every cached folder and search of every account.
func (h *CacheHandler) Clear(w http.ResponseWriter, _ *http.Request) {
	h.svc.ClearAllCache()
	h.logger.Info("Cache cleared")
	WriteJSONResponse(w, http.StatusOK, successResponse{Success: true})
}

// Stats reports the cached folders.
func (h *CacheHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	stats := h.svc.CacheStats()
	if stats == nil {
		stats = []cache.FolderStats{}
	}
	WriteJSONResponse(w, http.StatusOK, CacheStatsResponse{Success: true, Folders: stats})
}
