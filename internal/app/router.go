package app

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/api"
	"github.com/ssabro/MailVista-sub002/internal/auth"
	"github.com/ssabro/MailVista-sub002/internal/config"
	"github.com/ssabro/MailVista-sub002/internal/db"
	"github.com/ssabro/MailVista-sub002/internal/imap"
)

// NewRouter registers every API route. Everything under /api/v1 requires the
// configured API token.
func NewRouter(cfg *config.Config, svc *imap.Service, repo db.Repository, wsHandler *api.WebSocketHandler, logger *logrus.Logger) http.Handler {
	pageSize := cfg.Cache.DefaultPageSize

	messagesHandler := api.NewMessagesHandler(svc, repo, cfg, pageSize, logger)
	searchHandler := api.NewSearchHandler(svc, cfg, pageSize, logger)
	foldersHandler := api.NewFoldersHandler(svc, repo, cfg, logger)
	cacheHandler := api.NewCacheHandler(svc, cfg, logger)

	requireToken := auth.RequireToken(cfg.APIToken, logger)
	mux := http.NewServeMux()

	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, requireToken(h))
	}

	mux.HandleFunc("GET /{$}", handleRoot)

	handle("GET /api/v1/messages", messagesHandler.GetMessages)
	handle("GET /api/v1/messages/raw", messagesHandler.Raw)
	handle("POST /api/v1/messages/flags", messagesHandler.SetFlags)
	handle("POST /api/v1/messages/move", messagesHandler.Move)
	handle("POST /api/v1/messages/delete", messagesHandler.Delete)
	handle("POST /api/v1/messages/append", messagesHandler.Append)

	handle("GET /api/v1/search", searchHandler.Search)

	handle("GET /api/v1/folders", foldersHandler.GetFolders)
	handle("POST /api/v1/folders", foldersHandler.CreateFolder)
	handle("DELETE /api/v1/folders", foldersHandler.DeleteFolder)
	handle("POST /api/v1/folders/rename", foldersHandler.RenameFolder)
	handle("GET /api/v1/folders/sync", foldersHandler.GetSyncState)

	handle("GET /api/v1/cache/stats", cacheHandler.Stats)
	handle("POST /api/v1/cache/invalidate", cacheHandler.Invalidate)
	handle("DELETE /api/v1/cache", cacheHandler.Clear)

	handle("GET /api/v1/pool", poolStatsHandler(svc, cfg))

	// Browsers cannot set headers on WebSocket requests, so the token may
	// arrive as a query parameter here.
	handle("GET /api/v1/ws", wsHandler.Handle)

	return mux
}

type poolStatsResponse struct {
	Success bool           `json:"success"`
	Account string         `json:"account"`
	Pool    imap.PoolStats `json:"pool"`
}

func poolStatsHandler(svc *imap.Service, accounts api.Accounts) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account, ok := api.RequireAccount(w, r, accounts)
		if !ok {
			return
		}
		api.WriteJSONResponse(w, http.StatusOK, poolStatsResponse{
			Success: true,
			Account: account,
			Pool:    svc.PoolStats(account),
		})
	}
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "MailVista API is running")
}
