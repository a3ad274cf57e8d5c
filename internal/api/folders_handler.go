package api

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/imap"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

// SyncHistory lists the recorded sync state of an account's folders.
type SyncHistory interface {
	ListFolderSyncs(ctx context.Context, account string) ([]models.FolderSyncState, error)
}

// FoldersResponse lists the folders of an account.
type FoldersResponse struct {
	Success bool            `json:"success"`
	Account string          `json:"account"`
	Folders []models.Folder `json:"folders"`
}

// FolderSyncResponse lists when each folder was last reconciled.
type FolderSyncResponse struct {
	Success bool                     `json:"success"`
	Account string                   `json:"account"`
	Folders []models.FolderSyncState `json:"folders"`
}

// FoldersHandler handles IMAP folder-related API requests.
type FoldersHandler struct {
	svc      imap.MailService
	history  SyncHistory
	accounts Accounts
	logger   *logrus.Logger
}

// NewFoldersHandler creates a FoldersHandler. history may be nil.
func NewFoldersHandler(svc imap.MailService, history SyncHistory, accounts Accounts, logger *logrus.Logger) *FoldersHandler {
	return &FoldersHandler{
		svc:      svc,
		history:  history,
		accounts: accounts,
		logger:   orDiscard(logger),
	}
}

// GetFolders returns the folders of an account, ordered by role.
func (h *FoldersHandler) GetFolders(w http.ResponseWriter, r *http.Request) {
	account, ok := RequireAccount(w, r, h.accounts)
	if !ok {
		return
	}

	folders, err := h.svc.ListFolders(r.Context(), account)
	if err != nil {
		writeServiceError(w, h.logger, "list_folders", err)
		return
	}

	sortFoldersByRole(folders)
	values := make([]models.Folder, len(folders))
	for i, f := range folders {
		values[i] = *f
	}

	WriteJSONResponse(w, http.StatusOK, FoldersResponse{Success: true, Account: account, Folders: values})
}

type folderRequest struct {
	Name    string `json:"name"`
	NewName string `json:"new_name,omitempty"`
}

// CreateFolder creates a mailbox.
func (h *FoldersHandler) CreateFolder(w http.ResponseWriter, r *http.Request) {
	account, req, ok := h.folderRequest(w, r)
	if !ok {
		return
	}
	if err := h.svc.CreateFolder(r.Context(), account, req.Name); err != nil {
		writeServiceError(w, h.logger, "create_folder", err)
		return
	}
	WriteJSONResponse(w, http.StatusCreated, successResponse{Success: true})
}

// DeleteFolder deletes a mailbox and drops everything cached for it.
func (h *FoldersHandler) DeleteFolder(w http.ResponseWriter, r *http.Request) {
	account, req, ok := h.folderRequest(w, r)
	if !ok {
		return
	}
	if strings.EqualFold(req.Name, "INBOX") {
		WriteError(w, http.StatusBadRequest, "INBOX cannot be deleted")
		return
	}
	if err := h.svc.DeleteFolder(r.Context(), account, req.Name); err != nil {
		writeServiceError(w, h.logger, "delete_folder", err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, successResponse{Success: true})
}

// RenameFolder renames a mailbox. The old name's cache is dropped.
func (h *FoldersHandler) RenameFolder(w http.ResponseWriter, r *http.Request) {
	account, req, ok := h.folderRequest(w, r)
	if !ok {
		return
	}
	if req.NewName == "" {
		WriteError(w, http.StatusBadRequest, "new_name is required")
		return
	}
	if err := h.svc.RenameFolder(r.Context(), account, req.Name, req.NewName); err != nil {
		writeServiceError(w, h.logger, "rename_folder", err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, successResponse{Success: true})
}

// GetSyncState returns the recorded UIDVALIDITY, message count and last sync
// time of every folder of an account.
func (h *FoldersHandler) GetSyncState(w http.ResponseWriter, r *http.Request) {
	account, ok := RequireAccount(w, r, h.accounts)
	if !ok {
		return
	}

	states := []models.FolderSyncState{}
	if h.history != nil {
		var err error
		states, err = h.history.ListFolderSyncs(r.Context(), account)
		if err != nil {
			h.logger.WithError(err).WithField("account", account).Error("Failed to list folder sync state")
			WriteError(w, http.StatusInternalServerError, "failed to read sync state")
			return
		}
	}

	WriteJSONResponse(w, http.StatusOK, FolderSyncResponse{Success: true, Account: account, Folders: states})
}

func (h *FoldersHandler) folderRequest(w http.ResponseWriter, r *http.Request) (string, folderRequest, bool) {
	account, ok := RequireAccount(w, r, h.accounts)
	if !ok {
		return "", folderRequest{}, false
	}
	var req folderRequest
	if !decodeJSONBody(w, r, &req) {
		return "", folderRequest{}, false
	}
	req.Name = strings.TrimSpace(req.Name)
	req.NewName = strings.TrimSpace(req.NewName)
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return "", folderRequest{}, false
	}
	return account, req, true
}

// sortFoldersByRole sorts folders by role priority, then alphabetically within a role.
// Priority order: inbox, sent, drafts, spam, trash, archive, other.
func sortFoldersByRole(folders []*models.Folder) {
	rolePriority := map[string]int{
		"inbox":   1,
		"sent":    2,
		"drafts":  3,
		"spam":    4,
		"trash":   5,
		"archive": 6,
		"other":   7,
	}

	sort.SliceStable(folders, func(i, j int) bool {
		pi, pj := rolePriority[folders[i].Role], rolePriority[folders[j].Role]
		if pi == 0 {
			pi = len(rolePriority) + 1
		}
		if pj == 0 {
			pj = len(rolePriority) + 1
		}
		if pi != pj {
			return pi < pj
		}
		return folders[i].Name < folders[j].Name
	})
}
