package imap

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

// SPECIAL-USE attributes (RFC 6154) mapped to folder roles.
var specialUseRoles = map[string]string{
	`\sent`:    "sent",
	`\drafts`:  "drafts",
	`\junk`:    "spam",
	`\trash`:   "trash",
	`\archive`: "archive",
	`\all`:     "archive",
}

// ListFolders lists all selectable folders on the IMAP server with their roles.
// Servers without SPECIAL-USE still work; their folders get role "other".
func ListFolders(s Session) ([]*models.Folder, error) {
	if s == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.List("", "*", mailboxes)
	}()

	var folders []*models.Folder
	for m := range mailboxes {
		if hasAttribute(m.Attributes, imap.NoSelectAttr) {
			continue
		}
		folders = append(folders, &models.Folder{
			Name:       m.Name,
			Delimiter:  m.Delimiter,
			Role:       folderRole(m.Name, m.Attributes),
			Attributes: m.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return folders, nil
}

func folderRole(name string, attributes []string) string {
	if strings.EqualFold(name, "INBOX") {
		return "inbox"
	}
	for _, attr := range attributes {
		if role, ok := specialUseRoles[strings.ToLower(attr)]; ok {
			return role
		}
	}
	return "other"
}

func hasAttribute(attributes []string, want string) bool {
	for _, attr := range attributes {
		if strings.EqualFold(attr, want) {
			return true
		}
	}
	return false
}
