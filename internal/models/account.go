package models

import (
	"fmt"
	"time"
)

// Account describes one IMAP account the engine serves.
// Password is optional; when empty it is read from the OS keyring.
type Account struct {
	Email    string `json:"email" mapstructure:"email"`
	IMAPHost string `json:"imap_host" mapstructure:"imap_host"`
	IMAPPort int    `json:"imap_port" mapstructure:"imap_port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"-" mapstructure:"password"`
	TLS      bool   `json:"tls" mapstructure:"tls"`
}

// Address returns host:port for dialing.
func (a Account) Address() string {
	return fmt.Sprintf("%s:%d", a.IMAPHost, a.IMAPPort)
}

// LoginName returns the username, falling back to the email address.
func (a Account) LoginName() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Email
}

// FolderSyncState is the per-folder bookkeeping kept in the repository.
type FolderSyncState struct {
	Account      string    `json:"account" db:"account"`
	Folder       string    `json:"folder" db:"folder"`
	UIDValidity  uint32    `json:"uid_validity" db:"uid_validity"`
	MessageCount int       `json:"message_count" db:"message_count"`
	SyncedAt     time.Time `json:"synced_at" db:"synced_at"`
}
