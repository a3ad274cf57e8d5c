package testutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	cleanup  func()
	username string
	password string
}

// NewTestIMAPServer creates a new test IMAP server with an in-memory backend.
// Callers must Close it. The memory backend creates a default user with username "username" and password "password".
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	s, err := StartIMAPServer()
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	return s
}

// StartIMAPServer starts an in-memory IMAP server on a random local port.
// Callers outside tests must Close it.
func StartIMAPServer() (*TestIMAPServer, error) {
	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	return &TestIMAPServer{
		Server:  s,
		Address: listener.Addr().String(),
		Backend: be,
		cleanup: func() {
			_ = s.Close()
		},
		username: "username",
		password: "password",
	}, nil
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Account describes the server as a plain-text account for the given email.
func (s *TestIMAPServer) Account(t *testing.T, email string) models.Account {
	t.Helper()

	account, err := s.AccountFor(email)
	if err != nil {
		t.Fatalf("Failed to describe account: %v", err)
	}
	return account
}

// AccountFor is Account for callers without a *testing.T.
func (s *TestIMAPServer) AccountFor(email string) (models.Account, error) {
	host, portStr, err := net.SplitHostPort(s.Address)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to split server address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to parse server port: %w", err)
	}

	return models.Account{
		Email:    email,
		IMAPHost: host,
		IMAPPort: port,
		Username: s.username,
		Password: s.password,
	}, nil
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := s.Dial()
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	return client, func() {
		_ = client.Logout()
	}
}

// Dial opens a logged-in client. The caller must Logout.
func (s *TestIMAPServer) Dial() (*imapclient.Client, error) {
	client, err := imapclient.Dial(s.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	return client, nil
}

// EnsureINBOX ensures the INBOX folder exists for the default user.
func (s *TestIMAPServer) EnsureINBOX(t *testing.T) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	_, err := client.Select("INBOX", false)
	if err != nil {
		// Create INBOX if it doesn't exist
		err = client.Create("INBOX")
		if err != nil {
			t.Fatalf("Failed to create INBOX: %v", err)
		}
		_, err = client.Select("INBOX", false)
		if err != nil {
			t.Fatalf("Failed to select INBOX: %v", err)
		}
	}
}

// AddMessage adds a read test message to the specified folder and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from, to string, sentAt time.Time) uint32 {
	t.Helper()
	return s.AddMessageWithFlags(t, folderName, messageID, subject, from, to, sentAt, imap.SeenFlag)
}

// AddMessageWithFlags adds a test message carrying the given flags and returns its UID.
func (s *TestIMAPServer) AddMessageWithFlags(t *testing.T, folderName, messageID, subject, from, to string, sentAt time.Time, flags ...string) uint32 {
	t.Helper()

	uid, err := s.AppendMessage(folderName, messageID, subject, from, to, sentAt, flags...)
	if err != nil {
		t.Fatalf("Failed to add message: %v", err)
	}
	return uid
}

// AppendMessage appends a plain-text message to folderName and returns its UID.
func (s *TestIMAPServer) AppendMessage(folderName, messageID, subject, from, to string, sentAt time.Time, flags ...string) (uint32, error) {
	client, err := s.Dial()
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = client.Logout()
	}()

	if _, err := client.Select(folderName, false); err != nil {
		return 0, fmt.Errorf("failed to select folder: %w", err)
	}

	messageBody := fmt.Sprintf(`Message-ID: %s
Date: %s
From: %s
To: %s
Subject: %s
Content-Type: text/plain; charset=utf-8

Test message body.
`, messageID, sentAt.Format(time.RFC1123Z), from, to, subject)

	if err := client.Append(folderName, flags, sentAt, strings.NewReader(messageBody)); err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	// Search for the message we just added to get its UID
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", messageID)
	uids, err := client.UidSearch(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to search for message: %w", err)
	}
	if len(uids) == 0 {
		return 0, fmt.Errorf("message %s not found after append", messageID)
	}

	return uids[len(uids)-1], nil
}
