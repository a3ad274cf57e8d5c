package imap

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/ssabro/MailVista-sub002/internal/cache"
	"github.com/ssabro/MailVista-sub002/internal/models"
	"github.com/ssabro/MailVista-sub002/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	active   int
	payloads [][]byte
}

func (n *recordingNotifier) Send(account string, payload []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
}

func (n *recordingNotifier) ActiveConnections(account string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

func (n *recordingNotifier) events(t *testing.T) []MailboxChangedEvent {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []MailboxChangedEvent
	for _, p := range n.payloads {
		var ev MailboxChangedEvent
		require.NoError(t, json.Unmarshal(p, &ev))
		out = append(out, ev)
	}
	return out
}

func TestHandleMailboxUpdate(t *testing.T) {
	t.Run("new INBOX mail refreshes the cache and notifies", func(t *testing.T) {
		srv := testutil.NewFakeServer()
		addMessages(srv, "INBOX", 1, 2)
		svc := newTestService(t, srv, ServiceOptions{})
		notifier := &recordingNotifier{active: 1}
		svc.searches.Set(testAccount, "INBOX", "message", []int64{2, 1}, 2)

		addMessages(srv, "INBOX", 3)
		update := &imapclient.MailboxUpdate{Mailbox: &imap.MailboxStatus{Name: "INBOX", Messages: 3}}
		svc.handleMailboxUpdate(context.Background(), testAccount, update, notifier)

		assert.Eventually(t, func() bool { return len(notifier.events(t)) == 1 }, 2*time.Second, 10*time.Millisecond)
		ev := notifier.events(t)[0]
		assert.Equal(t, MailboxChangedEvent{Type: "mailbox_changed", Account: testAccount, Folder: "INBOX", Total: 3}, ev)

		assert.Len(t, cachedUIDs(t, svc, "INBOX"), 3)
		_, _, hit := svc.searches.Get(testAccount, "INBOX", "message")
		assert.False(t, hit)
	})

	t.Run("expunge refreshes INBOX", func(t *testing.T) {
		srv := testutil.NewFakeServer()
		addMessages(srv, "INBOX", 1, 2)
		svc := newTestService(t, srv, ServiceOptions{})
		notifier := &recordingNotifier{active: 1}
		seedCache(svc, "INBOX", 1, 1, 2)

		srv.RemoveMessages("INBOX", 1)
		svc.handleMailboxUpdate(context.Background(), testAccount, &imapclient.ExpungeUpdate{SeqNum: 1}, notifier)

		assert.Eventually(t, func() bool { return len(notifier.events(t)) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, map[int64]struct{}{2: {}}, cachedUIDs(t, svc, "INBOX"))
	})

	t.Run("other folders and update kinds are ignored", func(t *testing.T) {
		srv := testutil.NewFakeServer()
		svc := newTestService(t, srv, ServiceOptions{})
		notifier := &recordingNotifier{active: 1}

		svc.handleMailboxUpdate(context.Background(), testAccount, &imapclient.MailboxUpdate{Mailbox: &imap.MailboxStatus{Name: "Sent"}}, notifier)
		svc.handleMailboxUpdate(context.Background(), testAccount, &imapclient.MailboxUpdate{}, notifier)
		svc.handleMailboxUpdate(context.Background(), testAccount, &imapclient.StatusUpdate{}, notifier)

		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, notifier.events(t))
		assert.Equal(t, 0, srv.Dials())
	})
}

func TestStartIdleListener(t *testing.T) {
	t.Run("returns on cancel while nobody is listening", func(t *testing.T) {
		srv := testutil.NewFakeServer()
		svc := newTestService(t, srv, ServiceOptions{})
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan struct{})
		go func() {
			svc.StartIdleListener(ctx, testAccount, &recordingNotifier{})
			close(done)
		}()

		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("listener did not stop after cancel")
		}
		assert.Equal(t, 0, srv.Dials(), "no session is opened without listeners")
	})

	t.Run("stops for sessions that cannot IDLE", func(t *testing.T) {
		srv := testutil.NewFakeServer()
		svc := newTestService(t, srv, ServiceOptions{})

		done := make(chan struct{})
		go func() {
			svc.StartIdleListener(context.Background(), testAccount, &recordingNotifier{active: 1})
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("listener did not stop")
		}
		assert.Equal(t, 1, srv.Logouts())
	})
}

func TestRunIdleLoop_StopsWhenListenersLeave(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()
	server.EnsureINBOX(t)

	prev := idleActivityCheck
	idleActivityCheck = 20 * time.Millisecond
	t.Cleanup(func() { idleActivityCheck = prev })

	c, cleanup := server.Connect(t)
	defer cleanup()

	svc := newTestService(t, testutil.NewFakeServer(), ServiceOptions{})
	notifier := &recordingNotifier{active: 1}

	done := make(chan struct{})
	go func() {
		svc.runIdleLoop(context.Background(), testAccount, c, notifier)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("loop ended while a listener was connected")
	case <-time.After(100 * time.Millisecond):
	}

	notifier.mu.Lock()
	notifier.active = 0
	notifier.mu.Unlock()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("loop kept running after the last listener left")
	}
}

// TestListPage_MemoryServer runs the read path end to end against a real IMAP
// server: initial sync, new mail, and mail deleted by another client.
func TestListPage_MemoryServer(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()
	server.EnsureINBOX(t)

	const email = "sync-test@example.com"
	pool := NewPool(NewAccountDialer([]models.Account{server.Account(t, email)}, nil), PoolOptions{}, nil)
	store := cache.NewStore(cache.Options{}, nil)
	svc := NewService(pool, store, cache.NewSearchCache(0, 0, nil), ServiceOptions{}, nil)
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	sentAt := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)

	first := server.AddMessage(t, "INBOX", "<first@example.com>", "First", "a@example.com", "b@example.com", sentAt)
	initial, err := svc.ListPage(ctx, email, "INBOX", PageOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, initial.Headers)
	assert.Equal(t, int64(first), initial.Headers[0].UID)
	assert.Equal(t, "First", initial.Headers[0].Subject)

	second := server.AddMessageWithFlags(t, "INBOX", "<second@example.com>", "Second", "a@example.com", "b@example.com", sentAt.Add(time.Hour))
	updated, err := svc.ListPage(ctx, email, "INBOX", PageOptions{})
	require.NoError(t, err)
	assert.Equal(t, initial.Total+1, updated.Total)
	assert.Equal(t, int64(second), updated.Headers[0].UID)
	assert.NotContains(t, updated.Headers[0].Flags, imap.SeenFlag)

	unread, err := svc.ListPage(ctx, email, "INBOX", PageOptions{UnreadOnly: true})
	require.NoError(t, err)
	require.NotEmpty(t, unread.Headers)
	assert.Equal(t, int64(second), unread.Headers[0].UID)

	require.NoError(t, svc.DeleteMessages(ctx, email, "INBOX", []int64{int64(first)}))
	final, err := svc.ListPage(ctx, email, "INBOX", PageOptions{})
	require.NoError(t, err)
	assert.Equal(t, updated.Total-1, final.Total)
	for _, h := range final.Headers {
		assert.NotEqual(t, int64(first), h.UID)
	}
}
