package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
)

// FakeMessage is one message held by a FakeServer.
type FakeMessage struct {
	UID           uint32
	Envelope      *imap.Envelope
	Flags         []string
	BodyStructure *imap.BodyStructure
	Raw           []byte
}

// FakeMailbox is one folder held by a FakeServer. Messages are kept in
// sequence-number order.
type FakeMailbox struct {
	Name        string
	Attributes  []string
	UIDValidity uint32
	UIDNext     uint32
	Messages    []*FakeMessage
	// OmitUIDs makes the mailbox behave like a server that never reports
	// real UIDs: SEARCH yields only 0 and sequence FETCH carries no UID.
	OmitUIDs bool
}

// FakeServer is the shared state behind any number of FakeSessions. It is a
// scriptable stand-in for an IMAP server that records what clients fetched.
type FakeServer struct {
	mu           sync.Mutex
	mailboxes    map[string]*FakeMailbox
	capabilities map[string]bool

	// BrokenEnvelopes lists UIDs that are returned without an envelope.
	BrokenEnvelopes map[uint32]bool
	// FetchErr, when set, fails every UID FETCH carrying an envelope.
	FetchErr error
	// DialErr, when set, fails every Dial.
	DialErr error

	dials       int
	logouts     int
	searches    int
	uidFetches  [][]uint32
	flagFetches [][]uint32
	seqFetches  [][]uint32
	sessions    []*FakeSession
}

func NewFakeServer() *FakeServer {
	s := &FakeServer{
		mailboxes:       make(map[string]*FakeMailbox),
		capabilities:    map[string]bool{"IMAP4rev1": true},
		BrokenEnvelopes: make(map[uint32]bool),
	}
	s.AddMailbox("INBOX", 1)
	return s
}

// AddMailbox creates (or replaces) a mailbox.
func (s *FakeServer) AddMailbox(name string, uidValidity uint32, attributes ...string) *FakeMailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	mbox := &FakeMailbox{Name: name, Attributes: attributes, UIDValidity: uidValidity, UIDNext: 1}
	s.mailboxes[name] = mbox
	return mbox
}

// Mailbox returns the named mailbox or nil.
func (s *FakeServer) Mailbox(name string) *FakeMailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailboxes[name]
}

// SetCapability toggles a server capability such as SORT.
func (s *FakeServer) SetCapability(name string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities[name] = enabled
}

// AddMessage appends a message with the given UID. UIDs must be added in
// increasing order per mailbox.
func (s *FakeServer) AddMessage(mailbox string, uid uint32, subject string, date time.Time, flags ...string) *FakeMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	mbox := s.mailboxes[mailbox]
	if mbox == nil {
		panic(fmt.Sprintf("fake server: no mailbox %q", mailbox))
	}
	msg := &FakeMessage{
		UID: uid,
		Envelope: &imap.Envelope{
			Date:      date,
			Subject:   subject,
			From:      []*imap.Address{{PersonalName: "Sender", MailboxName: "sender", HostName: "example.com"}},
			To:        []*imap.Address{{MailboxName: "me", HostName: "example.com"}},
			MessageId: fmt.Sprintf("<%d.%d@example.com>", mbox.UIDValidity, uid),
		},
		Flags:         append([]string(nil), flags...),
		BodyStructure: &imap.BodyStructure{MIMEType: "text", MIMESubType: "plain"},
		Raw:           []byte(fmt.Sprintf("Subject: %s\r\n\r\nbody of %d\r\n", subject, uid)),
	}
	mbox.Messages = append(mbox.Messages, msg)
	if uid >= mbox.UIDNext {
		mbox.UIDNext = uid + 1
	}
	return msg
}

// ResetMailbox renumbers a mailbox under a new UIDVALIDITY, dropping its messages.
func (s *FakeServer) ResetMailbox(name string, uidValidity uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mbox := s.mailboxes[name]
	mbox.UIDValidity = uidValidity
	mbox.UIDNext = 1
	mbox.Messages = nil
}

// RemoveMessages deletes messages as another client would.
func (s *FakeServer) RemoveMessages(mailbox string, uids ...uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		drop[uid] = true
	}
	mbox := s.mailboxes[mailbox]
	kept := mbox.Messages[:0]
	for _, m := range mbox.Messages {
		if !drop[m.UID] {
			kept = append(kept, m)
		}
	}
	mbox.Messages = kept
}

// SetFlags replaces the flags of one message as another client would.
func (s *FakeServer) SetFlags(mailbox string, uid uint32, flags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mailboxes[mailbox].Messages {
		if m.UID == uid {
			m.Flags = append([]string(nil), flags...)
		}
	}
}

// UIDs lists the UIDs of a mailbox in sequence order.
func (s *FakeServer) UIDs(mailbox string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint32
	for _, m := range s.mailboxes[mailbox].Messages {
		out = append(out, m.UID)
	}
	return out
}

// Dial opens a new authenticated session.
func (s *FakeServer) Dial(ctx context.Context) (*FakeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.DialErr != nil {
		return nil, s.DialErr
	}
	sess := &FakeSession{server: s, state: imap.AuthenticatedState, loggedOut: make(chan struct{})}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

func (s *FakeServer) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *FakeServer) Logouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

func (s *FakeServer) Searches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searches
}

// UIDFetches returns the UID sets of every full header fetch.
func (s *FakeServer) UIDFetches() [][]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]uint32(nil), s.uidFetches...)
}

// FlagFetches returns the UID sets of every flags-only fetch.
func (s *FakeServer) FlagFetches() [][]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]uint32(nil), s.flagFetches...)
}

// SeqFetches returns the sequence sets of every sequence-number fetch.
func (s *FakeServer) SeqFetches() [][]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]uint32(nil), s.seqFetches...)
}

// Sessions returns every session dialed so far.
func (s *FakeServer) Sessions() []*FakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FakeSession(nil), s.sessions...)
}

// FakeSession implements the session methods of *client.Client against a FakeServer.
type FakeSession struct {
	server    *FakeServer
	state     imap.ConnState
	selected  string
	loggedOut chan struct{}
	closeOnce sync.Once
}

func (c *FakeSession) State() imap.ConnState {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.state
}

// Drop simulates the server closing the connection.
func (c *FakeSession) Drop() {
	c.server.mu.Lock()
	c.state = imap.LogoutState
	c.server.mu.Unlock()
	c.closeOnce.Do(func() { close(c.loggedOut) })
}

func (c *FakeSession) LoggedOut() <-chan struct{} {
	return c.loggedOut
}

func (c *FakeSession) Logout() error {
	c.server.mu.Lock()
	if c.state == imap.LogoutState {
		c.server.mu.Unlock()
		return errors.New("already logged out")
	}
	c.state = imap.LogoutState
	c.server.logouts++
	c.server.mu.Unlock()
	c.closeOnce.Do(func() { close(c.loggedOut) })
	return nil
}

func (c *FakeSession) Noop() error {
	_, err := c.checkState()
	return err
}

func (c *FakeSession) Support(capability string) (bool, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.server.capabilities[capability], nil
}

func (c *FakeSession) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.state == imap.LogoutState {
		return nil, errors.New("not logged in")
	}
	mbox := c.server.mailboxes[name]
	if mbox == nil {
		return nil, fmt.Errorf("NO no such mailbox: %s", name)
	}
	c.state = imap.SelectedState
	c.selected = name

	status := imap.NewMailboxStatus(name, []imap.StatusItem{imap.StatusMessages, imap.StatusUidValidity, imap.StatusUidNext})
	status.ReadOnly = readOnly
	status.Messages = uint32(len(mbox.Messages))
	status.UidValidity = mbox.UIDValidity
	status.UidNext = mbox.UIDNext
	return status, nil
}

func (c *FakeSession) List(ref, name string, ch chan *imap.MailboxInfo) error {
	defer close(ch)
	c.server.mu.Lock()
	names := make([]string, 0, len(c.server.mailboxes))
	for n := range c.server.mailboxes {
		names = append(names, n)
	}
	sort.Strings(names)
	infos := make([]*imap.MailboxInfo, 0, len(names))
	for _, n := range names {
		mbox := c.server.mailboxes[n]
		infos = append(infos, &imap.MailboxInfo{Attributes: append([]string(nil), mbox.Attributes...), Delimiter: "/", Name: n})
	}
	c.server.mu.Unlock()

	for _, info := range infos {
		ch <- info
	}
	return nil
}

func (c *FakeSession) UidSearch(criteria *imap.SearchCriteria) ([]uint32, error) {
	mbox, err := c.checkSelected()
	if err != nil {
		return nil, err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	c.server.searches++

	if mbox.OmitUIDs {
		if len(mbox.Messages) == 0 {
			return nil, nil
		}
		return []uint32{0}, nil
	}
	var uids []uint32
	for _, m := range mbox.Messages {
		if matches(m, criteria) {
			uids = append(uids, m.UID)
		}
	}
	return uids, nil
}

// UidSort orders matching messages by date, newest first when reversed.
// It mirrors the SORT extension for DATE criteria only.
func (c *FakeSession) UidSort(sortCriteria []sortthread.SortCriterion, criteria *imap.SearchCriteria) ([]uint32, error) {
	mbox, err := c.checkSelected()
	if err != nil {
		return nil, err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	c.server.searches++

	var hits []*FakeMessage
	for _, m := range mbox.Messages {
		if matches(m, criteria) {
			hits = append(hits, m)
		}
	}
	reverse := len(sortCriteria) > 0 && sortCriteria[0].Reverse
	sort.SliceStable(hits, func(i, j int) bool {
		if reverse {
			return hits[i].Envelope.Date.After(hits[j].Envelope.Date)
		}
		return hits[i].Envelope.Date.Before(hits[j].Envelope.Date)
	})
	uids := make([]uint32, 0, len(hits))
	for _, m := range hits {
		uids = append(uids, m.UID)
	}
	return uids, nil
}

func (c *FakeSession) UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	defer close(ch)
	mbox, err := c.checkSelected()
	if err != nil {
		return err
	}

	c.server.mu.Lock()
	var requested []uint32
	var out []*imap.Message
	for i, m := range mbox.Messages {
		if seqset.Contains(m.UID) {
			requested = append(requested, m.UID)
			out = append(out, c.server.buildMessage(uint32(i+1), m, items, true))
		}
	}
	full := hasItem(items, imap.FetchEnvelope)
	if full {
		c.server.uidFetches = append(c.server.uidFetches, requested)
	} else if hasItem(items, imap.FetchFlags) {
		c.server.flagFetches = append(c.server.flagFetches, requested)
	}
	fetchErr := c.server.FetchErr
	c.server.mu.Unlock()

	if full && fetchErr != nil {
		return fetchErr
	}
	for _, msg := range out {
		ch <- msg
	}
	return nil
}

func (c *FakeSession) Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	defer close(ch)
	mbox, err := c.checkSelected()
	if err != nil {
		return err
	}

	c.server.mu.Lock()
	var requested []uint32
	var out []*imap.Message
	for i, m := range mbox.Messages {
		seq := uint32(i + 1)
		if seqset.Contains(seq) {
			requested = append(requested, seq)
			out = append(out, c.server.buildMessage(seq, m, items, !mbox.OmitUIDs))
		}
	}
	c.server.seqFetches = append(c.server.seqFetches, requested)
	c.server.mu.Unlock()

	for _, msg := range out {
		ch <- msg
	}
	return nil
}

func (c *FakeSession) UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error {
	if ch != nil {
		defer close(ch)
	}
	mbox, err := c.checkSelected()
	if err != nil {
		return err
	}

	var flags []string
	if values, ok := value.([]interface{}); ok {
		for _, v := range values {
			if s, ok := v.(string); ok {
				flags = append(flags, s)
			}
		}
	}
	op := strings.ToUpper(string(item))

	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	for _, m := range mbox.Messages {
		if !seqset.Contains(m.UID) {
			continue
		}
		switch {
		case strings.HasPrefix(op, "+"):
			for _, f := range flags {
				if !containsFlag(m.Flags, f) {
					m.Flags = append(m.Flags, f)
				}
			}
		case strings.HasPrefix(op, "-"):
			kept := m.Flags[:0]
			for _, f := range m.Flags {
				if !containsFlag(flags, f) {
					kept = append(kept, f)
				}
			}
			m.Flags = kept
		default:
			m.Flags = append([]string(nil), flags...)
		}
	}
	return nil
}

func (c *FakeSession) UidMove(seqset *imap.SeqSet, dest string) error {
	mbox, err := c.checkSelected()
	if err != nil {
		return err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	target := c.server.mailboxes[dest]
	if target == nil {
		return fmt.Errorf("NO [TRYCREATE] no such mailbox: %s", dest)
	}
	kept := mbox.Messages[:0]
	for _, m := range mbox.Messages {
		if !seqset.Contains(m.UID) {
			kept = append(kept, m)
			continue
		}
		moved := *m
		moved.UID = target.UIDNext
		target.UIDNext++
		target.Messages = append(target.Messages, &moved)
	}
	mbox.Messages = kept
	return nil
}

func (c *FakeSession) Expunge(ch chan uint32) error {
	if ch != nil {
		defer close(ch)
	}
	mbox, err := c.checkSelected()
	if err != nil {
		return err
	}
	c.server.mu.Lock()
	var expunged []uint32
	kept := mbox.Messages[:0]
	for i, m := range mbox.Messages {
		if containsFlag(m.Flags, imap.DeletedFlag) {
			expunged = append(expunged, uint32(i+1-len(expunged)))
			continue
		}
		kept = append(kept, m)
	}
	mbox.Messages = kept
	c.server.mu.Unlock()

	if ch != nil {
		for _, seq := range expunged {
			ch <- seq
		}
	}
	return nil
}

func (c *FakeSession) Append(mboxName string, flags []string, date time.Time, literal imap.Literal) error {
	if _, err := c.checkState(); err != nil {
		return err
	}
	raw, err := io.ReadAll(literal)
	if err != nil {
		return err
	}
	envelope := &imap.Envelope{Date: date}
	if parsed, err := mail.ReadMessage(bytes.NewReader(raw)); err == nil {
		envelope.Subject = parsed.Header.Get("Subject")
		envelope.MessageId = parsed.Header.Get("Message-Id")
		if from, err := mail.ParseAddress(parsed.Header.Get("From")); err == nil {
			local, host, _ := strings.Cut(from.Address, "@")
			envelope.From = []*imap.Address{{PersonalName: from.Name, MailboxName: local, HostName: host}}
		}
	}

	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mbox := c.server.mailboxes[mboxName]
	if mbox == nil {
		return fmt.Errorf("NO [TRYCREATE] no such mailbox: %s", mboxName)
	}
	mbox.Messages = append(mbox.Messages, &FakeMessage{
		UID:           mbox.UIDNext,
		Envelope:      envelope,
		Flags:         append([]string(nil), flags...),
		BodyStructure: &imap.BodyStructure{MIMEType: "text", MIMESubType: "plain"},
		Raw:           raw,
	})
	mbox.UIDNext++
	return nil
}

func (c *FakeSession) Create(name string) error {
	if _, err := c.checkState(); err != nil {
		return err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if _, ok := c.server.mailboxes[name]; ok {
		return fmt.Errorf("NO mailbox already exists: %s", name)
	}
	c.server.mailboxes[name] = &FakeMailbox{Name: name, UIDValidity: uint32(time.Now().Unix()), UIDNext: 1}
	return nil
}

func (c *FakeSession) Delete(name string) error {
	if _, err := c.checkState(); err != nil {
		return err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if _, ok := c.server.mailboxes[name]; !ok {
		return fmt.Errorf("NO no such mailbox: %s", name)
	}
	delete(c.server.mailboxes, name)
	return nil
}

func (c *FakeSession) Rename(existingName, newName string) error {
	if _, err := c.checkState(); err != nil {
		return err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mbox, ok := c.server.mailboxes[existingName]
	if !ok {
		return fmt.Errorf("NO no such mailbox: %s", existingName)
	}
	delete(c.server.mailboxes, existingName)
	mbox.Name = newName
	c.server.mailboxes[newName] = mbox
	return nil
}

func (c *FakeSession) checkState() (imap.ConnState, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.state == imap.LogoutState {
		return c.state, errors.New("not logged in")
	}
	return c.state, nil
}

func (c *FakeSession) checkSelected() (*FakeMailbox, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.state == imap.LogoutState {
		return nil, errors.New("not logged in")
	}
	mbox := c.server.mailboxes[c.selected]
	if c.selected == "" || mbox == nil {
		return nil, errors.New("no mailbox selected")
	}
	return mbox, nil
}

// buildMessage must be called with s.mu held.
func (s *FakeServer) buildMessage(seq uint32, m *FakeMessage, items []imap.FetchItem, withUID bool) *imap.Message {
	msg := imap.NewMessage(seq, items)
	for _, item := range items {
		switch item {
		case imap.FetchEnvelope:
			if !s.BrokenEnvelopes[m.UID] {
				env := *m.Envelope
				msg.Envelope = &env
			}
		case imap.FetchFlags:
			msg.Flags = append([]string(nil), m.Flags...)
		case imap.FetchBodyStructure:
			msg.BodyStructure = m.BodyStructure
		case imap.FetchUid:
			if withUID {
				msg.Uid = m.UID
			}
		default:
			if section, err := imap.ParseBodySectionName(item); err == nil {
				section.Peek = false
				msg.Body[section] = bytes.NewReader(m.Raw)
			}
		}
	}
	return msg
}

func hasItem(items []imap.FetchItem, want imap.FetchItem) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func containsFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

func matches(m *FakeMessage, c *imap.SearchCriteria) bool {
	if c == nil {
		return true
	}
	for _, f := range c.WithFlags {
		if !containsFlag(m.Flags, f) {
			return false
		}
	}
	for _, f := range c.WithoutFlags {
		if containsFlag(m.Flags, f) {
			return false
		}
	}
	date := m.Envelope.Date
	if !c.Since.IsZero() && date.Before(c.Since) {
		return false
	}
	if !c.Before.IsZero() && !date.Before(c.Before) {
		return false
	}
	for key, values := range c.Header {
		for _, v := range values {
			if !strings.Contains(strings.ToLower(headerValue(m, key)), strings.ToLower(v)) {
				return false
			}
		}
	}
	for _, v := range append(append([]string(nil), c.Body...), c.Text...) {
		text := strings.ToLower(m.Envelope.Subject + "\n" + string(m.Raw) + "\n" + headerValue(m, "From"))
		if !strings.Contains(text, strings.ToLower(v)) {
			return false
		}
	}
	for _, not := range c.Not {
		if matches(m, not) {
			return false
		}
	}
	for _, or := range c.Or {
		if !matches(m, or[0]) && !matches(m, or[1]) {
			return false
		}
	}
	return true
}

func headerValue(m *FakeMessage, key string) string {
	switch strings.ToLower(key) {
	case "subject":
		return m.Envelope.Subject
	case "message-id":
		return m.Envelope.MessageId
	case "from":
		return formatFakeAddresses(m.Envelope.From)
	case "to":
		return formatFakeAddresses(m.Envelope.To)
	case "cc":
		return formatFakeAddresses(m.Envelope.Cc)
	case "bcc":
		return formatFakeAddresses(m.Envelope.Bcc)
	}
	return ""
}

func formatFakeAddresses(addrs []*imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, fmt.Sprintf("%s <%s@%s>", a.PersonalName, a.MailboxName, a.HostName))
	}
	return strings.Join(parts, ", ")
}
