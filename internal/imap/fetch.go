package imap

import (
	"fmt"
	"io"

	"github.com/emersion/go-imap"
)

// headerItems is what a cached header is built from.
var headerItems = []imap.FetchItem{
	imap.FetchEnvelope,
	imap.FetchBodyStructure,
	imap.FetchFlags,
	imap.FetchUid,
}

var flagItems = []imap.FetchItem{
	imap.FetchFlags,
	imap.FetchUid,
}

// FetchMessageHeaders fetches envelope, flags and body structure for the given UIDs.
func FetchMessageHeaders(s Session, uids []uint32) ([]*imap.Message, error) {
	return uidFetch(s, uids, headerItems)
}

// FetchMessageFlags fetches only the flags for the given UIDs.
func FetchMessageFlags(s Session, uids []uint32) ([]*imap.Message, error) {
	return uidFetch(s, uids, flagItems)
}

func uidFetch(s Session, uids []uint32, items []imap.FetchItem) ([]*imap.Message, error) {
	if s == nil {
		return nil, fmt.Errorf("client is nil")
	}

	if len(uids) == 0 {
		return []*imap.Message{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- s.UidFetch(seqSet, items, messages)
	}()

	var result []*imap.Message
	for msg := range messages {
		result = append(result, msg)
	}

	if err := <-done; err != nil {
		return result, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return result, nil
}

// FetchSequenceRange fetches headers by sequence number, for servers that
// do not report usable UIDs.
func FetchSequenceRange(s Session, from, to uint32) ([]*imap.Message, error) {
	if s == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if from == 0 || to < from {
		return []*imap.Message{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, to)

	messages := make(chan *imap.Message, to-from+1)
	done := make(chan error, 1)

	go func() {
		done <- s.Fetch(seqSet, headerItems, messages)
	}()

	var result []*imap.Message
	for msg := range messages {
		result = append(result, msg)
	}

	if err := <-done; err != nil {
		return result, fmt.Errorf("failed to fetch messages by sequence: %w", err)
	}

	return result, nil
}

// FetchRawMessage downloads the full RFC 822 message without setting \Seen.
func FetchRawMessage(s Session, uid uint32) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("client is nil")
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- s.UidFetch(seqSet, items, messages)
	}()

	var raw []byte
	var readErr error
	for msg := range messages {
		if raw != nil {
			continue
		}
		// Servers answer BODY[] even when BODY.PEEK[] was requested.
		for _, literal := range msg.Body {
			if literal == nil {
				continue
			}
			raw, readErr = io.ReadAll(literal)
			break
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("failed to read message body: %w", readErr)
	}
	if raw == nil {
		return nil, fmt.Errorf("server did not return message %d", uid)
	}

	return raw, nil
}
