package imap

import (
	"strings"

	"github.com/emersion/go-imap"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

// ParseHeader converts a fetched message into a cached header. It reports
// false when the server returned no envelope, which happens for messages it
// failed to parse.
func ParseHeader(msg *imap.Message) (models.CachedHeader, bool) {
	if msg == nil || msg.Envelope == nil {
		return models.CachedHeader{}, false
	}

	env := msg.Envelope
	header := models.CachedHeader{
		UID:           int64(msg.Uid),
		MessageID:     env.MessageId,
		Subject:       env.Subject,
		From:          convertAddressList(env.From),
		To:            convertAddressList(env.To),
		Date:          env.Date,
		Flags:         append([]string{}, msg.Flags...),
		HasAttachment: hasAttachment(msg.BodyStructure),
	}
	return header, true
}

// formatAddress formats an IMAP address as mailbox@host.
func formatAddress(address *imap.Address) string {
	if address == nil {
		return ""
	}

	if address.MailboxName == "" && address.HostName == "" {
		return ""
	}
	if address.HostName == "" {
		return address.MailboxName
	}

	return address.MailboxName + "@" + address.HostName
}

func convertAddressList(addresses []*imap.Address) []models.Address {
	result := make([]models.Address, 0, len(addresses))
	for _, address := range addresses {
		formatted := formatAddress(address)
		if formatted == "" {
			continue
		}
		result = append(result, models.Address{Name: address.PersonalName, Address: formatted})
	}
	return result
}

// hasAttachment walks the body structure looking for a part that is either
// marked as an attachment or is binary content not marked inline.
func hasAttachment(bs *imap.BodyStructure) bool {
	if bs == nil {
		return false
	}

	disposition := strings.ToLower(bs.Disposition)
	if disposition == "attachment" {
		return true
	}

	if len(bs.Parts) == 0 {
		switch strings.ToLower(bs.MIMEType) {
		case "application", "image", "audio", "video":
			return disposition != "inline"
		}
		return false
	}

	for _, part := range bs.Parts {
		if hasAttachment(part) {
			return true
		}
	}
	return false
}
