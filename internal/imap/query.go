package imap

import (
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-imap"
)

const queryDateLayout = "2006-01-02"

// ErrInvalidQuery wraps every query parse failure.
var ErrInvalidQuery = errors.New("invalid search query")

var headerKeys = map[string]string{
	"from":    "From",
	"to":      "To",
	"cc":      "Cc",
	"bcc":     "Bcc",
	"subject": "Subject",
}

// ParseSearchQuery turns a query such as `from:alice is:unread "quarterly report"`
// into IMAP search criteria. A folder: term is returned separately and does not
// become part of the criteria. Terms are combined with AND; a bare word or quoted
// phrase matches subject, sender or body.
func ParseSearchQuery(query string) (string, *imap.SearchCriteria, error) {
	criteria := imap.NewSearchCriteria()
	folder := ""

	for _, token := range tokenizeQuery(query) {
		key, value, hasKey := strings.Cut(token, ":")
		if !hasKey || value == "" {
			addFreeText(criteria, token)
			continue
		}

		key = strings.ToLower(key)
		switch key {
		case "from", "to", "cc", "bcc", "subject":
			criteria.Header.Add(headerKeys[key], value)
		case "body":
			criteria.Body = append(criteria.Body, value)
		case "since", "before":
			date, err := time.Parse(queryDateLayout, value)
			if err != nil {
				return "", nil, fmt.Errorf("%w: invalid %s date %q, expected YYYY-MM-DD", ErrInvalidQuery, key, value)
			}
			if key == "since" {
				criteria.Since = date
			} else {
				criteria.Before = date
			}
		case "is":
			if err := addState(criteria, strings.ToLower(value)); err != nil {
				return "", nil, err
			}
		case "folder":
			folder = value
		default:
			// Unknown prefixes (including URLs) are treated as plain text.
			addFreeText(criteria, token)
		}
	}

	return folder, criteria, nil
}

func addState(criteria *imap.SearchCriteria, state string) error {
	switch state {
	case "unread":
		criteria.WithoutFlags = append(criteria.WithoutFlags, imap.SeenFlag)
	case "read":
		criteria.WithFlags = append(criteria.WithFlags, imap.SeenFlag)
	case "flagged", "starred":
		criteria.WithFlags = append(criteria.WithFlags, imap.FlaggedFlag)
	case "unflagged":
		criteria.WithoutFlags = append(criteria.WithoutFlags, imap.FlaggedFlag)
	default:
		return fmt.Errorf("%w: unsupported is: filter %q", ErrInvalidQuery, state)
	}
	return nil
}

// addFreeText adds SUBJECT text OR (FROM text OR BODY text).
func addFreeText(criteria *imap.SearchCriteria, text string) {
	subject := imap.NewSearchCriteria()
	subject.Header.Add("Subject", text)

	from := imap.NewSearchCriteria()
	from.Header.Add("From", text)

	body := &imap.SearchCriteria{Header: make(textproto.MIMEHeader), Body: []string{text}}

	rest := imap.NewSearchCriteria()
	rest.Or = [][2]*imap.SearchCriteria{{from, body}}

	criteria.Or = append(criteria.Or, [2]*imap.SearchCriteria{subject, rest})
}

// tokenizeQuery splits on whitespace, keeping double-quoted runs together.
// Quotes are stripped, so `subject:"weekly sync"` yields `subject:weekly sync`.
func tokenizeQuery(query string) []string {
	var tokens []string
	var current strings.Builder
	inQuotes := false

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range query {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case !inQuotes && (r == ' ' || r == '\t' || r == '\n'):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return tokens
}
