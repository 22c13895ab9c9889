package store

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// Section names one of the two listing segments a Cursor continues from.
type Section string

const (
	SectionPending  Section = "pending"
	SectionFinished Section = "finished"
)

// Cursor is the opaque position token for the default job listing. Exactly
// one of the two payloads is populated, selected by Section.
type Cursor struct {
	Section       Section `json:"section"`
	QueuePosition *int64  `json:"queuePosition,omitempty"`
	CreatedAt     string  `json:"createdAt,omitempty"`
	UpdatedAt     string  `json:"updatedAt,omitempty"`
	ID            int64   `json:"id"`
}

// legacyCursor is the untagged {id, created_at} shape some older clients
// still send; it is treated as the initial position (start of pending).
type legacyCursor struct {
	ID        int64  `json:"id"`
	CreatedAt string `json:"created_at"`
}

// ErrMalformedCursor is returned by DecodeCursor for unparsable input.
var ErrMalformedCursor = errors.New("store: malformed cursor")

// EncodeCursor renders a Cursor as base64url(JSON(cursor)).
func EncodeCursor(c Cursor) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(b), nil
}

// DecodeCursor accepts both the current tagged shape and the legacy
// untagged {id, created_at} shape, normalizing the latter into a pending
// cursor positioned at the start of that job's page.
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, ErrMalformedCursor
	}
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(s)
	if err != nil {
		return Cursor{}, ErrMalformedCursor
	}

	var tagged Cursor
	if err := json.Unmarshal(raw, &tagged); err == nil && tagged.Section != "" {
		if tagged.Section != SectionPending && tagged.Section != SectionFinished {
			return Cursor{}, ErrMalformedCursor
		}
		return tagged, nil
	}

	var legacy legacyCursor
	if err := json.Unmarshal(raw, &legacy); err == nil && legacy.ID != 0 {
		return Cursor{
			Section:       SectionPending,
			QueuePosition: nil,
			CreatedAt:     legacy.CreatedAt,
			ID:            legacy.ID,
		}, nil
	}

	return Cursor{}, ErrMalformedCursor
}
