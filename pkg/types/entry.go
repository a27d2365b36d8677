package types

import (
	"errors"
	"time"
)

// Entry is a configured account/station pairing. It is what the config flow
// creates and what the integration is set up from.
type Entry struct {
	// ID is the unique id of the entry, the station id.
	ID    string `json:"id"`
	Title string `json:"title"`

	StationID string `json:"stationID"`

	// Credentials are stored encrypted by the storage providers.
	Email        string `json:"email"`
	Password     string `json:"password"`
	InitialToken string `json:"initialToken,omitempty"`

	// Token is the last token handed out by the API so a restart can skip the
	// login round trip.
	Token       string    `json:"token,omitempty"`
	TokenIssued time.Time `json:"tokenIssued,omitzero"`

	// NeedsReauth is set when the API rejected the stored credentials.
	NeedsReauth bool `json:"needsReauth,omitempty"`
}

// EntryCredentials is the sensitive part of an Entry.
type EntryCredentials struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	InitialToken string `json:"initialToken,omitempty"`
	Token        string `json:"token,omitempty"`
}

// Credentials extracts the sensitive fields of the entry.
func (e Entry) Credentials() EntryCredentials {
	return EntryCredentials{
		Email:        e.Email,
		Password:     e.Password,
		InitialToken: e.InitialToken,
		Token:        e.Token,
	}
}

// WithCredentials returns a copy of the entry with the sensitive fields set.
func (e Entry) WithCredentials(c EntryCredentials) Entry {
	e.Email = c.Email
	e.Password = c.Password
	e.InitialToken = c.InitialToken
	e.Token = c.Token
	return e
}

// Validate checks that the entry can be used to set up an integration.
func (e Entry) Validate() error {
	if e.Email == "" {
		return errors.New("missing email")
	}
	if e.Password == "" {
		return errors.New("missing password")
	}
	if e.StationID == "" {
		return errors.New("missing station id")
	}
	return nil
}
