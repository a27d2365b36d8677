// Package configflow walks a user through adding a Sunways account and
// station, and through re-entering credentials the API stopped accepting.
package configflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raterudder/sunwaysbridge/pkg/log"
	"github.com/raterudder/sunwaysbridge/pkg/storage"
	"github.com/raterudder/sunwaysbridge/pkg/sunways"
	"github.com/raterudder/sunwaysbridge/pkg/types"
)

// Input field names.
const (
	FieldEmail        = "email"
	FieldPassword     = "password"
	FieldInitialToken = "initial_token"
	FieldStationID    = "station_id"
)

// Step ids of forms.
const (
	StepUser          = "user"
	StepStation       = "station_id"
	StepReauthConfirm = "reauth_confirm"
)

// Form error keys. Errors not tied to a field are reported under "base".
const (
	ErrorCannotConnect   = "cannot_connect"
	ErrorInvalidAuth     = "invalid_auth"
	ErrorNoStationsFound = "no_stations_found"
	ErrorUnknown         = "unknown"
	ErrorRequired        = "required"
	ErrorInvalidStation  = "invalid_station"
)

// Abort reasons.
const (
	AbortAlreadyConfigured = "already_configured"
	AbortReauthSuccessful  = "reauth_successful"
)

// ResultType is what a step resulted in.
type ResultType string

const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
	ResultAbort       ResultType = "abort"
)

// Option is a choice of a select field.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Field is an input of a form.
type Field struct {
	Name     string   `json:"name"`
	Required bool     `json:"required"`
	Options  []Option `json:"options,omitempty"`
}

// Result is the outcome of a step. Forms carry the fields to show and any
// errors of the previous submission. A created entry or a successful reauth
// carries the entry to persist.
type Result struct {
	Type   ResultType        `json:"type"`
	StepID string            `json:"stepID,omitempty"`
	Fields []Field           `json:"fields,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Title  string            `json:"title,omitempty"`
	Entry  *types.Entry      `json:"-"`
}

// Input is a form submission.
type Input map[string]string

var userFields = []Field{
	{Name: FieldEmail, Required: true},
	{Name: FieldPassword, Required: true},
	{Name: FieldInitialToken},
}

// StationLister is the part of the API client a flow needs.
type StationLister interface {
	GetStations(ctx context.Context) ([]sunways.Station, error)
	TokenJar() *sunways.TokenJar
	Close() error
}

// ClientFactory builds a client for the submitted credentials.
type ClientFactory func(email, password, initialToken string) StationLister

// NewClientFactory returns a ClientFactory building sunways clients with
// opts. An initial token is trusted as if it was just issued.
func NewClientFactory(opts sunways.Options) ClientFactory {
	return func(email, password, initialToken string) StationLister {
		o := opts
		if initialToken != "" {
			o.TokenJar = &sunways.TokenJar{Token: initialToken, Issued: time.Now()}
		}
		return sunways.NewClient(email, password, o)
	}
}

// Entries looks up existing entries.
type Entries interface {
	GetEntry(ctx context.Context, id string) (types.Entry, error)
}

// Flow is one run through the setup or reauth steps. A Flow keeps state
// between steps and is not safe for concurrent use.
type Flow struct {
	newClient ClientFactory
	entries   Entries

	data     Input
	token    sunways.TokenJar
	stations []sunways.Station

	reauthEntry *types.Entry
}

// New returns a flow validating credentials with clients from newClient and
// checking for duplicates in entries.
func New(newClient ClientFactory, entries Entries) *Flow {
	return &Flow{
		newClient: newClient,
		entries:   entries,
		data:      Input{},
	}
}

func (f *Flow) form(stepID string, fields []Field, errs map[string]string) Result {
	return Result{
		Type:   ResultForm,
		StepID: stepID,
		Fields: fields,
		Errors: errs,
	}
}

// testLogin lists the stations of the account in data. On failure the
// reason is added to errs and nil is returned.
func (f *Flow) testLogin(ctx context.Context, data Input, errs map[string]string) []sunways.Station {
	for _, field := range []string{FieldEmail, FieldPassword} {
		if strings.TrimSpace(data[field]) == "" {
			errs[field] = ErrorRequired
		}
	}
	if len(errs) > 0 {
		return nil
	}

	client := f.newClient(data[FieldEmail], data[FieldPassword], data[FieldInitialToken])
	defer client.Close()

	stations, err := client.GetStations(ctx)
	if errors.Is(err, sunways.ErrSessionExpired) {
		// the initial token was stale, the retry logs in with the password
		stations, err = client.GetStations(ctx)
	}
	var cf *sunways.ConnectionFailed
	var lf *sunways.LoginFailed
	switch {
	case err == nil && len(stations) > 0:
		if jar := client.TokenJar(); jar != nil {
			f.token = *jar
		}
		return stations
	case err == nil:
		errs["base"] = ErrorNoStationsFound
	case errors.As(err, &cf):
		errs["base"] = ErrorCannotConnect
	case errors.As(err, &lf):
		errs["base"] = ErrorInvalidAuth
	case sunways.IsClientError(err):
		log.Ctx(ctx).ErrorContext(ctx, "unexpected API error", slog.Any("error", err))
		errs["base"] = ErrorUnknown
	default:
		log.Ctx(ctx).ErrorContext(ctx, "unexpected error validating credentials", slog.Any("error", err))
		errs["base"] = ErrorUnknown
	}
	return nil
}

// StepUser asks for credentials. A nil input shows the form. Valid
// credentials with a single station create the entry right away, otherwise
// the station has to be picked.
func (f *Flow) StepUser(ctx context.Context, input Input) (Result, error) {
	if input == nil {
		return f.form(StepUser, userFields, nil), nil
	}

	errs := map[string]string{}
	stations := f.testLogin(ctx, input, errs)
	if stations == nil {
		return f.form(StepUser, userFields, errs), nil
	}

	for k, v := range input {
		f.data[k] = v
	}
	f.stations = stations
	if len(stations) > 1 {
		return f.StepStation(ctx, nil)
	}
	return f.StepStation(ctx, Input{FieldStationID: stations[0].ID})
}

// StepStation asks which station to add. A nil input shows the form.
func (f *Flow) StepStation(ctx context.Context, input Input) (Result, error) {
	if input == nil {
		options := make([]Option, 0, len(f.stations))
		for _, s := range f.stations {
			options = append(options, Option{Value: s.ID, Label: s.Name})
		}
		return f.form(StepStation, []Field{{Name: FieldStationID, Required: true, Options: options}}, nil), nil
	}

	stationID := input[FieldStationID]
	var station *sunways.Station
	for i := range f.stations {
		if f.stations[i].ID == stationID {
			station = &f.stations[i]
			break
		}
	}
	if station == nil {
		res, _ := f.StepStation(ctx, nil)
		res.Errors = map[string]string{FieldStationID: ErrorInvalidStation}
		return res, nil
	}

	_, err := f.entries.GetEntry(ctx, stationID)
	switch {
	case err == nil:
		return Result{Type: ResultAbort, Reason: AbortAlreadyConfigured}, nil
	case !errors.Is(err, storage.ErrEntryNotFound):
		return Result{}, fmt.Errorf("error checking for existing entry: %w", err)
	}

	f.data[FieldStationID] = stationID
	entry := types.Entry{
		ID:           stationID,
		Title:        station.Name,
		StationID:    stationID,
		Email:        f.data[FieldEmail],
		Password:     f.data[FieldPassword],
		InitialToken: f.data[FieldInitialToken],
		Token:        f.token.Token,
		TokenIssued:  f.token.Issued,
	}

	log.Ctx(ctx).InfoContext(ctx, "creating entry", slog.String("stationID", stationID), slog.String("title", entry.Title))
	return Result{
		Type:  ResultCreateEntry,
		Title: entry.Title,
		Entry: &entry,
	}, nil
}

// StepReauth starts reauthentication of an entry whose credentials were
// rejected.
func (f *Flow) StepReauth(ctx context.Context, entry types.Entry) (Result, error) {
	f.reauthEntry = &entry
	f.data = Input{
		FieldEmail:     entry.Email,
		FieldPassword:  entry.Password,
		FieldStationID: entry.StationID,
	}
	if entry.InitialToken != "" {
		f.data[FieldInitialToken] = entry.InitialToken
	}
	return f.StepReauthConfirm(ctx, nil)
}

// StepReauthConfirm asks for new credentials. On success the result carries
// the updated entry.
func (f *Flow) StepReauthConfirm(ctx context.Context, input Input) (Result, error) {
	if f.reauthEntry == nil {
		return Result{}, errors.New("no reauth in progress")
	}
	if input == nil {
		return f.form(StepReauthConfirm, userFields, nil), nil
	}

	for k, v := range input {
		f.data[k] = v
	}

	errs := map[string]string{}
	if f.testLogin(ctx, f.data, errs) == nil {
		return f.form(StepReauthConfirm, userFields, errs), nil
	}

	entry := f.reauthEntry.WithCredentials(types.EntryCredentials{
		Email:        f.data[FieldEmail],
		Password:     f.data[FieldPassword],
		InitialToken: f.data[FieldInitialToken],
		Token:        f.token.Token,
	})
	entry.TokenIssued = f.token.Issued
	entry.NeedsReauth = false

	log.Ctx(ctx).InfoContext(ctx, "reauthenticated entry", slog.String("stationID", entry.StationID))
	return Result{
		Type:   ResultAbort,
		Reason: AbortReauthSuccessful,
		Entry:  &entry,
	}, nil
}

// ReauthEntryID returns the id of the entry being reauthenticated, if any.
func (f *Flow) ReauthEntryID() (string, bool) {
	if f.reauthEntry == nil {
		return "", false
	}
	return f.reauthEntry.ID, true
}
