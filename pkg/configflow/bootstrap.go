package configflow

import (
	"context"
	"fmt"
	"os"

	"github.com/levenlabs/go-lflag"
)

// Bootstrap holds credentials given on the command line or in the
// environment. When set, an entry is created at startup without going
// through the forms.
type Bootstrap struct {
	Email        string
	Password     string
	InitialToken string
	StationID    string
}

// ConfiguredBootstrap registers the bootstrap flags. Their defaults come from
// the SUNWAYS_* environment variables so they can be kept in a .env file.
func ConfiguredBootstrap() *Bootstrap {
	email := lflag.String("sunways-email", os.Getenv("SUNWAYS_EMAIL"), "Email of the Sunways account to add at startup")
	password := lflag.String("sunways-password", os.Getenv("SUNWAYS_PASSWORD"), "Password of the Sunways account to add at startup")
	initialToken := lflag.String("sunways-initial-token", os.Getenv("SUNWAYS_INITIAL_TOKEN"), "Token to use instead of logging in for the first request")
	stationID := lflag.String("sunways-station-id", os.Getenv("SUNWAYS_STATION_ID"), "Station to add when the account has more than one")

	b := &Bootstrap{}
	lflag.Do(func() {
		b.Email = *email
		b.Password = *password
		b.InitialToken = *initialToken
		b.StationID = *stationID
	})
	return b
}

// Enabled returns true if credentials were given.
func (b Bootstrap) Enabled() bool {
	return b.Email != "" || b.Password != ""
}

func (b Bootstrap) input() Input {
	input := Input{
		FieldEmail:    b.Email,
		FieldPassword: b.Password,
	}
	if b.InitialToken != "" {
		input[FieldInitialToken] = b.InitialToken
	}
	return input
}

// Complete runs the flow non-interactively with the bootstrap credentials.
// The result is either a created entry or an abort. Any form left to show is
// returned as an error naming what went wrong.
func (f *Flow) Complete(ctx context.Context, b Bootstrap) (Result, error) {
	res, err := f.StepUser(ctx, b.input())
	if err != nil {
		return Result{}, err
	}
	if res.Type == ResultForm && res.StepID == StepStation {
		if b.StationID == "" {
			return Result{}, fmt.Errorf("account has %d stations, a station id is required", len(f.stations))
		}
		res, err = f.StepStation(ctx, Input{FieldStationID: b.StationID})
		if err != nil {
			return Result{}, err
		}
	}
	if res.Type == ResultForm {
		return Result{}, fmt.Errorf("step %s failed: %v", res.StepID, res.Errors)
	}
	return res, nil
}
