package sunways

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Station identifies a station registered for the account.
type Station struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// StationOverview is the state of a station at the time it was fetched.
// Numeric fields are nil when the API did not report them.
type StationOverview struct {
	ID string

	SolarPower     *float64
	SolarPowerUnit string

	InstalledPower     *float64
	InstalledPowerUnit string

	// PowerRatio is the current solar power relative to the installed power.
	PowerRatio *float64

	LoadPower     *float64
	LoadPowerUnit string

	// GridPower is the meter reading, its direction is given by the arrow
	// flags.
	GridPower         *float64
	GridPowerUnit     string
	ArrowGridInverter int
	ArrowInverterGrid int

	DailyGeneration       *float64
	DailyGenerationUnit   string
	MonthlyGeneration     *float64
	MonthlyGenerationUnit string
	YearlyGeneration      *float64
	YearlyGenerationUnit  string
	TotalGeneration       *float64
	TotalGenerationUnit   string
}

// GridPowerConsumption is the power drawn from the grid, zero while
// exporting.
func (o StationOverview) GridPowerConsumption() *float64 {
	if o.ArrowGridInverter == 1 {
		return o.GridPower
	}
	return new(float64)
}

// GridPowerReturn is the power fed into the grid, zero while importing.
func (o StationOverview) GridPowerReturn() *float64 {
	if o.ArrowInverterGrid == 1 {
		return o.GridPower
	}
	return new(float64)
}

// number accepts a JSON number, a numeric string or null.
type number struct {
	v     float64
	valid bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		n.v, n.valid = v, true
		return nil
	}
	if err := json.Unmarshal(b, &n.v); err != nil {
		return err
	}
	n.valid = true
	return nil
}

func (n number) ptr() *float64 {
	if !n.valid {
		return nil
	}
	v := n.v
	return &v
}

// identifier accepts a JSON string or number.
type identifier string

func (i *identifier) UnmarshalJSON(b []byte) error {
	*i = identifier(rawString(b))
	return nil
}

type stationListResult struct {
	Records []struct {
		Name string     `json:"name"`
		ID   identifier `json:"id"`
	} `json:"records"`
}

type stationOverviewResult struct {
	ID identifier `json:"id"`

	Pac     number `json:"pac"`
	PacUnit string `json:"pacUnit"`

	// sic, that is how the API spells it
	InstalledPower     number `json:"instatlledPower"`
	InstalledPowerUnit string `json:"instatlledPowerUnit"`

	PowerRatio number `json:"powerRatio"`

	PLoad     number `json:"pLoad"`
	PLoadUnit string `json:"pLoadUnit"`

	PMeterTotal       number `json:"pmeterTotal"`
	PMeterTotalUnit   string `json:"pmeterTotalUnit"`
	ArrowGridInverter number `json:"arrowGridInverter"`
	ArrowInverterGrid number `json:"arrowInverterGrid"`

	EDay       number `json:"eDay"`
	EDayUnit   string `json:"eDayUnit"`
	EMonth     number `json:"eMonth"`
	EMonthUnit string `json:"eMonthUnit"`
	EYear      number `json:"eYear"`
	EYearUnit  string `json:"eYearUnit"`
	ETotal     number `json:"eTotal"`
	ETotalUnit string `json:"eTotalUnit"`
}

func parseStationOverview(data json.RawMessage) (StationOverview, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return StationOverview{}, &RequestFailed{Code: "-1", Message: "Unexpected station overview: " + string(data)}
	}

	var res stationOverviewResult
	if err := json.Unmarshal(trimmed, &res); err != nil {
		return StationOverview{}, &RequestFailed{Code: "-1", Message: fmt.Sprintf("Unexpected station overview: %v", err)}
	}

	return StationOverview{
		ID:                    string(res.ID),
		SolarPower:            res.Pac.ptr(),
		SolarPowerUnit:        res.PacUnit,
		InstalledPower:        res.InstalledPower.ptr(),
		InstalledPowerUnit:    res.InstalledPowerUnit,
		PowerRatio:            res.PowerRatio.ptr(),
		LoadPower:             res.PLoad.ptr(),
		LoadPowerUnit:         res.PLoadUnit,
		GridPower:             res.PMeterTotal.ptr(),
		GridPowerUnit:         res.PMeterTotalUnit,
		ArrowGridInverter:     int(res.ArrowGridInverter.v),
		ArrowInverterGrid:     int(res.ArrowInverterGrid.v),
		DailyGeneration:       res.EDay.ptr(),
		DailyGenerationUnit:   res.EDayUnit,
		MonthlyGeneration:     res.EMonth.ptr(),
		MonthlyGenerationUnit: res.EMonthUnit,
		YearlyGeneration:      res.EYear.ptr(),
		YearlyGenerationUnit:  res.EYearUnit,
		TotalGeneration:       res.ETotal.ptr(),
		TotalGenerationUnit:   res.ETotalUnit,
	}, nil
}
