package types

// SensorKey identifies one of the metrics published for a station.
type SensorKey string

const (
	SensorSolarPower           SensorKey = "solar_power"
	SensorInstalledPower       SensorKey = "installed_power"
	SensorEfficiency           SensorKey = "efficiency"
	SensorLoadPower            SensorKey = "load_power"
	SensorGridPowerConsumption SensorKey = "grid_power_consumption"
	SensorGridPowerReturn      SensorKey = "grid_power_return"
	SensorDailyGeneration      SensorKey = "daily_generation"
	SensorMonthlyGeneration    SensorKey = "monthly_generation"
	SensorYearlyGeneration     SensorKey = "yearly_generation"
	SensorTotalGeneration      SensorKey = "total_generation"
)

// Units used by the sensor descriptions.
const (
	UnitKilowatt     = "kW"
	UnitKilowattHour = "kWh"
	UnitMegawattHour = "MWh"
	UnitPercent      = "%"
)

// Home Assistant device and state classes.
const (
	DeviceClassPower       = "power"
	DeviceClassEnergy      = "energy"
	DeviceClassPowerFactor = "power_factor"

	StateClassMeasurement     = "measurement"
	StateClassTotal           = "total"
	StateClassTotalIncreasing = "total_increasing"
)

// Manufacturer is reported as the device manufacturer for every station.
const Manufacturer = "Sunways"

// SensorDescription is the static description of a sensor.
type SensorDescription struct {
	Key         SensorKey `json:"key"`
	DeviceClass string    `json:"deviceClass"`
	Unit        string    `json:"unit"`
	StateClass  string    `json:"stateClass"`
	Icon        string    `json:"icon"`
	// Precision is the suggested number of decimals to display, -1 if unset.
	Precision int `json:"precision"`
}

// SensorKeys lists every sensor in display order.
var SensorKeys = []SensorKey{
	SensorSolarPower,
	SensorInstalledPower,
	SensorEfficiency,
	SensorLoadPower,
	SensorGridPowerConsumption,
	SensorGridPowerReturn,
	SensorDailyGeneration,
	SensorMonthlyGeneration,
	SensorYearlyGeneration,
	SensorTotalGeneration,
}

// SensorDescriptions holds the description of every sensor key.
var SensorDescriptions = map[SensorKey]SensorDescription{
	SensorSolarPower: {
		Key:         SensorSolarPower,
		DeviceClass: DeviceClassPower,
		Unit:        UnitKilowatt,
		StateClass:  StateClassMeasurement,
		Icon:        "mdi:solar-power",
		Precision:   2,
	},
	// installed power is published as energy so existing dashboards keep
	// working
	SensorInstalledPower: {
		Key:         SensorInstalledPower,
		DeviceClass: DeviceClassEnergy,
		Unit:        UnitKilowattHour,
		StateClass:  StateClassTotal,
		Icon:        "mdi:solar-panel",
		Precision:   2,
	},
	SensorEfficiency: {
		Key:         SensorEfficiency,
		DeviceClass: DeviceClassPowerFactor,
		Unit:        UnitPercent,
		StateClass:  StateClassMeasurement,
		Icon:        "mdi:cart-percent",
		Precision:   -1,
	},
	SensorLoadPower: {
		Key:         SensorLoadPower,
		DeviceClass: DeviceClassPower,
		Unit:        UnitKilowatt,
		StateClass:  StateClassMeasurement,
		Icon:        "mdi:home-lightning-bolt-outline",
		Precision:   2,
	},
	SensorGridPowerConsumption: {
		Key:         SensorGridPowerConsumption,
		DeviceClass: DeviceClassPower,
		Unit:        UnitKilowatt,
		StateClass:  StateClassMeasurement,
		Icon:        "mdi:transmission-tower-import",
		Precision:   2,
	},
	SensorGridPowerReturn: {
		Key:         SensorGridPowerReturn,
		DeviceClass: DeviceClassPower,
		Unit:        UnitKilowatt,
		StateClass:  StateClassMeasurement,
		Icon:        "mdi:transmission-tower-export",
		Precision:   2,
	},
	SensorDailyGeneration: {
		Key:         SensorDailyGeneration,
		DeviceClass: DeviceClassEnergy,
		Unit:        UnitKilowattHour,
		StateClass:  StateClassTotalIncreasing,
		Icon:        "mdi:calendar-today",
		Precision:   2,
	},
	SensorMonthlyGeneration: {
		Key:         SensorMonthlyGeneration,
		DeviceClass: DeviceClassEnergy,
		Unit:        UnitKilowattHour,
		StateClass:  StateClassTotalIncreasing,
		Icon:        "mdi:calendar-month",
		Precision:   2,
	},
	SensorYearlyGeneration: {
		Key:         SensorYearlyGeneration,
		DeviceClass: DeviceClassEnergy,
		Unit:        UnitMegawattHour,
		StateClass:  StateClassTotalIncreasing,
		Icon:        "mdi:calendar-month",
		Precision:   2,
	},
	SensorTotalGeneration: {
		Key:         SensorTotalGeneration,
		DeviceClass: DeviceClassEnergy,
		Unit:        UnitMegawattHour,
		StateClass:  StateClassTotal,
		Icon:        "mdi:calculator-variant",
		Precision:   2,
	},
}
