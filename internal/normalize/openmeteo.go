package normalize

import (
	"encoding/json"
	"time"

	"github.com/kjstillabower/weather-pipeline/internal/models"
)

// openMeteoResponse is the subset of the Open-Meteo forecast payload the
// pipeline consumes ("current" block).
type openMeteoResponse struct {
	Current *struct {
		Time            string   `json:"time"`
		Temperature     *float64 `json:"temperature_2m"`
		Humidity        *float64 `json:"relative_humidity_2m"`
		WindSpeed       *float64 `json:"wind_speed_10m"` // km/h
		SurfacePressure *float64 `json:"surface_pressure"`
		WeatherCode     *int     `json:"weather_code"`
	} `json:"current"`
}

// WMO weather interpretation codes, reduced to the buckets the record carries.
var meteoConditions = map[int]string{
	0: "clear", 1: "mostly clear", 2: "partly cloudy", 3: "overcast",
	45: "fog", 48: "fog",
	51: "drizzle", 53: "drizzle", 55: "drizzle",
	61: "rain", 63: "rain", 65: "rain",
	71: "snow", 73: "snow", 75: "snow",
	80: "rain showers", 81: "rain showers", 82: "rain showers",
	95: "thunderstorm", 96: "thunderstorm", 99: "thunderstorm",
}

// ParseOpenMeteo maps an Open-Meteo JSON payload into a WeatherRecord.
func ParseOpenMeteo(p models.RawPayload) (models.WeatherRecord, error) {
	var resp openMeteoResponse
	if err := json.Unmarshal(p.Body, &resp); err != nil {
		return models.WeatherRecord{}, &NormalizationError{Source: p.Source, Reason: "parse JSON body: " + err.Error()}
	}
	if resp.Current == nil {
		return models.WeatherRecord{}, &NormalizationError{Source: p.Source, Reason: "payload missing current block"}
	}

	rec := models.WeatherRecord{
		Temperature: models.Unavail(),
		Humidity:    models.Unavail(),
		WindSpeed:   models.Unavail(),
		Pressure:    models.Unavail(),
	}
	cur := resp.Current
	if cur.Time != "" {
		// Open-Meteo emits ISO8601 without a zone; values are UTC by default.
		if ts, err := time.Parse("2006-01-02T15:04", cur.Time); err == nil {
			rec.ObservedAt = ts.UTC()
		}
	}
	if cur.Temperature != nil {
		rec.Temperature = boundedReading(*cur.Temperature, minTemperatureC, maxTemperatureC)
	}
	if cur.Humidity != nil {
		rec.Humidity = boundedReading(*cur.Humidity, minHumidityPct, maxHumidityPct)
	}
	if cur.WindSpeed != nil {
		rec.WindSpeed = boundedReading(*cur.WindSpeed, minWindKmh, maxWindKmh)
	}
	if cur.SurfacePressure != nil {
		rec.Pressure = boundedReading(*cur.SurfacePressure, minPressureHpa, maxPressureHpa)
	}
	if cur.WeatherCode != nil {
		rec.Conditions = meteoConditions[*cur.WeatherCode]
	}
	return rec, nil
}
