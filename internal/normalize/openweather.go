package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/kjstillabower/weather-pipeline/internal/models"
)

// openWeatherResponse is the subset of the OpenWeatherMap current weather
// payload the pipeline consumes.
type openWeatherResponse struct {
	Main *struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
		Pressure *float64 `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind *struct {
		Speed *float64 `json:"speed"` // m/s with units=metric
	} `json:"wind"`
	Name string `json:"name"`
	Dt   int64  `json:"dt"`
}

// ParseOpenWeather maps an OpenWeatherMap JSON payload into a WeatherRecord.
func ParseOpenWeather(p models.RawPayload) (models.WeatherRecord, error) {
	var resp openWeatherResponse
	if err := json.Unmarshal(p.Body, &resp); err != nil {
		return models.WeatherRecord{}, &NormalizationError{Source: p.Source, Reason: "parse JSON body: " + err.Error()}
	}
	if resp.Main == nil {
		return models.WeatherRecord{}, &NormalizationError{Source: p.Source, Reason: "payload missing main block"}
	}

	rec := models.WeatherRecord{
		Location:    strings.ToLower(resp.Name),
		Temperature: models.Unavail(),
		Humidity:    models.Unavail(),
		WindSpeed:   models.Unavail(),
		Pressure:    models.Unavail(),
	}
	if resp.Dt > 0 {
		rec.ObservedAt = time.Unix(resp.Dt, 0).UTC()
	}
	if resp.Main.Temp != nil {
		rec.Temperature = boundedReading(*resp.Main.Temp, minTemperatureC, maxTemperatureC)
	}
	if resp.Main.Humidity != nil {
		rec.Humidity = boundedReading(*resp.Main.Humidity, minHumidityPct, maxHumidityPct)
	}
	if resp.Main.Pressure != nil {
		rec.Pressure = boundedReading(*resp.Main.Pressure, minPressureHpa, maxPressureHpa)
	}
	if resp.Wind != nil && resp.Wind.Speed != nil {
		// Upstream reports m/s; canonical unit is km/h.
		rec.WindSpeed = boundedReading(*resp.Wind.Speed*3.6, minWindKmh, maxWindKmh)
	}
	if len(resp.Weather) > 0 {
		rec.Conditions = resp.Weather[0].Main
		if resp.Weather[0].Description != "" {
			rec.Conditions = resp.Weather[0].Description
		}
	}
	return rec, nil
}
