package normalize

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kjstillabower/weather-pipeline/internal/models"
)

// Bing renders its weather answer box with wtr_-prefixed classes. When the
// structured box is missing (layout experiment, blocked request) the parser
// falls back to regex extraction over the page text before giving up.
var (
	tempPattern     = regexp.MustCompile(`(-?\d+)\s*°\s*([CF])?`)
	humidityPattern = regexp.MustCompile(`(?i)humidity[:\s]*?(\d+)\s*%`)
	windPattern     = regexp.MustCompile(`(?i)wind[:\s]*?(\d+(?:\.\d+)?)\s*(km/h|mph)`)
	pressurePattern = regexp.MustCompile(`(?i)pressure[:\s]*?(\d+(?:\.\d+)?)\s*(?:mb|hpa)`)
)

var knownConditions = []string{
	"partly cloudy", "mostly cloudy", "sunny", "cloudy", "rainy",
	"stormy", "clear", "overcast", "snow", "fog",
}

// ParseBing extracts the weather answer box from a Bing search results page.
func ParseBing(p models.RawPayload) (models.WeatherRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return models.WeatherRecord{}, &NormalizationError{Source: p.Source, Reason: "parse HTML body: " + err.Error()}
	}

	rec := models.WeatherRecord{
		Temperature: models.Unavail(),
		Humidity:    models.Unavail(),
		WindSpeed:   models.Unavail(),
		Pressure:    models.Unavail(),
	}

	// Structured answer box first.
	tempText := strings.TrimSpace(doc.Find(".wtr_currTemp").First().Text())
	condText := strings.TrimSpace(doc.Find(".wtr_condition, .wtr_caption").First().Text())
	humText := strings.TrimSpace(doc.Find(".wtr_currHum").First().Text())
	windText := strings.TrimSpace(doc.Find(".wtr_currWind").First().Text())

	pageText := doc.Text()
	if tempText == "" {
		tempText = pageText
	}
	if humText == "" {
		humText = pageText
	}
	if windText == "" {
		windText = pageText
	}

	if m := tempPattern.FindStringSubmatch(tempText); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		if m[2] == "F" {
			v = (v - 32) * 5 / 9
		}
		rec.Temperature = boundedReading(v, minTemperatureC, maxTemperatureC)
	}
	if m := humidityPattern.FindStringSubmatch(humText); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		rec.Humidity = boundedReading(v, minHumidityPct, maxHumidityPct)
	}
	if m := windPattern.FindStringSubmatch(windText); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		if strings.EqualFold(m[2], "mph") {
			v *= 1.609344
		}
		rec.WindSpeed = boundedReading(v, minWindKmh, maxWindKmh)
	}
	if m := pressurePattern.FindStringSubmatch(pageText); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		rec.Pressure = boundedReading(v, minPressureHpa, maxPressureHpa)
	}

	rec.Conditions = matchCondition(condText)
	if rec.Conditions == "" {
		rec.Conditions = matchCondition(pageText)
	}

	if !rec.Temperature.OK && rec.Conditions == "" {
		return models.WeatherRecord{}, &NormalizationError{Source: p.Source, Reason: "no weather answer box found in page"}
	}
	return rec, nil
}

// matchCondition returns the first known condition phrase found in text.
func matchCondition(text string) string {
	lower := strings.ToLower(text)
	for _, c := range knownConditions {
		if strings.Contains(lower, c) {
			return c
		}
	}
	return ""
}
