package utils

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
)

// InsecureHTTPClient returns an HTTP client that skips TLS verification.
// Cable modems ship self-signed certificates for their management pages.
func InsecureHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

type HTTPResult struct {
	Index    int
	Response *http.Response
	Err      error
}

// BoundedParallelDo issues the prepared requests concurrently, at most
// limit in flight. Results arrive in completion order; use Index to match
// them back to the request. The caller owns the response bodies.
func BoundedParallelDo(client *http.Client, reqs []*http.Request, limit int) []HTTPResult {
	semaphoreChan := make(chan struct{}, limit)
	resultsChan := make(chan HTTPResult, len(reqs))

	for i, req := range reqs {
		go func(i int, req *http.Request) {
			semaphoreChan <- struct{}{}
			defer func() { <-semaphoreChan }()
			resp, err := client.Do(req)
			resultsChan <- HTTPResult{Index: i, Response: resp, Err: err}
		}(i, req)
	}

	results := make([]HTTPResult, 0, len(reqs))
	for range reqs {
		results = append(results, <-resultsChan)
	}
	return results
}

// ExtractIntValue parses the leading number of a "value unit" string,
// e.g. "5120 Ksym/s". Returns 0 when no number is found.
func ExtractIntValue(valueWithUnit string) int {
	fields := strings.Fields(valueWithUnit)
	if len(fields) > 0 {
		intValue, err := strconv.Atoi(fields[0])
		if err == nil {
			return intValue
		}
	}
	return 0
}

// ExtractFloatValue is ExtractIntValue for fractional values such as
// "-2.7 dBmV" or "40.9 dB".
func ExtractFloatValue(valueWithUnit string) float64 {
	fields := strings.Fields(valueWithUnit)
	if len(fields) > 0 {
		floatValue, err := strconv.ParseFloat(fields[0], 64)
		if err == nil {
			return floatValue
		}
	}
	return 0.0
}

// FrequencyHz canonicalizes a firmware frequency value to Hz. Firmwares
// report "549000000", "549000000 Hz", "549 MHz" or "5120 kHz" depending on
// model and page. Bare values of a million or more are taken as Hz,
// smaller bare values as MHz.
func FrequencyHz(value string) (int64, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty frequency value")
	}
	num, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("bad frequency value %q: %w", value, err)
	}
	unit := ""
	if len(fields) > 1 {
		unit = fields[1]
	}
	switch unit {
	case "Hz":
		return int64(num), nil
	case "kHz":
		return int64(num * 1e3), nil
	case "MHz":
		return int64(num * 1e6), nil
	case "":
		if num >= 1e6 {
			return int64(num), nil
		}
		return int64(num * 1e6), nil
	default:
		return 0, fmt.Errorf("unknown frequency unit in %q", value)
	}
}

var uptimeColonRegex = regexp.MustCompile(`^(\d+) days? (\d+)h:(\d+)m:(\d+)s$`)

// ParseUptime converts a modem uptime string to seconds. Two formats are
// seen in the wild: "7 days 03h:45m:12s" and "7 days 03h 45m 12s".
func ParseUptime(text string) (int64, error) {
	text = strings.TrimSpace(text)

	if m := uptimeColonRegex.FindStringSubmatch(text); m != nil {
		days, _ := strconv.Atoi(m[1])
		hours, _ := strconv.Atoi(m[2])
		minutes, _ := strconv.Atoi(m[3])
		seconds, _ := strconv.Atoi(m[4])
		return int64(days)*86400 + int64(hours)*3600 + int64(minutes)*60 + int64(seconds), nil
	}

	var days, hours, minutes, seconds int
	matched := false
	fields := strings.Fields(text)
	for i, field := range fields {
		switch {
		case field == "days" || field == "day":
			if i > 0 {
				days, _ = strconv.Atoi(fields[i-1])
				matched = true
			}
		case strings.HasSuffix(field, "h"):
			hours, _ = strconv.Atoi(strings.TrimSuffix(field, "h"))
			matched = true
		case strings.HasSuffix(field, "m"):
			minutes, _ = strconv.Atoi(strings.TrimSuffix(field, "m"))
			matched = true
		case strings.HasSuffix(field, "s"):
			seconds, _ = strconv.Atoi(strings.TrimSuffix(field, "s"))
			matched = true
		}
	}
	if !matched {
		return 0, fmt.Errorf("unrecognized uptime format %q", text)
	}
	return int64(days)*86400 + int64(hours)*3600 + int64(minutes)*60 + int64(seconds), nil
}

// GabsString reads a string value at path, without the JSON quoting.
func GabsString(input *gabs.Container, path string) string {
	output := input.Path(path).String()
	return strings.Trim(output, "\"")
}
