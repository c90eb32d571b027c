// Package xb7 scrapes the Xfinity XB7 (CGM4331COM) and XB8 (CGM4981COM)
// gateways. Both render the same network_setup.jst status page behind a
// cookie-session login, with channel statistics in field-per-row HTML
// tables.
package xb7

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/mstanley/cablemodem_exporter/utils"
)

type Modem struct {
	Host     string
	Username string
	Password string
	UseSSL   bool
	Client   *http.Client

	model     string
	Stats     []byte
	FetchTime int64
}

func New(host, username, password string, useSSL bool, model string, timeout time.Duration) (*Modem, error) {
	if model != utils.ModelCGM4331COM && model != utils.ModelCGM4981COM {
		return nil, fmt.Errorf("model %q is not an XB7/XB8 gateway", model)
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required for %s", model)
	}
	if host == "" {
		host = "10.0.0.1"
	}

	client := utils.InsecureHTTPClient(timeout)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.Jar = jar
	// The login endpoint answers with a redirect carrying the session
	// cookie; following it would eat the status code we check for.
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Modem{
		Host:     host,
		Username: username,
		Password: password,
		UseSSL:   useSSL,
		Client:   client,
		model:    model,
	}, nil
}

func (m *Modem) Model() string {
	return m.model
}

func (m *Modem) ClearStats() {
	m.Stats = nil
}

func (m *Modem) baseURL() string {
	protocol := "http"
	if m.UseSSL {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s", protocol, m.Host)
}

// login posts the credentials form to check.jst. Success is a redirect
// that sets the session cookie; any other status is an auth failure.
func (m *Modem) login() error {
	form := url.Values{
		"username": {m.Username},
		"password": {m.Password},
	}
	resp, err := m.Client.PostForm(m.baseURL()+"/check.jst", form)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMovedPermanently && resp.StatusCode != http.StatusFound {
		return fmt.Errorf("authentication failed: HTTP status %d", resp.StatusCode)
	}
	if len(resp.Cookies()) == 0 {
		return fmt.Errorf("authentication succeeded but no session cookie received")
	}
	return nil
}

func (m *Modem) fetchPage() ([]byte, error) {
	resp, err := m.Client.Get(m.baseURL() + "/network_setup.jst")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching status page: HTTP status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (m *Modem) Validate() error {
	if err := m.login(); err != nil {
		return err
	}
	_, err := m.fetchPage()
	return err
}

func (m *Modem) ParseStats() (utils.ModemStats, error) {
	if m.Stats == nil {
		timeStart := time.Now().UnixMilli()
		if err := m.login(); err != nil {
			return utils.ModemStats{}, err
		}
		page, err := m.fetchPage()
		if err != nil {
			return utils.ModemStats{}, err
		}
		m.Stats = page
		m.FetchTime = time.Now().UnixMilli() - timeStart
	}

	doc, err := html.Parse(bytes.NewReader(m.Stats))
	if err != nil {
		return utils.ModemStats{}, fmt.Errorf("parsing status page: %w", err)
	}

	stats := utils.ModemStats{Model: m.model, FetchTime: m.FetchTime}

	tables := utils.FieldTables(doc)
	if len(tables) < 3 {
		return utils.ModemStats{}, fmt.Errorf("status page has %d tables, want at least 3", len(tables))
	}

	stats.DownChannels = downstreamChannels(tables[0], &stats.ParseErrors)
	stats.UpChannels = upstreamChannels(tables[1], &stats.ParseErrors)
	applyCodewordErrors(stats.DownChannels, tables[2])

	uptimeText := utils.SpanValueAfter(doc, "System Uptime:")
	if uptime, err := utils.ParseUptime(uptimeText); err == nil {
		stats.UptimeSeconds = uptime
	} else {
		stats.ParseErrors++
	}

	return stats, nil
}

var digitsRegex = regexp.MustCompile(`[0-9]+`)

// rowValues returns the per-channel values of a table row, falling back to
// the digit runs embedded in the header cell when the firmware rendered no
// value cells.
func rowValues(row utils.FieldRow) []string {
	if len(row.Values) > 0 {
		return row.Values
	}
	return digitsRegex.FindAllString(row.Raw, -1)
}

// splitChannelIDs recovers individual channel IDs from firmware that
// renders them as one concatenated digit run. Scanning left to right, two
// digits are taken when the three-digit lookahead reads below 100,
// otherwise one.
func splitChannelIDs(values []string) []string {
	if len(values) != 1 || len(values[0]) <= 3 {
		return values
	}
	run := values[0]
	var ids []string
	i := 0
	for i < len(run) {
		if i+2 < len(run) {
			if lookahead, err := strconv.Atoi(run[i : i+3]); err == nil && lookahead < 100 {
				ids = append(ids, run[i:i+2])
				i += 2
				continue
			}
		}
		ids = append(ids, run[i:i+1])
		i++
	}
	return ids
}

// splitCounterRun splits a concatenated digit run of per-channel counters
// into count equal-width chunks. Used for the codeword error rows, where
// the per-channel widths are unknowable but the channel count is.
func splitCounterRun(raw string, count int) []string {
	run := strings.Join(digitsRegex.FindAllString(raw, -1), "")
	if count <= 0 || run == "" {
		return nil
	}
	chunk := len(run) / count
	if chunk == 0 {
		return digitsRegex.FindAllString(raw, -1)
	}
	var values []string
	for i := 0; i < len(run); i += chunk {
		end := i + chunk
		if end > len(run) {
			end = len(run)
		}
		values = append(values, run[i:end])
	}
	return values
}

func channelCount(table utils.FieldTable) int {
	count := 0
	for _, row := range table {
		if n := len(rowValues(row)); n > count {
			count = n
		}
	}
	return count
}

// newChannels builds 1-based channel skeletons, taking channel IDs from
// the Channel ID row and falling back to the position when absent.
func newChannels(table utils.FieldTable, count int) []utils.ModemChannel {
	ids := splitChannelIDs(rowValues(table["Channel ID"]))
	channels := make([]utils.ModemChannel, count)
	for i := range channels {
		channels[i].Channel = i + 1
		channels[i].ChannelID = i + 1
		if i < len(ids) {
			if id, err := strconv.Atoi(ids[i]); err == nil {
				channels[i].ChannelID = id
			}
		}
	}
	return channels
}

func downstreamChannels(table utils.FieldTable, parseErrors *int) []utils.ModemChannel {
	count := channelCount(table)
	if count == 0 {
		return nil
	}
	channels := newChannels(table, count)

	for header, row := range table {
		if header == "Channel ID" {
			continue
		}
		for i, value := range rowValues(row) {
			if i >= len(channels) {
				break
			}
			switch header {
			case "Lock Status":
				channels[i].LockStatus = value
				channels[i].Locked = value == "Locked"
			case "Frequency":
				if frequency, err := utils.FrequencyHz(value); err == nil {
					channels[i].Frequency = frequency
				} else {
					*parseErrors++
				}
			case "SNR":
				channels[i].SNR = utils.ExtractFloatValue(value)
			case "Power Level":
				channels[i].Power = utils.ExtractFloatValue(value)
			case "Modulation":
				channels[i].Modulation = value
			}
		}
	}
	return channels
}

func upstreamChannels(table utils.FieldTable, parseErrors *int) []utils.ModemChannel {
	count := channelCount(table)
	if count == 0 {
		return nil
	}
	channels := newChannels(table, count)

	for header, row := range table {
		if header == "Channel ID" {
			continue
		}
		for i, value := range rowValues(row) {
			if i >= len(channels) {
				break
			}
			switch header {
			case "Lock Status":
				channels[i].LockStatus = value
				channels[i].Locked = value == "Locked"
			case "Frequency":
				if frequency, err := utils.FrequencyHz(value); err == nil {
					channels[i].Frequency = frequency
				} else {
					*parseErrors++
				}
			case "Symbol Rate":
				channels[i].SymbolRate = utils.ExtractIntValue(value)
			case "Power Level":
				channels[i].Power = utils.ExtractFloatValue(value)
			case "Modulation":
				channels[i].Modulation = value
			}
		}
	}
	return channels
}

// applyCodewordErrors maps the third table's error counters onto the
// downstream channels by position.
func applyCodewordErrors(channels []utils.ModemChannel, table utils.FieldTable) {
	count := len(splitChannelIDs(rowValues(table["Channel ID"])))
	if count == 0 {
		count = len(channels)
	}

	counters := func(header string) []string {
		row := table[header]
		if len(row.Values) > 0 {
			return row.Values
		}
		return splitCounterRun(row.Raw, count)
	}

	for i, value := range counters("Correctable Codewords") {
		if i >= len(channels) {
			break
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			channels[i].Corrected = n
		}
	}
	for i, value := range counters("Uncorrectable Codewords") {
		if i >= len(channels) {
			break
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			channels[i].Uncorrectable = n
		}
	}
}
