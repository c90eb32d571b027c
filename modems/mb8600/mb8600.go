// Package mb8600 talks to the Arris/Motorola MB8600 over its HNAP1
// endpoint. The modem answers SOAP-flavored JSON: channel tables arrive as
// "|+|"-separated blobs of "^"-separated fields.
package mb8600

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	jsonpatch "github.com/evanphx/json-patch"

	"github.com/mstanley/cablemodem_exporter/utils"
)

const (
	soapAction   = `"http://purenetworks.com/HNAP1/GetMultipleHNAPs"`
	responsePath = "GetMultipleHNAPsResponse"
)

// The status sections are requested as separate HNAP calls and the JSON
// responses merged; batching everything into one call makes some firmware
// revisions time out.
var statusQueries = [][]string{
	{"GetMotoStatusStartupSequence", "GetMotoStatusConnectionInfo"},
	{"GetMotoStatusDownstreamChannelInfo"},
	{"GetMotoStatusUpstreamChannelInfo"},
}

type Modem struct {
	Host   string
	UseSSL bool
	Client *http.Client

	Stats     []byte
	FetchTime int64
}

func New(host string, useSSL bool, timeout time.Duration) *Modem {
	if host == "" {
		host = "192.168.100.1"
	}
	return &Modem{
		Host:   host,
		UseSSL: useSSL,
		Client: utils.InsecureHTTPClient(timeout),
	}
}

func (m *Modem) Model() string {
	return utils.ModelMB8600
}

func (m *Modem) ClearStats() {
	m.Stats = nil
}

func (m *Modem) endpoint() string {
	protocol := "http"
	if m.UseSSL {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s/HNAP1", protocol, m.Host)
}

func (m *Modem) hnapRequest(actions ...string) (*http.Request, error) {
	hnaps := map[string]string{}
	for _, action := range actions {
		hnaps[action] = ""
	}
	body, err := json.Marshal(map[string]interface{}{"GetMultipleHNAPs": hnaps})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, m.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("SOAPACTION", soapAction)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (m *Modem) fetch() error {
	reqs := make([]*http.Request, 0, len(statusQueries))
	for _, actions := range statusQueries {
		req, err := m.hnapRequest(actions...)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}

	merged := []byte("{}")
	for _, result := range utils.BoundedParallelDo(m.Client, reqs, len(reqs)) {
		if result.Err != nil {
			return fmt.Errorf("HNAP request failed: %w", result.Err)
		}
		body, err := io.ReadAll(result.Response.Body)
		result.Response.Body.Close()
		if err != nil {
			return err
		}
		if result.Response.StatusCode < 200 || result.Response.StatusCode >= 300 {
			return fmt.Errorf("HNAP request failed: HTTP status %d", result.Response.StatusCode)
		}
		merged, err = jsonpatch.MergeMergePatches(merged, body)
		if err != nil {
			return fmt.Errorf("merging HNAP responses: %w", err)
		}
	}

	m.Stats = merged
	return nil
}

// Validate probes the modem with a single connection-info call.
func (m *Modem) Validate() error {
	req, err := m.hnapRequest("GetMotoStatusConnectionInfo")
	if err != nil {
		return err
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HNAP probe failed: HTTP status %d", resp.StatusCode)
	}
	if _, err := gabs.ParseJSONBuffer(resp.Body); err != nil {
		return fmt.Errorf("HNAP probe returned unparseable JSON: %w", err)
	}
	return nil
}

func (m *Modem) ParseStats() (utils.ModemStats, error) {
	if m.Stats == nil {
		timeStart := time.Now().UnixMilli()
		if err := m.fetch(); err != nil {
			return utils.ModemStats{}, err
		}
		m.FetchTime = time.Now().UnixMilli() - timeStart
	}

	doc, err := gabs.ParseJSON(m.Stats)
	if err != nil {
		return utils.ModemStats{}, fmt.Errorf("parsing HNAP JSON: %w", err)
	}

	stats := utils.ModemStats{Model: m.Model(), FetchTime: m.FetchTime}

	downstream := utils.GabsString(doc, responsePath+".GetMotoStatusDownstreamChannelInfoResponse.MotoConnDownstreamChannel")
	for _, blob := range strings.Split(downstream, "|+|") {
		channel, err := parseDownstream(blob)
		if err != nil {
			stats.ParseErrors++
			continue
		}
		if channel != nil {
			stats.DownChannels = append(stats.DownChannels, *channel)
		}
	}

	upstream := utils.GabsString(doc, responsePath+".GetMotoStatusUpstreamChannelInfoResponse.MotoConnUpstreamChannel")
	for _, blob := range strings.Split(upstream, "|+|") {
		channel, err := parseUpstream(blob)
		if err != nil {
			stats.ParseErrors++
			continue
		}
		if channel != nil {
			stats.UpChannels = append(stats.UpChannels, *channel)
		}
	}

	uptimeText := utils.GabsString(doc, responsePath+".GetMotoStatusConnectionInfoResponse.MotoConnSystemUpTime")
	if uptime, err := utils.ParseUptime(uptimeText); err == nil {
		stats.UptimeSeconds = uptime
	} else {
		stats.ParseErrors++
	}

	return stats, nil
}

// parseDownstream decodes one "^"-separated downstream blob:
// index^lock^modulation^id^frequency^power^snr^corrected^uncorrectable.
// A nil channel without error means the blob was empty (trailing "|+|").
func parseDownstream(blob string) (*utils.ModemChannel, error) {
	if strings.TrimSpace(blob) == "" {
		return nil, nil
	}
	fields := strings.Split(blob, "^")
	if len(fields) < 9 {
		return nil, fmt.Errorf("downstream record has %d fields", len(fields))
	}

	index, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return nil, err
	}
	channelID, err := strconv.Atoi(strings.TrimSpace(fields[3]))
	if err != nil {
		return nil, err
	}
	frequency, err := utils.FrequencyHz(fields[4])
	if err != nil {
		return nil, err
	}
	corrected, err := strconv.ParseInt(strings.TrimSpace(fields[7]), 10, 64)
	if err != nil {
		return nil, err
	}
	uncorrectable, err := strconv.ParseInt(strings.TrimSpace(fields[8]), 10, 64)
	if err != nil {
		return nil, err
	}

	lockStatus := strings.TrimSpace(fields[1])
	return &utils.ModemChannel{
		Channel:       index,
		ChannelID:     channelID,
		LockStatus:    lockStatus,
		Locked:        lockStatus == "Locked",
		Modulation:    strings.TrimSpace(fields[2]),
		Frequency:     frequency,
		Power:         utils.ExtractFloatValue(fields[5]),
		SNR:           utils.ExtractFloatValue(fields[6]),
		Corrected:     corrected,
		Uncorrectable: uncorrectable,
	}, nil
}

// parseUpstream decodes one upstream blob:
// index^lock^channeltype^id^symbolrate^frequency^power.
func parseUpstream(blob string) (*utils.ModemChannel, error) {
	if strings.TrimSpace(blob) == "" {
		return nil, nil
	}
	fields := strings.Split(blob, "^")
	if len(fields) < 7 {
		return nil, fmt.Errorf("upstream record has %d fields", len(fields))
	}

	index, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return nil, err
	}
	channelID, err := strconv.Atoi(strings.TrimSpace(fields[3]))
	if err != nil {
		return nil, err
	}
	frequency, err := utils.FrequencyHz(fields[5])
	if err != nil {
		return nil, err
	}

	lockStatus := strings.TrimSpace(fields[1])
	return &utils.ModemChannel{
		Channel:    index,
		ChannelID:  channelID,
		LockStatus: lockStatus,
		Locked:     lockStatus == "Locked",
		Modulation: strings.TrimSpace(fields[2]),
		SymbolRate: utils.ExtractIntValue(fields[4]),
		Frequency:  frequency,
		Power:      utils.ExtractFloatValue(fields[6]),
	}, nil
}
