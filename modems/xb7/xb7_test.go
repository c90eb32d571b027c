package xb7

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstanley/cablemodem_exporter/utils"
)

func loadTestData(t *testing.T, filename string) []byte {
	data, err := os.ReadFile("test_state/" + filename)
	require.NoError(t, err, "failed to load test data: %s", filename)
	return data
}

func newTestModem(t *testing.T, host string) *Modem {
	modem, err := New(host, "admin", "password", false, utils.ModelCGM4331COM, time.Second)
	require.NoError(t, err)
	return modem
}

func TestNew_Validation(t *testing.T) {
	_, err := New("10.0.0.1", "", "", false, utils.ModelCGM4331COM, time.Second)
	assert.Error(t, err, "credentials are required")

	_, err = New("10.0.0.1", "admin", "password", false, utils.ModelMB8600, time.Second)
	assert.Error(t, err, "MB8600 is not an XB gateway")

	modem, err := New("", "admin", "password", true, utils.ModelCGM4981COM, time.Second)
	require.NoError(t, err)
	assert.Equal(t, utils.ModelCGM4981COM, modem.Model())
	assert.Equal(t, "https://10.0.0.1", modem.baseURL())
}

func TestParseStats_Preloaded(t *testing.T) {
	modem := newTestModem(t, "10.0.0.1")
	modem.Stats = loadTestData(t, "network_setup.html")
	modem.FetchTime = 17

	stats, err := modem.ParseStats()
	require.NoError(t, err)

	assert.Equal(t, utils.ModelCGM4331COM, stats.Model)
	assert.Equal(t, int64(17), stats.FetchTime)
	assert.Zero(t, stats.ParseErrors)
	assert.Equal(t, int64(5*86400+11*3600+59*60+2), stats.UptimeSeconds)

	require.Len(t, stats.DownChannels, 3)
	first := stats.DownChannels[0]
	assert.Equal(t, 1, first.Channel)
	assert.Equal(t, 11, first.ChannelID)
	assert.True(t, first.Locked)
	assert.Equal(t, int64(543000000), first.Frequency)
	assert.Equal(t, 38.9, first.SNR)
	assert.Equal(t, 2.4, first.Power)
	assert.Equal(t, "256 QAM", first.Modulation)
	assert.Equal(t, int64(120), first.Corrected)
	assert.Equal(t, int64(7), first.Uncorrectable)

	third := stats.DownChannels[2]
	assert.Equal(t, 33, third.ChannelID)
	assert.False(t, third.Locked)
	assert.Equal(t, int64(555000000), third.Frequency, "MHz value canonicalized to Hz")

	require.Len(t, stats.UpChannels, 2)
	up := stats.UpChannels[0]
	assert.Equal(t, 1, up.ChannelID)
	assert.True(t, up.Locked)
	assert.Equal(t, int64(35600000), up.Frequency)
	assert.Equal(t, 5120, up.SymbolRate)
	assert.Equal(t, 45.8, up.Power)
	assert.Equal(t, "ATDMA", up.Modulation)
}

// Some firmware renders per-channel values concatenated inside the header
// cells instead of in value cells.
func TestParseStats_ConcatenatedHeaders(t *testing.T) {
	modem := newTestModem(t, "10.0.0.1")
	modem.Stats = loadTestData(t, "network_setup_concat.html")

	stats, err := modem.ParseStats()
	require.NoError(t, err)

	assert.Equal(t, int64(5*86400+11*3600+59*60+2), stats.UptimeSeconds)

	require.Len(t, stats.DownChannels, 4)
	for i, channel := range stats.DownChannels {
		assert.Equal(t, i+1, channel.Channel)
		assert.Equal(t, i+1, channel.ChannelID)
		assert.True(t, channel.Locked)
	}
	assert.Equal(t, int64(100), stats.DownChannels[0].Corrected)
	assert.Equal(t, int64(400), stats.DownChannels[3].Corrected)
	assert.Equal(t, int64(1), stats.DownChannels[0].Uncorrectable)
	assert.Equal(t, int64(4), stats.DownChannels[3].Uncorrectable)

	require.Len(t, stats.UpChannels, 2)
	assert.Equal(t, 12, stats.UpChannels[0].ChannelID, "short digit run is kept whole")
	assert.Equal(t, 2, stats.UpChannels[1].ChannelID, "missing ID falls back to position")
}

func TestSplitChannelIDs(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   []string
	}{
		{
			name:   "separate values untouched",
			values: []string{"1", "2", "3"},
			want:   []string{"1", "2", "3"},
		},
		{
			name:   "short run untouched",
			values: []string{"123"},
			want:   []string{"123"},
		},
		{
			name:   "single digit ids",
			values: []string{"1234"},
			want:   []string{"1", "2", "3", "4"},
		},
		{
			name:   "zero padded two digit ids",
			values: []string{"010203"},
			want:   []string{"01", "02", "0", "3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitChannelIDs(tt.values))
		})
	}
}

// gatewayServer mimics the check.jst/network_setup.jst session flow.
func gatewayServer(t *testing.T, username, password string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/check.jst":
			require.NoError(t, r.ParseForm())
			if r.PostForm.Get("username") != username || r.PostForm.Get("password") != password {
				// Real gateways answer failed logins with the login page.
				w.Write([]byte("login failed"))
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "DUKSID", Value: "test-session"})
			w.Header().Set("Location", "/at_a_glance.jst")
			w.WriteHeader(http.StatusFound)
		case "/network_setup.jst":
			cookie, err := r.Cookie("DUKSID")
			if err != nil || cookie.Value != "test-session" {
				http.Error(w, "not logged in", http.StatusForbidden)
				return
			}
			w.Write(loadTestData(t, "network_setup.html"))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestParseStats_LoginAndFetch(t *testing.T) {
	server := gatewayServer(t, "admin", "password")
	defer server.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)

	modem := newTestModem(t, u.Host)
	stats, err := modem.ParseStats()
	require.NoError(t, err)
	assert.Len(t, stats.DownChannels, 3)
	assert.Len(t, stats.UpChannels, 2)
}

func TestValidate_BadCredentials(t *testing.T) {
	server := gatewayServer(t, "admin", "password")
	defer server.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)

	modem, err := New(u.Host, "admin", "wrong", false, utils.ModelCGM4331COM, time.Second)
	require.NoError(t, err)
	assert.Error(t, modem.Validate())
}
