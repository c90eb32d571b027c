package utils

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUptime(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    int64
		wantErr bool
	}{
		{
			name: "colon format",
			text: "7 days 03h:45m:12s",
			want: 7*86400 + 3*3600 + 45*60 + 12,
		},
		{
			name: "space format",
			text: "7 days 03h 45m 12s",
			want: 7*86400 + 3*3600 + 45*60 + 12,
		},
		{
			name: "zero days",
			text: "0 days 00h:05m:01s",
			want: 5*60 + 1,
		},
		{
			name: "surrounding whitespace",
			text: "  12 days 00h:00m:00s ",
			want: 12 * 86400,
		},
		{
			name:    "garbage",
			text:    "not an uptime",
			wantErr: true,
		},
		{
			name:    "empty",
			text:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUptime(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFrequencyHz(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    int64
		wantErr bool
	}{
		{name: "bare hertz", value: "549000000", want: 549000000},
		{name: "explicit hertz", value: "549000000 Hz", want: 549000000},
		{name: "megahertz", value: "543 MHz", want: 543000000},
		{name: "fractional megahertz", value: "543.5 MHz", want: 543500000},
		{name: "kilohertz", value: "35600 kHz", want: 35600000},
		{name: "bare megahertz", value: "543", want: 543000000},
		{name: "leading whitespace", value: " 549000000", want: 549000000},
		{name: "unknown unit", value: "543 GHz", wantErr: true},
		{name: "not a number", value: "n/a", wantErr: true},
		{name: "empty", value: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FrequencyHz(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractValues(t *testing.T) {
	assert.Equal(t, 5120, ExtractIntValue("5120 Ksym/s"))
	assert.Equal(t, 5120, ExtractIntValue("5120"))
	assert.Equal(t, 0, ExtractIntValue("n/a"))
	assert.Equal(t, 0, ExtractIntValue(""))

	assert.Equal(t, -2.7, ExtractFloatValue("-2.7 dBmV"))
	assert.Equal(t, 40.9, ExtractFloatValue("40.9 dB"))
	assert.Equal(t, 3.0, ExtractFloatValue(" 3 "))
	assert.Equal(t, 0.0, ExtractFloatValue("dB"))
}

func TestBoundedParallelDo(t *testing.T) {
	var inFlight, maxInFlight int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			max := atomic.LoadInt32(&maxInFlight)
			if current <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, current) {
				break
			}
		}
		w.Write([]byte(r.URL.Path))
	}))
	defer server.Close()

	reqs := make([]*http.Request, 6)
	for i := range reqs {
		req, err := http.NewRequest(http.MethodGet, server.URL+"/"+string(rune('a'+i)), nil)
		require.NoError(t, err)
		reqs[i] = req
	}

	results := BoundedParallelDo(server.Client(), reqs, 2)
	require.Len(t, results, 6)

	seen := map[int]bool{}
	for _, result := range results {
		require.NoError(t, result.Err)
		result.Response.Body.Close()
		seen[result.Index] = true
	}
	assert.Len(t, seen, 6, "every request should report exactly once")
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(2))
}
