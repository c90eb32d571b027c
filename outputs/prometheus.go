package outputs

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/log"

	"github.com/mstanley/cablemodem_exporter/utils"
)

const namespace = "cablemodem"

var channelLabelNames = []string{"channel", "id", "modulation"}

func newChannelMetric(subsystem, name, docString string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), docString, channelLabelNames, nil)
}

var (
	upMetric = prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "up"),
		"Was the last refresh of the cable modem successful.", nil, nil)
	uptimeMetric = prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "uptime_seconds"),
		"System uptime reported by the modem.", nil, nil)
	fetchTimeMetric = prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "fetch_duration_milliseconds"),
		"Time taken to fetch statistics from the modem.", nil, nil)

	downLocked        = newChannelMetric("downstream", "locked", "Downstream channel lock status (1=locked).")
	downFrequency     = newChannelMetric("downstream", "frequency_hz", "Downstream center frequency.")
	downPower         = newChannelMetric("downstream", "power_dbmv", "Downstream receive power level.")
	downSNR           = newChannelMetric("downstream", "snr_db", "Downstream signal-to-noise ratio.")
	downCorrected     = newChannelMetric("downstream", "corrected_codewords_total", "Downstream corrected codewords.")
	downUncorrectable = newChannelMetric("downstream", "uncorrectable_codewords_total", "Downstream uncorrectable codewords.")

	upLocked     = newChannelMetric("upstream", "locked", "Upstream channel lock status (1=locked).")
	upFrequency  = newChannelMetric("upstream", "frequency_hz", "Upstream center frequency.")
	upPower      = newChannelMetric("upstream", "power_dbmv", "Upstream transmit power level.")
	upSymbolRate = newChannelMetric("upstream", "symbol_rate_ksps", "Upstream symbol rate.")
)

// Exporter implements prometheus.Collector by refreshing the modem on
// every scrape. Polling cadence is the Prometheus server's business.
type Exporter struct {
	modem utils.CableModem
	mutex sync.Mutex

	totalScrapes          prometheus.Counter
	parseFailures         *prometheus.CounterVec
	clientRequestCount    *prometheus.CounterVec
	clientRequestDuration *prometheus.HistogramVec
}

// NewExporter wraps the modem in a collector. When client is non-nil its
// transport is instrumented so requests to the modem show up in the
// exporter's own metrics.
func NewExporter(modem utils.CableModem, client *http.Client) *Exporter {
	clientRequestCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exporter_client_requests_total",
		Help:      "HTTP requests to the modem.",
	}, []string{"code", "method"})

	clientRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "exporter_client_request_duration_seconds",
		Help:      "Histogram of modem HTTP request latencies.",
	}, []string{"code", "method"})

	if client != nil {
		transport := client.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		client.Transport = promhttp.InstrumentRoundTripperCounter(clientRequestCount,
			promhttp.InstrumentRoundTripperDuration(clientRequestDuration, transport))
	}

	return &Exporter{
		modem: modem,
		totalScrapes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exporter_scrapes_total",
			Help:      "Total modem refreshes.",
		}),
		parseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exporter_parse_errors_total",
			Help:      "Number of records skipped while parsing modem responses.",
		}, []string{"model"}),
		clientRequestCount:    clientRequestCount,
		clientRequestDuration: clientRequestDuration,
	}
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- upMetric
	ch <- uptimeMetric
	ch <- fetchTimeMetric
	ch <- downLocked
	ch <- downFrequency
	ch <- downPower
	ch <- downSNR
	ch <- downCorrected
	ch <- downUncorrectable
	ch <- upLocked
	ch <- upFrequency
	ch <- upPower
	ch <- upSymbolRate

	ch <- e.totalScrapes.Desc()
	e.parseFailures.Describe(ch)
	e.clientRequestCount.Describe(ch)
	e.clientRequestDuration.Describe(ch)
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.totalScrapes.Inc()
	utils.ResetStats(e.modem)
	stats, err := utils.FetchStats(e.modem)
	if err != nil {
		log.Errorln("refreshing modem stats:", err)
		ch <- prometheus.MustNewConstMetric(upMetric, prometheus.GaugeValue, 0)
	} else {
		ch <- prometheus.MustNewConstMetric(upMetric, prometheus.GaugeValue, 1)
		e.collectStats(ch, stats)
	}

	ch <- e.totalScrapes
	e.parseFailures.Collect(ch)
	e.clientRequestCount.Collect(ch)
	e.clientRequestDuration.Collect(ch)
}

func (e *Exporter) collectStats(ch chan<- prometheus.Metric, stats utils.ModemStats) {
	if stats.ParseErrors > 0 {
		e.parseFailures.WithLabelValues(stats.Model).Add(float64(stats.ParseErrors))
	}

	for _, c := range stats.DownChannels {
		labels := []string{strconv.Itoa(c.Channel), strconv.Itoa(c.ChannelID), c.Modulation}
		ch <- prometheus.MustNewConstMetric(downLocked, prometheus.GaugeValue, boolValue(c.Locked), labels...)
		ch <- prometheus.MustNewConstMetric(downFrequency, prometheus.GaugeValue, float64(c.Frequency), labels...)
		ch <- prometheus.MustNewConstMetric(downPower, prometheus.GaugeValue, c.Power, labels...)
		ch <- prometheus.MustNewConstMetric(downSNR, prometheus.GaugeValue, c.SNR, labels...)
		ch <- prometheus.MustNewConstMetric(downCorrected, prometheus.CounterValue, float64(c.Corrected), labels...)
		ch <- prometheus.MustNewConstMetric(downUncorrectable, prometheus.CounterValue, float64(c.Uncorrectable), labels...)
	}

	for _, c := range stats.UpChannels {
		labels := []string{strconv.Itoa(c.Channel), strconv.Itoa(c.ChannelID), c.Modulation}
		ch <- prometheus.MustNewConstMetric(upLocked, prometheus.GaugeValue, boolValue(c.Locked), labels...)
		ch <- prometheus.MustNewConstMetric(upFrequency, prometheus.GaugeValue, float64(c.Frequency), labels...)
		ch <- prometheus.MustNewConstMetric(upPower, prometheus.GaugeValue, c.Power, labels...)
		if c.SymbolRate > 0 {
			ch <- prometheus.MustNewConstMetric(upSymbolRate, prometheus.GaugeValue, float64(c.SymbolRate), labels...)
		}
	}

	ch <- prometheus.MustNewConstMetric(uptimeMetric, prometheus.GaugeValue, float64(stats.UptimeSeconds))
	ch <- prometheus.MustNewConstMetric(fetchTimeMetric, prometheus.GaugeValue, float64(stats.FetchTime))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
