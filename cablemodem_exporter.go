package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/log"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/mstanley/cablemodem_exporter/modems/mb8600"
	"github.com/mstanley/cablemodem_exporter/modems/xb7"
	"github.com/mstanley/cablemodem_exporter/outputs"
	"github.com/mstanley/cablemodem_exporter/utils"
)

const exporterName = "cablemodem_exporter"

// newModem builds the model-specific client. The returned http.Client is
// the one the modem talks through, handed back so it can be instrumented.
func newModem(model, host, username, password string, useSSL bool, timeout time.Duration) (utils.CableModem, *http.Client, error) {
	switch model {
	case utils.ModelMB8600:
		m := mb8600.New(host, useSSL, timeout)
		return m, m.Client, nil
	case utils.ModelCGM4331COM, utils.ModelCGM4981COM:
		m, err := xb7.New(host, username, password, useSSL, model, timeout)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Client, nil
	}
	return nil, nil, fmt.Errorf("unsupported modem model %q", model)
}

func main() {
	var (
		listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").Default(":9810").OverrideDefaultFromEnvar("CABLEMODEM_EXPORTER_PORT").String()
		metricsPath   = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()

		modemHost     = kingpin.Flag("modem.host", "Hostname or IP of the cable modem.").Default("192.168.100.1").OverrideDefaultFromEnvar("CABLEMODEM_HOST").String()
		modemModel    = kingpin.Flag("modem.model", "Modem model, one of MB8600, CGM4331COM, CGM4981COM.").Required().Enum(utils.SupportedModels...)
		modemUsername = kingpin.Flag("modem.username", "Management interface username (CGM models).").OverrideDefaultFromEnvar("CABLEMODEM_USERNAME").String()
		modemPassword = kingpin.Flag("modem.password", "Management interface password (CGM models).").OverrideDefaultFromEnvar("CABLEMODEM_PASSWORD").String()
		modemSSL      = kingpin.Flag("modem.ssl", "Use HTTPS towards the modem.").Default("true").Bool()
		modemTimeout  = kingpin.Flag("modem.timeout", "Timeout for HTTP requests to the modem.").Default("10s").OverrideDefaultFromEnvar("CABLEMODEM_TIMEOUT").Duration()
		scanInterval  = kingpin.Flag("modem.scan-interval", "Refresh interval for the MQTT publisher, minimum 1m.").Default("5m").OverrideDefaultFromEnvar("CABLEMODEM_SCAN_INTERVAL").Duration()

		mqttBroker          = kingpin.Flag("mqtt.broker", "MQTT broker URL, e.g. tcp://localhost:1883. Empty disables the Home Assistant publisher.").OverrideDefaultFromEnvar("CABLEMODEM_MQTT_BROKER").String()
		mqttUsername        = kingpin.Flag("mqtt.username", "MQTT username.").OverrideDefaultFromEnvar("CABLEMODEM_MQTT_USERNAME").String()
		mqttPassword        = kingpin.Flag("mqtt.password", "MQTT password.").OverrideDefaultFromEnvar("CABLEMODEM_MQTT_PASSWORD").String()
		mqttClientID        = kingpin.Flag("mqtt.client-id", "MQTT client identifier.").Default(exporterName).String()
		mqttTopicPrefix     = kingpin.Flag("mqtt.topic-prefix", "Prefix for state topics.").Default("cablemodem").String()
		mqttDiscoveryPrefix = kingpin.Flag("mqtt.discovery-prefix", "Home Assistant discovery prefix.").Default("homeassistant").String()
	)

	log.AddFlags(kingpin.CommandLine)
	kingpin.Version(version.Print(exporterName))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	if *scanInterval < time.Minute {
		log.Fatalf("--modem.scan-interval must be at least 1m, got %s", *scanInterval)
	}

	log.Infoln("Starting", exporterName, version.Info())
	log.Infoln("Build context", version.BuildContext())

	modem, client, err := newModem(*modemModel, *modemHost, *modemUsername, *modemPassword, *modemSSL, *modemTimeout)
	if err != nil {
		log.Fatal(err)
	}

	log.Infoln("Checking connection to", *modemModel, "at", *modemHost)
	if err := modem.Validate(); err != nil {
		log.Fatalln("Connection check failed:", err)
	}

	exporter := outputs.NewExporter(modem, client)
	prometheus.MustRegister(exporter)
	prometheus.MustRegister(version.NewCollector(exporterName))

	if *mqttBroker != "" {
		// The publisher polls on its own ticker, so it gets its own modem
		// instance instead of racing the Prometheus collector for the
		// cached payload.
		haModem, _, err := newModem(*modemModel, *modemHost, *modemUsername, *modemPassword, *modemSSL, *modemTimeout)
		if err != nil {
			log.Fatal(err)
		}
		publisher := outputs.NewHAPublisher(haModem, *modemHost, outputs.MQTTConfig{
			Broker:          *mqttBroker,
			Username:        *mqttUsername,
			Password:        *mqttPassword,
			ClientID:        *mqttClientID,
			TopicPrefix:     *mqttTopicPrefix,
			DiscoveryPrefix: *mqttDiscoveryPrefix,
		})
		if err := publisher.Start(*scanInterval); err != nil {
			log.Fatal(err)
		}
		log.Infoln("Publishing Home Assistant discovery to", *mqttBroker, "every", *scanInterval)
	}

	log.Infoln("Listening on", *listenAddress)
	http.Handle(*metricsPath, promhttp.Handler())
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
             <head><title>Cable Modem Exporter</title></head>
             <body>
             <h1>Cable Modem Exporter</h1>
             <p><a href='` + *metricsPath + `'>Metrics</a></p>
             </body>
             </html>`))
	})
	log.Fatal(http.ListenAndServe(*listenAddress, nil))
}
