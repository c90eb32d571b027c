package utils

// Modem models accepted by the configuration surface. CGM4331COM and
// CGM4981COM are the Xfinity XB7 and XB8 gateways, which share a firmware
// surface and are handled by the same client.
const (
	ModelMB8600     = "MB8600"
	ModelCGM4331COM = "CGM4331COM"
	ModelCGM4981COM = "CGM4981COM"
)

var SupportedModels = []string{ModelMB8600, ModelCGM4331COM, ModelCGM4981COM}

// ModemChannel holds the signal statistics of a single downstream or
// upstream RF channel. Frequency is canonicalized to Hz regardless of the
// unit the firmware reports.
type ModemChannel struct {
	Channel    int // 1-based position in the status table
	ChannelID  int
	LockStatus string
	Locked     bool
	Modulation string
	Frequency  int64   // Hz
	Power      float64 // dBmV

	// Downstream only
	SNR           float64 // dB
	Corrected     int64   // codewords
	Uncorrectable int64   // codewords

	// Upstream only
	SymbolRate int // Ksym/s
}

type ModemStats struct {
	DownChannels  []ModemChannel
	UpChannels    []ModemChannel
	UptimeSeconds int64
	FetchTime     int64 // ms
	Model         string

	// ParseErrors counts records that were skipped because they could not
	// be decoded. A refresh with skipped records still succeeds.
	ParseErrors int
}

// CableModem is implemented once per supported modem model.
type CableModem interface {
	// ParseStats returns the current channel statistics, fetching from the
	// modem when no payload is cached.
	ParseStats() (ModemStats, error)
	// ClearStats drops the cached payload so the next ParseStats refetches.
	ClearStats()
	// Model returns the configured model identifier.
	Model() string
	// Validate probes the modem with the same request path used for a
	// refresh. Used as a startup connection check.
	Validate() error
}

func FetchStats(modem CableModem) (ModemStats, error) {
	return modem.ParseStats()
}

func ResetStats(modem CableModem) {
	modem.ClearStats()
}
