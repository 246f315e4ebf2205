package band

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Plan holds the per-region channel and datarate rules consulted for every
// outbound transmission. Plans are immutable after load.
type Plan struct {
	Name             string        `yaml:"name"`
	UplinkChannels   []Channel     `yaml:"uplink_channels"`
	DownlinkChannels []Channel     `yaml:"downlink_channels"`
	DataRates        []DataRate    `yaml:"data_rates"`
	MaxEIRP          int           `yaml:"max_eirp"` // dBm
	DutyCycleRatio   float64       `yaml:"duty_cycle_ratio"`
	RX1Delay         time.Duration `yaml:"rx1_delay"`
	RX2Delay         time.Duration `yaml:"rx2_delay"`
	RX2Frequency     uint32        `yaml:"rx2_frequency"`
	RX2DataRate      string        `yaml:"rx2_data_rate"`
}

// Channel is a single transmit or receive channel.
type Channel struct {
	Frequency uint32 `yaml:"frequency"`
	MinDR     int    `yaml:"min_dr"`
	MaxDR     int    `yaml:"max_dr"`
}

// DataRate is a LoRa spreading factor / bandwidth pair.
type DataRate struct {
	SpreadFactor int `yaml:"spread_factor"`
	Bandwidth    int `yaml:"bandwidth"` // kHz
}

// String renders the Semtech datarate identifier, e.g. SF7BW125.
func (d DataRate) String() string {
	return fmt.Sprintf("SF%dBW%d", d.SpreadFactor, d.Bandwidth)
}

// ParseDataRate parses a Semtech datarate identifier.
func ParseDataRate(s string) (DataRate, error) {
	rest, ok := strings.CutPrefix(strings.ToUpper(s), "SF")
	if !ok {
		return DataRate{}, fmt.Errorf("invalid datarate %q", s)
	}
	sfStr, bwStr, ok := strings.Cut(rest, "BW")
	if !ok {
		return DataRate{}, fmt.Errorf("invalid datarate %q", s)
	}
	sf, err := strconv.Atoi(sfStr)
	if err != nil {
		return DataRate{}, fmt.Errorf("invalid datarate %q", s)
	}
	bw, err := strconv.Atoi(bwStr)
	if err != nil {
		return DataRate{}, fmt.Errorf("invalid datarate %q", s)
	}
	if sf < 5 || sf > 12 || bw <= 0 {
		return DataRate{}, fmt.Errorf("datarate %q out of range", s)
	}
	return DataRate{SpreadFactor: sf, Bandwidth: bw}, nil
}

// Validate reports whether a downlink on the given frequency and datarate is
// allowed by this plan. Unknown frequencies and datarates are rejected.
func (p *Plan) Validate(frequency uint32, datarate string) bool {
	dr, err := ParseDataRate(datarate)
	if err != nil {
		return false
	}
	if !p.hasDataRate(dr) {
		return false
	}
	if frequency == p.RX2Frequency {
		return true
	}
	for _, ch := range p.DownlinkChannels {
		if ch.Frequency == frequency {
			return true
		}
	}
	return false
}

func (p *Plan) hasDataRate(dr DataRate) bool {
	for _, known := range p.DataRates {
		if known == dr {
			return true
		}
	}
	return false
}

// TimeOnAir estimates the LoRa airtime for a payload of the given size at
// the given datarate, used for duty-cycle accounting. Assumes explicit
// header, CR 4/5, preamble of 8 symbols, and low datarate optimization for
// SF11/SF12 at 125 kHz.
func TimeOnAir(payloadSize int, dr DataRate) time.Duration {
	sf := float64(dr.SpreadFactor)
	bw := float64(dr.Bandwidth) * 1000
	symbolTime := math.Pow(2, sf) / bw // seconds

	de := 0.0
	if dr.Bandwidth == 125 && dr.SpreadFactor >= 11 {
		de = 1.0
	}
	numerator := 8*float64(payloadSize) - 4*sf + 28 + 16
	denominator := 4 * (sf - 2*de)
	payloadSymbols := 8 + math.Max(math.Ceil(numerator/denominator)*5, 0)

	preamble := (8 + 4.25) * symbolTime
	payload := payloadSymbols * symbolTime
	return time.Duration((preamble + payload) * float64(time.Second))
}
