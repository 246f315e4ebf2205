package band

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataRate(t *testing.T) {
	dr, err := ParseDataRate("SF7BW125")
	require.NoError(t, err)
	assert.Equal(t, 7, dr.SpreadFactor)
	assert.Equal(t, 125, dr.Bandwidth)
	assert.Equal(t, "SF7BW125", dr.String())

	dr, err = ParseDataRate("sf12bw500")
	require.NoError(t, err)
	assert.Equal(t, 12, dr.SpreadFactor)
	assert.Equal(t, 500, dr.Bandwidth)

	for _, bad := range []string{"", "SF7", "BW125", "SF0BW125", "SFxBW125", "SF7BWy"} {
		_, err := ParseDataRate(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolveFailClosed(t *testing.T) {
	table := Default()

	plan, err := table.Resolve("EU868")
	require.NoError(t, err)
	assert.Equal(t, "EU868", plan.Name)

	// No fallback to a default region: unknown regions resolve to nothing.
	_, err = table.Resolve("XX000")
	require.ErrorIs(t, err, ErrRegionNotFound)
}

func TestPlanValidate(t *testing.T) {
	table := Default()
	plan, err := table.Resolve("EU868")
	require.NoError(t, err)

	assert.True(t, plan.Validate(868100000, "SF7BW125"))
	assert.True(t, plan.Validate(plan.RX2Frequency, "SF12BW125"))

	// Off-plan frequency, unknown datarate, garbage datarate.
	assert.False(t, plan.Validate(915000000, "SF7BW125"))
	assert.False(t, plan.Validate(868100000, "SF6BW125"))
	assert.False(t, plan.Validate(868100000, "fast"))
}

func TestLoadOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yml")
	content := `
plans:
  - name: TEST915
    downlink_channels:
      - frequency: 915200000
        min_dr: 0
        max_dr: 5
    data_rates:
      - spread_factor: 9
        bandwidth: 125
    duty_cycle_ratio: 0.1
    rx1_delay: 1s
    rx2_delay: 2s
    rx2_frequency: 915900000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	table, err := Load(path)
	require.NoError(t, err)

	plan, err := table.Resolve("TEST915")
	require.NoError(t, err)
	assert.True(t, plan.Validate(915200000, "SF9BW125"))
	assert.False(t, plan.Validate(915200000, "SF7BW125"))

	// Built-ins survive the overlay.
	_, err = table.Resolve("EU868")
	require.NoError(t, err)
}

func TestLoadRejectsNamelessPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yml")
	require.NoError(t, os.WriteFile(path, []byte("plans:\n  - duty_cycle_ratio: 0.5\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestTimeOnAir(t *testing.T) {
	fast := TimeOnAir(51, DataRate{SpreadFactor: 7, Bandwidth: 125})
	slow := TimeOnAir(51, DataRate{SpreadFactor: 12, Bandwidth: 125})

	assert.Greater(t, fast, 50*time.Millisecond)
	assert.Less(t, fast, 200*time.Millisecond)
	// Higher spreading factors stay on air far longer.
	assert.Greater(t, slow, 10*fast)

	// Bigger payloads take longer at the same datarate.
	small := TimeOnAir(10, DataRate{SpreadFactor: 9, Bandwidth: 125})
	big := TimeOnAir(200, DataRate{SpreadFactor: 9, Bandwidth: 125})
	assert.Greater(t, big, small)
}
