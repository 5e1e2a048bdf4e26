package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opendgram/snp/snpcrypto"
	"github.com/stretchr/testify/require"
)

func TestDefaultRatesAreWithinClampBounds(t *testing.T) {
	cfg := Default()
	require.Equal(t, minRateBps, clampRate(cfg.SendRateMin))
	require.Less(t, cfg.SendRateMax, maxRateBps)
}

func TestClampRateBounds(t *testing.T) {
	require.Equal(t, minRateBps, clampRate(0))
	require.Equal(t, maxRateBps, clampRate(maxRateBps*2))
	require.Equal(t, 5000.0, clampRate(5000))
}

func TestLoadDecodesTOMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snp.toml")
	contents := `
SendBufferSize = 1048576
SendRateMax = 2048000
MTU_PacketSize = 1400
LogLevel = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1048576, cfg.SendBufferSize)
	require.Equal(t, 2048000.0, cfg.SendRateMax)
	require.Equal(t, 1400, cfg.MTUPacketSize)
	require.Equal(t, "debug", cfg.LogLevel)
	// Fields absent from the file keep Default()'s seed value.
	require.Equal(t, Default().NagleTimeUsec, cfg.NagleTimeUsec)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestConnConfigDerivesSizesFromMTU(t *testing.T) {
	cfg := Default()
	cfg.MTUPacketSize = 1280

	cc := cfg.ConnConfig(snpcrypto.CipherAES256GCM)
	require.Equal(t, 1280, cc.MTUPacketSize)
	require.Equal(t, 1280-48, cc.MaxUnreliableMsg)
	require.Equal(t, 1280-48-16, cc.MaxReliableSegment)
	require.Less(t, cc.MaxReliableSegment, cc.MaxUnreliableMsg)
}

func TestConnConfigFloorsMaxPlaintextAtMinimum(t *testing.T) {
	cfg := Default()
	cfg.MTUPacketSize = 100 // far below the 48-byte allowance plus the 256 floor

	cc := cfg.ConnConfig(snpcrypto.CipherNull)
	require.Equal(t, 256, cc.MaxUnreliableMsg)
}

func TestConnConfigDefaultsMTUWhenUnset(t *testing.T) {
	cfg := Default()
	cfg.MTUPacketSize = 0

	cc := cfg.ConnConfig(snpcrypto.CipherNull)
	require.Equal(t, 1280, cc.MTUPacketSize)
}

func TestConnConfigClampsRates(t *testing.T) {
	cfg := Default()
	cfg.SendRateMin = 1
	cfg.SendRateMax = maxRateBps * 10

	cc := cfg.ConnConfig(snpcrypto.CipherNull)
	require.Equal(t, minRateBps, cc.RateMin)
	require.Equal(t, maxRateBps, cc.RateMax)
}

func TestFakeNetworkExtractsSimulationKnobs(t *testing.T) {
	cfg := Default()
	cfg.FakePacketLossSend = 0.5
	cfg.FakePacketLagRecvMs = 20
	cfg.FakeRateLimitSendBurst = 4

	fn := cfg.FakeNetwork()
	require.Equal(t, 0.5, fn.LossSendPct)
	require.EqualValues(t, 20_000_000, fn.LagRecv)
	require.Equal(t, 4, fn.RateLimitSendBurst)
}
