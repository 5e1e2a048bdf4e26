// Package config implements the §6 "Configuration" registry: a typed set
// of per-connection tunables, loadable from TOML, that spec.md §1 treats
// as an external collaborator ("configuration value registry") the core
// only consumes through plain struct fields.
//
// No single teacher file matches 1:1 — katzenpost's own config loaders
// were pruned from the retrieval pack — so this is grounded on the
// library choice alone: github.com/BurntSushi/toml is the TOML decoder
// every katzenpost daemon in the ecosystem uses for its own *.toml
// configs (this pack's go.mod lists it directly).
package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/opendgram/snp/conn"
	"github.com/opendgram/snp/snpcrypto"
)

// defaultMaxBufferedUnreliableSegments is this module's default for
// k_nMaxBufferedUnreliableSegments (spec.md §4.4), absent an explicit
// config override.
const defaultMaxBufferedUnreliableSegments = 64

// FakeNetwork bundles the debug simulation knobs §6 lists for the UDP
// layer: fake loss/lag/reorder/dup/rate-limit, applied independently to
// the send and recv directions.
type FakeNetwork struct {
	LossSendPct, LossRecvPct float64
	LagSend, LagRecv         time.Duration

	ReorderSendPct, ReorderRecvPct float64
	ReorderTime                    time.Duration

	DupSendPct, DupRecvPct float64
	DupTimeMax             time.Duration

	RateLimitSendBps, RateLimitRecvBps     float64
	RateLimitSendBurst, RateLimitRecvBurst int
}

// Config is the decoded form of the §6 key/value registry. Field names
// mirror the spec's key names with Go casing; TOML tags keep the on-disk
// keys identical to spec.md §6 so an operator's config file reads as a
// direct transcription of the spec table.
type Config struct {
	SendBufferSize int `toml:"SendBufferSize"`

	SendRateMin float64 `toml:"SendRateMin"`
	SendRateMax float64 `toml:"SendRateMax"`

	NagleTimeUsec int64 `toml:"NagleTime"`

	TimeoutInitialMs   int64 `toml:"TimeoutInitial"`
	TimeoutConnectedMs int64 `toml:"TimeoutConnected"`

	MTUPacketSize int `toml:"MTU_PacketSize"`

	Unencrypted int `toml:"Unencrypted"`

	SymmetricConnect   bool `toml:"SymmetricConnect"`
	IPAllowWithoutAuth bool `toml:"IP_AllowWithoutAuth"`

	ClientConsecutivePingTimeoutsFailInitial int `toml:"ClientConsecutitivePingTimeoutsFailInitial"`
	ClientConsecutivePingTimeoutsFail        int `toml:"ClientConsecutitivePingTimeoutsFail"`

	LogLevel string `toml:"LogLevel"`

	FakePacketLossSend      float64 `toml:"FakePacketLoss_Send"`
	FakePacketLossRecv      float64 `toml:"FakePacketLoss_Recv"`
	FakePacketLagSendMs     int64   `toml:"FakePacketLag_Send"`
	FakePacketLagRecvMs     int64   `toml:"FakePacketLag_Recv"`
	FakePacketReorderSend   float64 `toml:"FakePacketReorder_Send"`
	FakePacketReorderRecv   float64 `toml:"FakePacketReorder_Recv"`
	FakePacketReorderTimeMs int64   `toml:"FakePacketReorder_Time"`
	FakePacketDupSend       float64 `toml:"FakePacketDup_Send"`
	FakePacketDupRecv       float64 `toml:"FakePacketDup_Recv"`
	FakePacketDupTimeMaxMs  int64   `toml:"FakePacketDup_TimeMax"`
	FakeRateLimitSendRate   float64 `toml:"FakeRateLimit_Send_Rate"`
	FakeRateLimitSendBurst  int     `toml:"FakeRateLimit_Send_Burst"`
	FakeRateLimitRecvRate   float64 `toml:"FakeRateLimit_Recv_Rate"`
	FakeRateLimitRecvBurst  int     `toml:"FakeRateLimit_Recv_Burst"`

	PacketTraceMaxBytes int `toml:"PacketTraceMaxBytes"`

	OutOfOrderCorrectionWindowUsec int64 `toml:"OutOfOrderCorrectionWindowMicroseconds"`
}

// Default returns the abstract defaults spec.md §6 describes, clamped to
// the §4.3 rate bounds ([1 KiB/s, 100 MiB/s]).
func Default() Config {
	return Config{
		SendBufferSize:     512 * 1024,
		SendRateMin:        1024,
		SendRateMax:        1024 * 1024,
		NagleTimeUsec:      5000,
		TimeoutInitialMs:   10000,
		TimeoutConnectedMs: 10000,
		MTUPacketSize:      1280,
	}
}

// Load decodes a TOML file at path into a Config seeded with Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

const (
	minRateBps = 1024.0
	maxRateBps = 100 * 1024 * 1024.0
)

func clampRate(r float64) float64 {
	if r < minRateBps {
		return minRateBps
	}
	if r > maxRateBps {
		return maxRateBps
	}
	return r
}

// FakeNetwork extracts this Config's debug simulation knobs into the
// shape transport.UDPTransport consumes.
func (c Config) FakeNetwork() FakeNetwork {
	return FakeNetwork{
		LossSendPct: c.FakePacketLossSend,
		LossRecvPct: c.FakePacketLossRecv,
		LagSend:     time.Duration(c.FakePacketLagSendMs) * time.Millisecond,
		LagRecv:     time.Duration(c.FakePacketLagRecvMs) * time.Millisecond,

		ReorderSendPct: c.FakePacketReorderSend,
		ReorderRecvPct: c.FakePacketReorderRecv,
		ReorderTime:    time.Duration(c.FakePacketReorderTimeMs) * time.Millisecond,

		DupSendPct: c.FakePacketDupSend,
		DupRecvPct: c.FakePacketDupRecv,
		DupTimeMax: time.Duration(c.FakePacketDupTimeMaxMs) * time.Millisecond,

		RateLimitSendBps:   c.FakeRateLimitSendRate,
		RateLimitSendBurst: c.FakeRateLimitSendBurst,
		RateLimitRecvBps:   c.FakeRateLimitRecvRate,
		RateLimitRecvBurst: c.FakeRateLimitRecvBurst,
	}
}

// ConnConfig derives conn.Config (the struct the connection state machine
// actually reads) from this registry, applying the §4.3 rate clamp and
// the MTU-derived sizes §6 describes (max_plaintext_payload,
// max_message_no_fragment, max_reliable_segment).
func (c Config) ConnConfig(cipher snpcrypto.Cipher) conn.Config {
	mtu := c.MTUPacketSize
	if mtu <= 0 {
		mtu = 1280
	}
	maxPlaintext := mtu - 48 // conservative UDP/IP header + AEAD tag allowance
	if maxPlaintext < 256 {
		maxPlaintext = 256
	}
	maxReliableSegment := maxPlaintext - 16 // leaves room for frame + stop-waiting + ack headers

	return conn.Config{
		SendBufferSize:     c.SendBufferSize,
		RateMin:            clampRate(c.SendRateMin),
		RateMax:            clampRate(c.SendRateMax),
		NagleTime:          time.Duration(c.NagleTimeUsec) * time.Microsecond,
		TimeoutInitial:     time.Duration(c.TimeoutInitialMs) * time.Millisecond,
		TimeoutConnected:   time.Duration(c.TimeoutConnectedMs) * time.Millisecond,
		FinWaitTimeout:     10 * time.Second,
		KeepaliveInterval:  10 * time.Second,
		StatsReplyTimeout:  5 * time.Second,
		PingMissesInitial:  c.ClientConsecutivePingTimeoutsFailInitial,
		PingMissesOngoing:  c.ClientConsecutivePingTimeoutsFail,
		ConnectRetryPeriod: 200 * time.Millisecond,

		MTUPacketSize:      mtu,
		MaxUnreliableMsg:   maxPlaintext,
		MaxReliableSegment: maxReliableSegment,

		MaxAckBlocks:    32,
		MaxDataAckDelay: 10 * time.Millisecond,
		NackFlushDelay:  2 * time.Millisecond,
		MaxPacketGaps:   1024,

		MaxBufferedReliableBytes:      512 * 1024,
		MaxReliableStreamGaps:         64,
		MaxMessageSizeRecv:            512 * 1024,
		MaxBufferedUnreliableSegments: defaultMaxBufferedUnreliableSegments,
	}
}
