package lowertransport

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds the tunables this layer needs. Defaults match spec.md's
// fixed timer constants (§4.3, §4.4) exactly; the envconfig tags let a
// host override them per SPEC_FULL.md §9.1, the way the original C
// source exposed a retransmit-timeout setter for link layers with
// different latency budgets.
type Config struct {
	// RxAckTimerBaseMs + RxAckTimerPerTTLMs*TTL is the RX acknowledgment
	// timer (spec.md §4.3 step 3): default 150 + 50*TTL ms.
	RxAckTimerBaseMs   int `env:"LT_RX_ACK_TIMER_BASE_MS,default=150"`
	RxAckTimerPerTTLMs int `env:"LT_RX_ACK_TIMER_PER_TTL_MS,default=50"`

	// IncompleteTimerMs is the fixed RX incomplete timer (spec.md §4.3
	// step 4): default 10000 ms.
	IncompleteTimerMs int `env:"LT_INCOMPLETE_TIMER_MS,default=10000"`

	// TxAckTimerBaseMs + TxAckTimerPerTTLMs*TTL is the TX acknowledgment
	// timer (spec.md §4.4 step 4): default 200 + 50*TTL ms.
	TxAckTimerBaseMs   int `env:"LT_TX_ACK_TIMER_BASE_MS,default=200"`
	TxAckTimerPerTTLMs int `env:"LT_TX_ACK_TIMER_PER_TTL_MS,default=50"`

	// UnicastRetryLimit bounds unicast TX ack-timeout retransmissions.
	// DESIGN.md "Open Question decisions" / spec.md open question 2: the original source
	// retransmits indefinitely on unicast; we bound it explicitly and
	// surface SEND_FAILED on exhaustion.
	UnicastRetryLimit int `env:"LT_UNICAST_RETRY_LIMIT,default=7"`

	// GroupRetryLimit is the retry_count used for group/virtual sends
	// (spec.md §4.4 step 2): default 2.
	GroupRetryLimit int `env:"LT_GROUP_RETRY_LIMIT,default=2"`

	// PeerRegistryCapacity bounds the Peer Registry LRU (spec.md §4.2:
	// "No eviction policy required ... implementations may bound it").
	PeerRegistryCapacity int `env:"LT_PEER_REGISTRY_CAPACITY,default=64"`

	// TransportPDUPoolSize bounds the number of concurrently active
	// transport PDUs (one per in-flight reassembly plus the single
	// outgoing send), mirroring the original C source's fixed-size
	// transport PDU array (SPEC_FULL.md §9.4).
	TransportPDUPoolSize int `env:"LT_TRANSPORT_PDU_POOL_SIZE,default=16"`
}

// DefaultConfig returns the spec-mandated timer constants with no
// environment overrides applied.
func DefaultConfig() Config {
	cfg := Config{}
	_ = envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MapLookuper(nil),
	})
	return cfg
}

// LoadConfig reads overrides from the process environment, falling back
// to spec defaults for anything unset.
func LoadConfig(ctx context.Context) (Config, error) {
	cfg := Config{}
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) rxAckTimeout(ttl byte) time.Duration {
	return time.Duration(c.RxAckTimerBaseMs+c.RxAckTimerPerTTLMs*int(ttl)) * time.Millisecond
}

func (c Config) txAckTimeout(ttl byte) time.Duration {
	return time.Duration(c.TxAckTimerBaseMs+c.TxAckTimerPerTTLMs*int(ttl)) * time.Millisecond
}

func (c Config) incompleteTimeout() time.Duration {
	return time.Duration(c.IncompleteTimerMs) * time.Millisecond
}
