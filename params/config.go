package params

import (
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Config are the configuration parameters of the transaction manager core.
type Config struct {
	MaxOpenTransactions int // Capacity of the transaction slot array
	ControlInterval     uint32 // GXID advances between control-record checkpoints

	MaxSessionIDLen  int // Longest accepted global session identifier
	MaxGIDLen        int // Longest accepted two-phase-commit identifier
	MaxNodeStringLen int // Longest accepted participant node list

	BackupSynchronously bool // Wait for the standby ack before replying to direct clients

	StandbyRetries      int           // Mirror send retries after the first failed attempt before declaring the standby lost
	StandbyRetryBackoff time.Duration // Initial delay between mirror reconnect attempts

	RequestTimeout time.Duration // Per-request deadline enforced by the dispatcher
}

// DefaultConfig contains the default configurations for the transaction
// manager core.
var DefaultConfig = Config{
	MaxOpenTransactions: 16384,
	ControlInterval:     8192,

	MaxSessionIDLen:  64,
	MaxGIDLen:        256,
	MaxNodeStringLen: 1024,

	BackupSynchronously: false,

	StandbyRetries:      3,
	StandbyRetryBackoff: 100 * time.Millisecond,

	RequestTimeout: time.Minute,
}

// Sanitize checks the provided user configurations and changes anything
// that's unreasonable or unworkable.
func (config *Config) Sanitize() Config {
	conf := *config
	if conf.MaxOpenTransactions < 1 {
		log.Warn("Sanitizing invalid max open transactions", "provided", conf.MaxOpenTransactions, "updated", DefaultConfig.MaxOpenTransactions)
		conf.MaxOpenTransactions = DefaultConfig.MaxOpenTransactions
	}
	if conf.ControlInterval < 1 {
		log.Warn("Sanitizing invalid control interval", "provided", conf.ControlInterval, "updated", DefaultConfig.ControlInterval)
		conf.ControlInterval = DefaultConfig.ControlInterval
	}
	if conf.MaxSessionIDLen < 1 {
		log.Warn("Sanitizing invalid session id limit", "provided", conf.MaxSessionIDLen, "updated", DefaultConfig.MaxSessionIDLen)
		conf.MaxSessionIDLen = DefaultConfig.MaxSessionIDLen
	}
	if conf.MaxGIDLen < 1 {
		log.Warn("Sanitizing invalid gid limit", "provided", conf.MaxGIDLen, "updated", DefaultConfig.MaxGIDLen)
		conf.MaxGIDLen = DefaultConfig.MaxGIDLen
	}
	if conf.MaxNodeStringLen < 1 {
		log.Warn("Sanitizing invalid node string limit", "provided", conf.MaxNodeStringLen, "updated", DefaultConfig.MaxNodeStringLen)
		conf.MaxNodeStringLen = DefaultConfig.MaxNodeStringLen
	}
	if conf.StandbyRetries < 1 {
		log.Warn("Sanitizing invalid standby retry count", "provided", conf.StandbyRetries, "updated", DefaultConfig.StandbyRetries)
		conf.StandbyRetries = DefaultConfig.StandbyRetries
	}
	if conf.StandbyRetryBackoff < time.Millisecond {
		log.Warn("Sanitizing invalid standby retry backoff", "provided", conf.StandbyRetryBackoff, "updated", DefaultConfig.StandbyRetryBackoff)
		conf.StandbyRetryBackoff = DefaultConfig.StandbyRetryBackoff
	}
	if conf.RequestTimeout < time.Second {
		log.Warn("Sanitizing invalid request timeout", "provided", conf.RequestTimeout, "updated", DefaultConfig.RequestTimeout)
		conf.RequestTimeout = DefaultConfig.RequestTimeout
	}
	return conf
}
