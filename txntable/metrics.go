package txntable

import "github.com/ethereum/go-ethereum/metrics"

var (
	openTxnsGauge  = metrics.NewRegisteredGauge("gtm/txns/open", nil)
	nextGXIDGauge  = metrics.NewRegisteredGauge("gtm/gxid/next", nil)
	completedMeter = metrics.NewRegisteredMeter("gtm/txns/completed", nil)
	delayedMeter   = metrics.NewRegisteredMeter("gtm/txns/delayed", nil)
	reapedMeter    = metrics.NewRegisteredMeter("gtm/txns/reaped", nil)
	checkptMeter   = metrics.NewRegisteredMeter("gtm/control/checkpoints", nil)
)
