package txntable

import (
	"github.com/ethereum/go-ethereum/log"

	"gtm/common"
	"gtm/types"
)

// Xmin reporting. Each node periodically reports the lowest GXID it still
// considers running; the modular minimum over all reports is the global xmin
// the snapshot side prunes against. The table only maintains the registry,
// snapshot visibility itself lives elsewhere.

// XminResult is the reply to an xmin report.
type XminResult struct {
	LatestCompletedGXID common.GXID
	GlobalXmin          common.GXID
	Errcode             int32
}

const (
	xminOK            int32 = 0
	xminBehindHorizon int32 = 1
)

// ReportXmin records the xmin reported by a node and recomputes the global
// xmin. A report that precedes the already-published horizon is rejected
// with a nonzero errcode: accepting it would move the horizon backwards.
func (t *Table) ReportXmin(nodeType types.NodeType, nodeName string, reported common.GXID) XminResult {
	t.xminLock.Lock()

	errcode := xminOK
	if reported.IsValid() && common.Precedes(reported, t.recentGlobalXmin) {
		log.Warn("Rejecting xmin report behind the global horizon",
			"node", nodeName, "type", nodeType, "reported", reported, "horizon", t.recentGlobalXmin)
		errcode = xminBehindHorizon
	} else if reported.IsValid() {
		t.nodeXmins[nodeName] = reported

		xmin := reported
		for _, nodeXmin := range t.nodeXmins {
			if common.Precedes(nodeXmin, xmin) {
				xmin = nodeXmin
			}
		}
		t.recentGlobalXmin = xmin
	}
	globalXmin := t.recentGlobalXmin

	t.xminLock.Unlock()

	return XminResult{
		LatestCompletedGXID: t.LatestCompletedGXID(),
		GlobalXmin:          globalXmin,
		Errcode:             errcode,
	}
}

// GlobalXmin returns the current global xmin horizon.
func (t *Table) GlobalXmin() common.GXID {
	t.xminLock.Lock()
	defer t.xminLock.Unlock()
	return t.recentGlobalXmin
}
