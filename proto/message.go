// Package proto implements the framed message protocol spoken between
// clients, proxies, the transaction manager, and its standby.
//
// Every message is a frame: a single-octet tag, a big-endian u32 payload
// length, and the payload. Payload components are network byte order; strings
// are a u32 length followed by the bytes, with no terminator. Responses reuse
// the request tag with the high bit set.
package proto

import "fmt"

// Tag identifies a message type. The numeric values are part of the wire
// contract with deployed peers and must not be renumbered.
type Tag uint8

const (
	// TagConnStartup opens every connection, carrying the node type.
	TagConnStartup Tag = 0x01

	TagTxnBegin                  Tag = 0x10
	TagTxnBeginGetGXID           Tag = 0x11
	TagTxnBeginGetGXIDAutovacuum Tag = 0x12
	TagTxnBeginGetGXIDMulti      Tag = 0x13
	TagTxnPrepare                Tag = 0x14
	TagTxnStartPrepared          Tag = 0x15
	TagTxnCommit                 Tag = 0x16
	TagTxnCommitPrepared         Tag = 0x17
	TagTxnRollback               Tag = 0x18
	TagTxnCommitMulti            Tag = 0x19
	TagTxnRollbackMulti          Tag = 0x1a
	TagTxnGetGIDData             Tag = 0x1b
	TagTxnGXIDList               Tag = 0x1c
	TagTxnGetNextGXID            Tag = 0x1d
	TagReportXmin                Tag = 0x1e
	TagBackendDisconnect         Tag = 0x1f

	// Mirror calls, shipped primary to standby. They carry the primary's
	// decision (pre-assigned GXIDs, explicit client ids) and get no reply.
	TagBkupTxnBegin                  Tag = 0x30
	TagBkupTxnBeginGetGXID           Tag = 0x31
	TagBkupTxnBeginGetGXIDAutovacuum Tag = 0x32
	TagBkupTxnBeginGetGXIDMulti      Tag = 0x33
	TagBkupTxnPrepare                Tag = 0x34
	TagBkupTxnStartPrepared          Tag = 0x35
	TagBkupTxnCommit                 Tag = 0x36
	TagBkupTxnCommitPrepared         Tag = 0x37
	TagBkupTxnRollback               Tag = 0x38
	TagBkupTxnRollbackMulti          Tag = 0x39
	TagBkupTxnCommitMulti            Tag = 0x3a

	// TagBkupSync asks the standby for an explicit ack of everything shipped
	// so far; used when backups are configured synchronous.
	TagBkupSync Tag = 0x3b

	// TagError carries a request failure back to the caller in place of the
	// regular response.
	TagError Tag = 0x7f
)

// responseFlag marks a tag as a response.
const responseFlag Tag = 0x80

// Response returns the response tag matching a request tag.
func (t Tag) Response() Tag {
	return t | responseFlag
}

// IsResponse reports whether the tag carries the response flag.
func (t Tag) IsResponse() bool {
	return t&responseFlag != 0
}

// IsMirror reports whether the tag is a primary-to-standby mirror call.
func (t Tag) IsMirror() bool {
	return t >= TagBkupTxnBegin && t <= TagBkupSync
}

func (t Tag) String() string {
	switch t &^ responseFlag {
	case TagConnStartup:
		return suffix(t, "conn_startup")
	case TagTxnBegin:
		return suffix(t, "txn_begin")
	case TagTxnBeginGetGXID:
		return suffix(t, "txn_begin_getgxid")
	case TagTxnBeginGetGXIDAutovacuum:
		return suffix(t, "txn_begin_getgxid_autovacuum")
	case TagTxnBeginGetGXIDMulti:
		return suffix(t, "txn_begin_getgxid_multi")
	case TagTxnPrepare:
		return suffix(t, "txn_prepare")
	case TagTxnStartPrepared:
		return suffix(t, "txn_start_prepared")
	case TagTxnCommit:
		return suffix(t, "txn_commit")
	case TagTxnCommitPrepared:
		return suffix(t, "txn_commit_prepared")
	case TagTxnRollback:
		return suffix(t, "txn_rollback")
	case TagTxnCommitMulti:
		return suffix(t, "txn_commit_multi")
	case TagTxnRollbackMulti:
		return suffix(t, "txn_rollback_multi")
	case TagTxnGetGIDData:
		return suffix(t, "txn_get_gid_data")
	case TagTxnGXIDList:
		return suffix(t, "txn_gxid_list")
	case TagTxnGetNextGXID:
		return suffix(t, "txn_get_next_gxid")
	case TagReportXmin:
		return suffix(t, "report_xmin")
	case TagBackendDisconnect:
		return suffix(t, "backend_disconnect")
	case TagBkupTxnBegin:
		return suffix(t, "bkup_txn_begin")
	case TagBkupTxnBeginGetGXID:
		return suffix(t, "bkup_txn_begin_getgxid")
	case TagBkupTxnBeginGetGXIDAutovacuum:
		return suffix(t, "bkup_txn_begin_getgxid_autovacuum")
	case TagBkupTxnBeginGetGXIDMulti:
		return suffix(t, "bkup_txn_begin_getgxid_multi")
	case TagBkupTxnPrepare:
		return suffix(t, "bkup_txn_prepare")
	case TagBkupTxnStartPrepared:
		return suffix(t, "bkup_txn_start_prepared")
	case TagBkupTxnCommit:
		return suffix(t, "bkup_txn_commit")
	case TagBkupTxnCommitPrepared:
		return suffix(t, "bkup_txn_commit_prepared")
	case TagBkupTxnRollback:
		return suffix(t, "bkup_txn_rollback")
	case TagBkupTxnRollbackMulti:
		return suffix(t, "bkup_txn_rollback_multi")
	case TagBkupTxnCommitMulti:
		return suffix(t, "bkup_txn_commit_multi")
	case TagBkupSync:
		return suffix(t, "bkup_sync")
	case TagError:
		return "error"
	}
	return fmt.Sprintf("tag(0x%02x)", uint8(t))
}

func suffix(t Tag, name string) string {
	if t.IsResponse() {
		return name + "_result"
	}
	return name
}
