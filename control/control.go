// Package control persists the single control record the transaction manager
// resumes from after a clean shutdown.
package control

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/renameio/v2"

	"gtm/common"
	"gtm/proto"
)

const (
	// controlMagic identifies a control file.
	controlMagic = 0x47544d43 // "GTMC"

	// controlVersion is bumped on layout changes.
	controlVersion = 1

	reservedLen = 16
)

var (
	// ErrNoControlFile means no record exists yet; the caller starts a fresh
	// generator.
	ErrNoControlFile = errors.New("control file does not exist")

	// ErrCorruptControl means the record exists but cannot be trusted. The
	// atomic write rules make this indicate an unclean shutdown or operator
	// damage.
	ErrCorruptControl = errors.New("control file is corrupt")
)

// Store reads and writes the control record.
type Store interface {
	LoadControlGXID() (common.GXID, error)
	SaveControlGXID(gxid common.GXID) error
}

// FileStore keeps the control record in a single file, replaced atomically
// on every write (write-then-rename), so a crash mid-write leaves the
// previous record intact.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// SaveControlGXID replaces the control record.
func (fs *FileStore) SaveControlGXID(gxid common.GXID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e := proto.NewEncoder()
	e.PutUint32(controlMagic)
	e.PutUint32(controlVersion)
	e.PutGXID(gxid)
	for i := 0; i < reservedLen; i++ {
		e.PutByte(0)
	}

	if err := renameio.WriteFile(fs.path, e.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing control file: %w", err)
	}
	log.Debug("Saved control record", "gxid", gxid, "path", fs.path)
	return nil
}

// LoadControlGXID reads the control record back.
func (fs *FileStore) LoadControlGXID() (common.GXID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return common.InvalidGXID, ErrNoControlFile
	} else if err != nil {
		return common.InvalidGXID, err
	}

	d := proto.NewDecoder(data)
	magic := d.Uint32()
	version := d.Uint32()
	gxid := d.GXID()
	for i := 0; i < reservedLen; i++ {
		d.Byte()
	}
	if err := d.Close(); err != nil {
		return common.InvalidGXID, fmt.Errorf("%w: %v", ErrCorruptControl, err)
	}
	if magic != controlMagic {
		return common.InvalidGXID, fmt.Errorf("%w: bad magic 0x%08x", ErrCorruptControl, magic)
	}
	if version != controlVersion {
		return common.InvalidGXID, fmt.Errorf("%w: unsupported version %d", ErrCorruptControl, version)
	}
	return gxid, nil
}
