package ctrl

import (
	"fmt"
	"sort"
	"sync"

	"github.com/walblog/walblog/internal/logging"
)

// Version is reported by the GET_VERSION control op.
const Version = "walblog-1"

// Handle is the subset of a walblog.Device the control surface needs.
// The root package's Device implements this; ctrl never imports the
// root package, so handles are registered by the device itself on open.
type Handle interface {
	ID() uint32
	Name() string
	OldestLsid() uint64
	WrittenLsid() uint64
	LatestLsid() uint64
	RingSize() uint64
	IsReadOnly() bool
	IsFrozen() bool
	Freeze()
	Melt()
	SetOldestLsid(lsid uint64) error
	Close() error
}

// Registry is the in-process device-node control plane:
// create/destroy/list/freeze/melt/get_oldest_lsid/set_oldest_lsid/
// get_major/count, against an in-process map instead of ioctls against a
// kernel device node.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uint32]Handle
	nextID uint32
	logger *logging.Logger
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint32]Handle), logger: logging.Default()}
}

// SetLogger overrides the registry's logger.
func (r *Registry) SetLogger(l *logging.Logger) {
	if l != nil {
		r.logger = l
	}
}

// Register adds h to the registry, assigning it the next free id if
// requestedID is negative (AutoAssignDeviceID), and returns the assigned
// id.
func (r *Registry) Register(h Handle, requestedID int32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id uint32
	if requestedID < 0 {
		id = r.nextID
		r.nextID++
	} else {
		id = uint32(requestedID)
		if _, exists := r.byID[id]; exists {
			return 0, fmt.Errorf("ctrl: device id %d already in use", id)
		}
		if id >= r.nextID {
			r.nextID = id + 1
		}
	}
	r.byID[id] = h
	r.logger.Info("device registered", "dev_id", id, "name", h.Name())
	return id, nil
}

// Unregister removes and closes the device identified by id.
func (r *Registry) Unregister(id uint32) error {
	r.mu.Lock()
	h, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("ctrl: no such device %d", id)
	}
	delete(r.byID, id)
	r.mu.Unlock()
	r.logger.Info("device unregistered", "dev_id", id)
	return h.Close()
}

// Get returns the handle registered under id.
func (r *Registry) Get(id uint32) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byID[id]
	return h, ok
}

// List returns a snapshot of every registered device, ordered by id.
func (r *Registry) List() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceInfo, 0, len(r.byID))
	for id, h := range r.byID {
		out = append(out, DeviceInfo{
			ID:          id,
			Name:        h.Name(),
			Frozen:      h.IsFrozen(),
			ReadOnly:    h.IsReadOnly(),
			OldestLsid:  h.OldestLsid(),
			WrittenLsid: h.WrittenLsid(),
			LatestLsid:  h.LatestLsid(),
			RingSize:    h.RingSize(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count reports the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Freeze suspends new writes against device id, keeping reads available.
func (r *Registry) Freeze(id uint32) error {
	h, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("ctrl: no such device %d", id)
	}
	h.Freeze()
	r.logger.Info("device frozen", "dev_id", id)
	return nil
}

// Melt resumes writes against a previously frozen device.
func (r *Registry) Melt(id uint32) error {
	h, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("ctrl: no such device %d", id)
	}
	h.Melt()
	r.logger.Info("device melted", "dev_id", id)
	return nil
}

// GetOldestLsid returns device id's current oldest_lsid.
func (r *Registry) GetOldestLsid(id uint32) (uint64, error) {
	h, ok := r.Get(id)
	if !ok {
		return 0, fmt.Errorf("ctrl: no such device %d", id)
	}
	return h.OldestLsid(), nil
}

// SetOldestLsid advances device id's oldest_lsid, reclaiming ring space
// below it. The device ignores a value below its current oldest_lsid
// and rejects one beyond its written_lsid.
func (r *Registry) SetOldestLsid(id uint32, lsid uint64) error {
	h, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("ctrl: no such device %d", id)
	}
	return h.SetOldestLsid(lsid)
}

// GetMajor returns the device-node major number a control client would
// use to open the block device. This registry never creates a real
// device node, so it reports a fixed placeholder major reserved for
// walblog devices.
func (r *Registry) GetMajor() int { return 250 }

// GetVersion reports the control protocol version.
func (r *Registry) GetVersion() string { return Version }
