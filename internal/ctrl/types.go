// Package ctrl implements the device-node control surface: create,
// destroy, list, freeze/melt, and lsid introspection/administration for
// walblog devices, backed by an in-process registry.
package ctrl

// DeviceInfo is the read-only snapshot returned by List/Get.
type DeviceInfo struct {
	ID          uint32
	Name        string
	Frozen      bool
	ReadOnly    bool
	OldestLsid  uint64
	WrittenLsid uint64
	LatestLsid  uint64
	RingSize    uint64
}
