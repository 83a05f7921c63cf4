package types

import (
	"sort"
	"time"
)

// DeviceStatus is the derived liveness of one device. It is never
// stored; it is recomputed from the latest persisted sample.
type DeviceStatus struct {
	DeviceID string    `json:"deviceId"`
	LastSeen time.Time `json:"lastHeartbeat"`
	Online   bool      `json:"online"`
}

// DeriveStatus computes the status of a device whose latest persisted
// sample arrived at lastSeen. The device is online while
// now - lastSeen is strictly less than window.
func DeriveStatus(deviceID string, lastSeen, now time.Time, window time.Duration) DeviceStatus {
	return DeviceStatus{
		DeviceID: deviceID,
		LastSeen: lastSeen,
		Online:   now.Sub(lastSeen) < window,
	}
}

// SortStatuses orders statuses by device id.
func SortStatuses(statuses []DeviceStatus) {
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].DeviceID < statuses[j].DeviceID
	})
}
