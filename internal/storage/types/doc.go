// Package types defines the core data types that flow through the
// telemetry pipeline.
//
// Key types:
//   - Sample: one point-in-time metrics report from a device
//   - Batch: an ordered group of samples handed to the store in one call
//   - DeviceStatus: derived liveness of a device
//   - Metric: names one numeric field of a Sample
//   - Summary: percentile statistics of one metric over a window
package types
