// Package storage wires the ingestion-to-persistence pipeline.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Ingestion  │────▶│    Queue    │────▶│    Batch    │────▶│   Backend   │
//	│   Service   │     │ (unbounded) │     │   Writer    │     │ duckdb/pg/… │
//	└─────────────┘     └─────────────┘     └─────────────┘     └─────────────┘
//	       │                                                           │
//	       ▼                                                           ▼
//	┌─────────────┐                                             ┌─────────────┐
//	│ Fan-out Hub │                                             │  Archiver   │
//	│ (live subs) │                                             │  (Parquet)  │
//	└─────────────┘                                             └─────────────┘
//
// Samples are published to live subscribers as soon as they are accepted
// and persisted later by the single batch writer, in batches of
// pipeline.batch_size or after pipeline.poll_timeout of inactivity.
// Status, history and summaries read only the backend.
package storage
