package storage

// Package storage provides the persistence layer used by the relay.
//
// It currently holds:
//   - Batch job checkpoints (crash resume)
//   - Append-only task outcome history
//   - Per-user daily traffic accounting
