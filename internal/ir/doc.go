// Package ir provides the data model shared by every pipeline stage.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal, which keeps it
// the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Payloads are typed (Value is a sealed interface), never bare
//     map[string]any past the ingestion boundary
//   - Content hashes are computed over MarshalCanonical output only
//   - All JSON tags use snake_case
//   - Timestamps are wall-clock values supplied by sources; precedence
//     between sources assumes synchronized clocks
package ir
