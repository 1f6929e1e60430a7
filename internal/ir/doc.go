// Package ir provides the data model shared by the stepped packages.
//
// This package contains plain types and pure helpers only. All other internal
// packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Statuses are string enums persisted verbatim
//   - Arguments are an ordered JSON list (Args), never a map
//   - Checksums are SHA-256 over canonical JSON (see Checksum)
//   - All JSON tags use snake_case
//   - A zero ID means "not persisted"
package ir
