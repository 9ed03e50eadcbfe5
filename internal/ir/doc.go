// Package ir provides the wire-level types shared by every other package:
// the constrained value model, the event record, and canonical JSON.
//
// ir imports nothing internal. Other packages import ir; ir never imports them.
//
// Key design constraints:
//   - NO float types anywhere - numbers are int64 so hashes stay stable
//   - Events are values; payloads are deep-copied at package boundaries
//   - Wire field names are camelCase (sequenceId, sequenceCounter, ...)
package ir
