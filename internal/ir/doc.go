// Package ir holds the value types shared by every entityflow package:
// field values, records, entity configuration, actions and pending
// operations.
//
// ir imports nothing internal. All other internal packages import it.
//
// Constraints:
//   - Values are a closed set (Null, String, Int, Float, Bool, Array, Object)
//   - Canonical JSON (RFC 8785) is the only encoding used for identity and
//     durable storage
//   - Operation ids are content-addressed from the client id, the target set,
//     the payload and the client sequence number
package ir
