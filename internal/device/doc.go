// Package device defines the transport contract between the session layer and
// a Bluetooth Low Energy central stack.
//
// This package provides:
//   - Adapter and Link interfaces (power state, scanning, dial, GATT primitives)
//   - Discovered profile handles (services and characteristics)
//   - Structured errors shared by every transport (NotFoundError, ConnectionError)
//   - UUID normalization and the well-known identifiers of the teleinfo node
package device
