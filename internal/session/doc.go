// Package session keeps one BLE peripheral usable across link drops.
//
// A Session walks the connection lifecycle (connect, discover services and
// characteristics, ready), records every acknowledged write and active
// subscription in an ordered ledger, and after an unexpected drop re-dials
// the peripheral and replays the ledger:
//
//   - a drop after discovery completed replays against the retained registry;
//   - a drop while discovery was in flight rediscovers first, then replays.
//
// Writes are replayed before subscriptions, each group in first-insertion
// order, one acknowledged step at a time. A step that fails aborts the
// restoration, reports a *RestorationError and leaves the session Dropped.
package session
