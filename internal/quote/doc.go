// Package quote translates upstream depth records into the wire-format
// quote objects served to clients, and caches the latest quote per
// instrument.
//
// The quote object is a flat JSON map with a fixed key order. Field order
// matters to downstream consumers, so Quote is a struct and relies on
// encoding/json emitting struct fields in declaration order. Prices are
// validity-checked (1e-6 < v < 1e300) and rounded to two decimals before
// they are emitted; invalid prices become JSON null, except close and
// settlement which become the string "-".
package quote
