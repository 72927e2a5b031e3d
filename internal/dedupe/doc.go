// Package dedupe provides a bounded cache of recently seen event keys,
// used to make notification delivery and reconciliation replay idempotent.
package dedupe
