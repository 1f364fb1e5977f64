// Package dedupe remembers recently seen keys so a replayed request can be
// refused instead of being executed twice.
package dedupe
