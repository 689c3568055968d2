// Package dedupe remembers the result of an action per key for a
// configurable window, so repeating the action returns the first result.
package dedupe
