// Package wire defines the streaming event protocol spoken by chat
// backends and parses it line by line.
//
// Two framings coexist on the same stream: structured records, a JSON
// object with a type and value field per line, and legacy prefixed lines
// (f:, 0:, e:, d:). ParseLine normalizes both into Event values; malformed
// legacy records degrade to synthetic defaults where the protocol allows
// it, and to a recoverable DecodeError otherwise.
package wire
