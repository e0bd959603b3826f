// Package bcc implements the block-check code used by industrial
// consumers to verify user-sourced writes: a one-byte XOR reduce over
// the ASCII payload, rendered as two uppercase hex digits, plus the
// surrounding frame grammar `%<payload><bcc>\r`.
package bcc

import (
	"fmt"
	"strings"
)

// Compute returns the XOR of every byte of payload as a two-digit
// uppercase hex string.
func Compute(payload string) string {
	var code byte
	for i := 0; i < len(payload); i++ {
		code ^= payload[i]
	}
	return fmt.Sprintf("%02X", code)
}

// Verify reports whether code is the check code for payload.
func Verify(code, payload string) bool {
	return Compute(payload) == code
}

// BuildFrame assembles a complete command frame for a station:
// % + unit number (two digits) + # + command + data + BCC + CR.
func BuildFrame(unitNo int, command, data string) string {
	payload := fmt.Sprintf("%02d#%s%s", unitNo, command, data)
	return "%" + payload + Compute(payload) + "\r"
}

// VerifyFrame reports whether a received frame carries a valid check
// code. Frames without the %...\r envelope are invalid.
func VerifyFrame(frame string) bool {
	if !strings.HasPrefix(frame, "%") || !strings.HasSuffix(frame, "\r") {
		return false
	}
	body := frame[1 : len(frame)-1]
	if len(body) < 2 {
		return false
	}
	payload, code := body[:len(body)-2], body[len(body)-2:]
	return Verify(code, payload)
}
