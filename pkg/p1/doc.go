// Package p1 assembles DSMR P1 telegrams from a byte stream.
//
// A Session buffers incoming chunks, cuts out every frame between the start
// and stop character, checks the CRC-16 that follows the stop character and
// decodes the payload. Each outcome is dispatched to the session's
// listeners as an Event. Run drives a session from a ByteSource such as a
// serial port.
package p1
