// Package crc implements the CRC-16 variant used by the BFC framing layer:
// polynomial 0x1021, initial value 0x0000, no input or output reflection,
// no final XOR.
package crc

// CRC16 accumulates a running CRC-16/XMODEM value. The zero value is a
// valid starting point (init = 0x0000, per the glossary).
type CRC16 uint16

// Single folds one byte into the running CRC.
func (c *CRC16) Single(b byte) {
	crc := *c
	crc ^= CRC16(b) << 8
	for i := 0; i < 8; i++ {
		if crc&0x8000 != 0 {
			crc = (crc << 1) ^ 0x1021
		} else {
			crc <<= 1
		}
	}
	*c = crc
}

// Block folds every byte of buf into the running CRC, in order.
func (c *CRC16) Block(buf []byte) {
	for _, b := range buf {
		c.Single(b)
	}
}

// Checksum16 computes the CRC-16 of buf starting from an initial value of 0,
// for one-shot callers that don't need to stream bytes in.
func Checksum16(buf []byte) uint16 {
	var c CRC16
	c.Block(buf)
	return uint16(c)
}
