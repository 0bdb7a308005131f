package mqtt

import (
	"unicode/utf8"

	"github.com/joeycumines/go-mqttpipe/buf"
	"github.com/joeycumines/go-mqttpipe/decoder"
	"github.com/joeycumines/go-mqttpipe/mqtterr"
)

// maxRemainingLength is the largest value representable in 4 base-128
// VLQ bytes: 0x0FFFFFFF = 268435455.
const maxRemainingLength = 268435455

// readRemainingLength decodes the base-128, little-endian, continuation-bit
// variable-length quantity starting at acc's current reader position.
//
// It returns mqtterr.ErrNeedMoreBytes() (via rep.RequestReplay) if acc does
// not yet hold a complete length field, so callers must invoke this only
// from within a decoder.Step and propagate its error unchanged.
func readRemainingLength(rep *decoder.Replaying, acc *buf.Buffer) (int, error) {
	var value int
	var multiplier = 1
	for i := 0; i < 4; i++ {
		if !acc.IsReadable(1) {
			return 0, rep.RequestReplay(acc)
		}
		b, err := acc.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(b&0x7F) * multiplier
		if b&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, mqtterr.NewDecoderError(mqtterr.CodeMalformedRemainingLength, "",
		"continuation bit set on the 4th remaining-length byte")
}

// encodeRemainingLength appends the base-128 VLQ encoding of n to out. n
// must be in [0, maxRemainingLength].
func encodeRemainingLength(out *buf.Buffer, n int) error {
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		if err := out.WriteByte(b); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// readString decodes a u16-length-prefixed UTF-8 string. budget is the
// number of bytes remaining in the packet's remaining-length envelope;
// exceeding it is a TruncatedString error even if acc itself has more
// bytes buffered (e.g. the start of the next packet).
func readString(acc *buf.Buffer, budget int) (string, error) {
	if budget < 2 {
		return "", mqtterr.NewDecoderError(mqtterr.CodeTruncatedString, "", "not enough remaining-length budget for a string's length prefix")
	}
	n, err := acc.ReadU16BE()
	if err != nil {
		return "", err
	}
	if int(n) > budget-2 {
		return "", mqtterr.NewDecoderError(mqtterr.CodeTruncatedString, "", "advertised string length exceeds remaining-length budget")
	}
	raw := make([]byte, n)
	if err := acc.ReadBytesInto(raw); err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", mqtterr.NewDecoderError(mqtterr.CodeTruncatedString, "", "string is not valid UTF-8")
	}
	return string(raw), nil
}

// writeString appends a u16-length-prefixed UTF-8 string.
func writeString(out *buf.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return mqtterr.NewEncoderError("string exceeds 65535 bytes", nil)
	}
	if err := out.WriteU16BE(uint16(len(s))); err != nil {
		return err
	}
	return out.WriteBytes([]byte(s))
}

// stringByteLen returns the on-wire byte length of s including its 2-byte
// length prefix, used when computing remaining_length ahead of encoding.
func stringByteLen(s string) int { return 2 + len(s) }
