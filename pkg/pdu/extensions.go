package pdu

import (
	"encoding/binary"

	"github.com/go-norm/norm"
)

// ExtType identifies a header extension's kind.
type ExtType uint8

const (
	// ExtFTI carries the FEC Transport Information a receiver needs to
	// interpret a new object's block structure: total size, segment
	// size, and the per-block (ndata, nparity) symbol counts.
	ExtFTI ExtType = iota + 1
	// ExtCCFeedback is attached by a receiver to a NACK or ACK, echoing
	// RTT/loss/rate measurements back to the sender's congestion control.
	ExtCCFeedback
	// ExtCCRate is attached by the sender to DATA, announcing the
	// current transmit rate (CMD(CC) carries its rate in the body).
	ExtCCRate
)

// extHeaderLen is the 2-byte (type, length) prefix common to every
// extension, mirroring the main Header's own fixed-then-variable shape.
const extHeaderLen = 2

// Extension is a header extension attachable to a PDU.
type Extension interface {
	Type() ExtType
	// Pack writes type+length+body into buf and returns bytes written.
	Pack(buf []byte) (int, error)
}

// FTI is the FEC Transport Information extension.
type FTI struct {
	ObjectSize  norm.ObjectSize
	SegmentSize uint16
	NumData     uint16
	NumParity   uint16
	FecId       uint8
}

func (FTI) Type() ExtType { return ExtFTI }

const ftiBodyLen = 6 + 2 + 2 + 2 + 1 // ObjectSize + SegmentSize + NumData + NumParity + FecId

func (f FTI) Pack(buf []byte) (int, error) {
	total := extHeaderLen + ftiBodyLen
	if len(buf) < total {
		return 0, norm.ErrBufferExhausted
	}
	buf[0] = uint8(ExtFTI)
	buf[1] = uint8(total)
	binary.BigEndian.PutUint16(buf[2:4], f.ObjectSize.MSB)
	binary.BigEndian.PutUint32(buf[4:8], f.ObjectSize.LSB)
	binary.BigEndian.PutUint16(buf[8:10], f.SegmentSize)
	binary.BigEndian.PutUint16(buf[10:12], f.NumData)
	binary.BigEndian.PutUint16(buf[12:14], f.NumParity)
	buf[14] = f.FecId
	return total, nil
}

func unpackFTI(body []byte) (FTI, error) {
	if len(body) < ftiBodyLen {
		return FTI{}, norm.ErrMalformedPDU
	}
	return FTI{
		ObjectSize: norm.ObjectSize{
			MSB: binary.BigEndian.Uint16(body[0:2]),
			LSB: binary.BigEndian.Uint32(body[2:6]),
		},
		SegmentSize: binary.BigEndian.Uint16(body[6:8]),
		NumData:     binary.BigEndian.Uint16(body[8:10]),
		NumParity:   binary.BigEndian.Uint16(body[10:12]),
		FecId:       body[12],
	}, nil
}

// CCFeedback is the congestion-control feedback extension a receiver
// attaches to NACK/ACK messages.
type CCFeedback struct {
	CCSequence   uint8
	Flags        uint8
	RTT          uint8  // quantized, see QuantizeRTT
	LossFraction uint16 // quantized, see QuantizeLossFraction16
	Rate         uint8  // quantized exponent+mantissa, see QuantizeRate
}

func (CCFeedback) Type() ExtType { return ExtCCFeedback }

const ccFeedbackBodyLen = 1 + 1 + 1 + 2 + 1

func (c CCFeedback) Pack(buf []byte) (int, error) {
	total := extHeaderLen + ccFeedbackBodyLen
	if len(buf) < total {
		return 0, norm.ErrBufferExhausted
	}
	buf[0] = uint8(ExtCCFeedback)
	buf[1] = uint8(total)
	buf[2] = c.CCSequence
	buf[3] = c.Flags
	buf[4] = c.RTT
	binary.BigEndian.PutUint16(buf[5:7], c.LossFraction)
	buf[7] = c.Rate
	return total, nil
}

func unpackCCFeedback(body []byte) (CCFeedback, error) {
	if len(body) < ccFeedbackBodyLen {
		return CCFeedback{}, norm.ErrMalformedPDU
	}
	return CCFeedback{
		CCSequence:   body[0],
		Flags:        body[1],
		RTT:          body[2],
		LossFraction: binary.BigEndian.Uint16(body[3:5]),
		Rate:         body[5],
	}, nil
}

// CCRate is the sender-side rate-announcement extension.
type CCRate struct {
	Rate uint8 // quantized exponent+mantissa, see QuantizeRate
}

func (CCRate) Type() ExtType { return ExtCCRate }

const ccRateBodyLen = 1

func (c CCRate) Pack(buf []byte) (int, error) {
	total := extHeaderLen + ccRateBodyLen
	if len(buf) < total {
		return 0, norm.ErrBufferExhausted
	}
	buf[0] = uint8(ExtCCRate)
	buf[1] = uint8(total)
	buf[2] = c.Rate
	return total, nil
}

func unpackCCRate(body []byte) (CCRate, error) {
	if len(body) < ccRateBodyLen {
		return CCRate{}, norm.ErrMalformedPDU
	}
	return CCRate{Rate: body[0]}, nil
}

// PackExtensions writes each extension in order into buf, returning the
// total bytes written.
func PackExtensions(buf []byte, exts []Extension) (int, error) {
	off := 0
	for _, e := range exts {
		n, err := e.Pack(buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}
	return off, nil
}

// UnpackExtensions reads extensions from buf[0:extBytes], returning the
// decoded list. Unrecognized extension types are skipped (forward
// compatibility with future extension kinds), matching spec.md's
// header-extension tolerance rule.
func UnpackExtensions(buf []byte, extBytes int) ([]Extension, error) {
	if extBytes > len(buf) {
		return nil, norm.ErrMalformedPDU
	}
	var out []Extension
	off := 0
	for off < extBytes {
		if buf[off] == 0 {
			// No extension kind has type 0: the remaining bytes are
			// zero padding out to hdr_len's 32-bit word boundary.
			break
		}
		if off+extHeaderLen > extBytes {
			return nil, norm.ErrMalformedPDU
		}
		etype := ExtType(buf[off])
		elen := int(buf[off+1])
		if elen < extHeaderLen || off+elen > extBytes {
			return nil, norm.ErrExtensionOverflow
		}
		body := buf[off+extHeaderLen : off+elen]
		switch etype {
		case ExtFTI:
			f, err := unpackFTI(body)
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		case ExtCCFeedback:
			c, err := unpackCCFeedback(body)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		case ExtCCRate:
			c, err := unpackCCRate(body)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		default:
			// unknown extension kind: skip, don't fail the whole PDU
		}
		off += elen
	}
	return out, nil
}
