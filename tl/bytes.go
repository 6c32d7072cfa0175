package tl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxBytesLen is the longest payload the 3-byte TL length prefix can describe.
const MaxBytesLen = 1<<24 - 1

var ErrTooLong = errors.New("bytes payload is too long for tl encoding")

func ToBytes(buf []byte) []byte {
	var data = make([]byte, 0, ((len(buf)+4)/4+1)*4)

	// store buf length
	if len(buf) >= 0xFE {
		ln := make([]byte, 4)
		binary.LittleEndian.PutUint32(ln, uint32(len(buf)<<8)|0xFE)
		data = append(data, ln...)
	} else {
		data = append(data, byte(len(buf)))
	}

	data = append(data, buf...)

	// adjust actual length to fit % 4 = 0
	if round := len(data) % 4; round != 0 {
		data = append(data, make([]byte, 4-round)...)
	}

	return data
}

func ToBytesToBuffer(buf *bytes.Buffer, data []byte) error {
	if len(data) == 0 {
		// fast path for empty slice
		buf.Write(make([]byte, 4))
		return nil
	}

	if len(data) > MaxBytesLen {
		return ErrTooLong
	}

	prevLen := buf.Len()

	// store buf length
	if len(data) >= 0xFE {
		ln := make([]byte, 4)
		binary.LittleEndian.PutUint32(ln, uint32(len(data)<<8)|0xFE)
		buf.Write(ln)
	} else {
		buf.WriteByte(byte(len(data)))
	}

	buf.Write(data)

	// adjust actual length to fit % 4 = 0
	if round := (buf.Len() - prevLen) % 4; round != 0 {
		for i := 0; i < 4-round; i++ {
			buf.WriteByte(0)
		}
	}
	return nil
}

func RemapBufferAsSlice(buf *bytes.Buffer, from int) error {
	serializedLen := buf.Len() - (from + 4)
	if serializedLen > MaxBytesLen {
		return ErrTooLong
	}

	bufPtr := buf.Bytes()
	if serializedLen >= 0xFE {
		binary.LittleEndian.PutUint32(bufPtr[from:], uint32(serializedLen<<8)|0xFE)
	} else {
		bufPtr[from] = byte(serializedLen)
		copy(bufPtr[from+1:], bufPtr[from+4:])
		buf.Truncate(buf.Len() - 3)
	}

	// bytes array padding
	if pad := (buf.Len() - from) % 4; pad > 0 {
		buf.Write(make([]byte, 4-pad))
	}
	return nil
}

// FromBytes reads a length prefixed payload together with its padding
// and returns the bytes after it. Errors wrap ErrMalformed.
func FromBytes(data []byte) (loaded []byte, buffer []byte, err error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: failed to load length, too short data", ErrMalformed)
	}

	offset := 1
	ln := int(data[0])
	if ln == 0xFE {
		if len(data) < 4 {
			return nil, nil, fmt.Errorf("%w: failed to load length, too short data", ErrMalformed)
		}
		ln = int(binary.LittleEndian.Uint32(data)) >> 8
		offset = 4

		if ln < 0xFE {
			return nil, nil, fmt.Errorf("%w: length %d must use short form", ErrMalformed, ln)
		}
	} else if ln == 0xFF {
		return nil, nil, fmt.Errorf("%w: invalid length prefix 0xff", ErrMalformed)
	}

	// payload with padding always takes a multiple of 4
	bufSz := ln + offset
	if add := bufSz % 4; add != 0 {
		bufSz += 4 - add
	}

	if len(data) < bufSz {
		return nil, nil, fmt.Errorf("%w: payload of %d bytes needs %d, got %d", ErrMalformed, ln, bufSz, len(data))
	}
	res := make([]byte, ln)
	copy(res, data[offset:])
	return res, data[bufSz:], nil
}
