package broker

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Gateway message IDs, client to gateway.
const (
	msgReqMktData        = 1
	msgCancelMktData     = 2
	msgPlaceOrder        = 3
	msgCancelOrder       = 4
	msgReqPositions      = 61
	msgReqAccountSummary = 62
	msgStartAPI          = 71
)

// Gateway message IDs, gateway to client.
const (
	msgTickPrice         = 1
	msgTickSize          = 2
	msgOrderStatus       = 3
	msgErrMsg            = 4
	msgNextValidID       = 9
	msgPosition          = 61
	msgPositionEnd       = 62
	msgAccountSummary    = 63
	msgAccountSummaryEnd = 64
)

// maxFrameSize bounds a single gateway frame. Anything larger is a protocol
// violation and kills the session.
const maxFrameSize = 1 << 20

// encodeFrame serializes fields into a gateway frame: a 4-byte big-endian
// length followed by the fields, each NUL-terminated.
func encodeFrame(fields ...string) []byte {
	size := 0
	for _, f := range fields {
		size += len(f) + 1
	}

	buf := make([]byte, 4+size)
	binary.BigEndian.PutUint32(buf[:4], uint32(size))

	off := 4
	for _, f := range fields {
		off += copy(buf[off:], f)
		buf[off] = 0
		off++
	}
	return buf
}

// readFrame reads one length-prefixed frame and splits it into fields.
func readFrame(r io.Reader) ([]string, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d out of range", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	// Fields are NUL-terminated, so a trailing empty element is the
	// terminator of the last field, not a field itself.
	fields := strings.Split(string(payload), "\x00")
	if n := len(fields); n > 0 && fields[n-1] == "" {
		fields = fields[:n-1]
	}
	return fields, nil
}

// fieldAt returns fields[i], or "" when the frame is short.
func fieldAt(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return fields[i]
}

func fieldInt(fields []string, i int) int {
	n, _ := strconv.Atoi(fieldAt(fields, i))
	return n
}

func fieldInt64(fields []string, i int) int64 {
	n, _ := strconv.ParseInt(fieldAt(fields, i), 10, 64)
	return n
}

func fieldFloat(fields []string, i int) float64 {
	f, _ := strconv.ParseFloat(fieldAt(fields, i), 64)
	return f
}
