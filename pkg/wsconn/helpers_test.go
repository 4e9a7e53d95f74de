package wsconn

import (
	"bufio"
	"encoding/binary"
	"net"
	"testing"

	"github.com/rivermoor/wsengine/pkg/wsproto"
)

func writeRawFrame(t *testing.T, conn net.Conn, f wsproto.Frame) {
	t.Helper()
	bw := bufio.NewWriter(conn)
	if err := wsproto.EncodeFrame(bw, f.Opcode, f.Payload, f.Fin, f.Masked); err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatalf("flush raw frame: %v", err)
	}
}

func readRawFrame(t *testing.T, conn net.Conn) wsproto.Frame {
	t.Helper()
	br := bufio.NewReader(conn)
	f, err := wsproto.DecodeFrame(br)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	return f
}

func closePayload(code wsproto.StatusCode, reason string) []byte {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return payload
}
