package stream

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestDrainNALs_SplitsOnStartCodes(t *testing.T) {
	var nals [][]byte
	e := &Encoder{OnNAL: func(n []byte) {
		nals = append(nals, append([]byte(nil), n...))
	}}

	stream := bytes.Join([][]byte{
		{}, {0x67, 0x42}, // SPS
		{0x68, 0xCE}, // PPS
		{0x65, 0x88, 0x84}, // IDR, left incomplete (no trailing start code)
	}, startCode)

	rest := e.drainNALs(stream)

	if len(nals) != 2 {
		t.Fatalf("emitted %d NALs, want 2", len(nals))
	}
	if nals[0][0] != 0x67 || nals[1][0] != 0x68 {
		t.Errorf("wrong NAL order: % x, % x", nals[0], nals[1])
	}
	// The incomplete tail stays pending, start code included.
	if !bytes.Equal(rest, append(append([]byte{}, startCode...), 0x65, 0x88, 0x84)) {
		t.Errorf("pending = % x", rest)
	}

	// Completing the stream flushes the IDR.
	rest = e.drainNALs(append(rest, startCode...))
	if len(nals) != 3 || nals[2][0] != 0x65 {
		t.Fatalf("IDR not flushed: %d NALs", len(nals))
	}
	if !bytes.Equal(rest, startCode) {
		t.Errorf("pending after flush = % x", rest)
	}
}

func TestDrainNALs_NoStartCode(t *testing.T) {
	e := &Encoder{}
	data := []byte{1, 2, 3}
	if rest := e.drainNALs(data); !bytes.Equal(rest, data) {
		t.Errorf("rest = % x", rest)
	}
}

func TestSignalMessage_JSONShape(t *testing.T) {
	raw := `{"type":"answer","sdp":"v=0..."}`
	var msg signalMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "answer" || msg.SDP != "v=0..." {
		t.Errorf("msg = %+v", msg)
	}

	out, err := json.Marshal(signalMessage{Type: "candidate", Candidate: "c"})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"type":"candidate","candidate":"c"}` {
		t.Errorf("marshalled = %s", out)
	}
}
