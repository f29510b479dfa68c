package gitpack

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPktLineRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("0123456789abcdef SP refs/heads/master\x00 capability-list"),
		bytes.Repeat([]byte("x"), MaxPktLinePayload),
	}
	for _, p := range payloads {
		encoded := EncodePktLine(p)
		require.Len(t, encoded, len(p)+4)
		res, err := DecodePktLine(encoded)
		require.NoError(t, err)
		require.False(t, res.Flush)
		require.Equal(t, p, res.Payload)
		require.Equal(t, len(encoded), res.Consumed)
	}
}

func TestFlushPkt(t *testing.T) {
	res, err := DecodePktLine(FlushPkt)
	require.NoError(t, err)
	require.True(t, res.Flush)
	require.Equal(t, 4, res.Consumed)
}

func TestPktLineIncomplete(t *testing.T) {
	full := EncodePktLine([]byte("hello"))
	_, err := DecodePktLine(full[:len(full)-1])
	require.ErrorIs(t, err, ErrIncomplete)

	_, err = DecodePktLine([]byte("00"))
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestDecodeAllPktLines(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(EncodePktLine([]byte("one")))
	buf.Write(EncodePktLine([]byte("two")))
	buf.Write(FlushPkt)
	buf.Write(EncodePktLine([]byte("after flush, not consumed")))

	lines, consumed, err := DecodeAllPktLines(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, lines, 3)
	require.Equal(t, []byte("one"), lines[0].Payload)
	require.Equal(t, []byte("two"), lines[1].Payload)
	require.True(t, lines[2].Flush)
	require.Less(t, consumed, buf.Len())
}

func TestParsePackHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("PACK")
	buf.Write([]byte{0, 0, 0, 2})
	buf.Write([]byte{0, 0, 0, 5})

	hdr, err := ParsePackHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, uint32(2), hdr.Version)
	require.Equal(t, uint32(5), hdr.Objects)
}

func TestParsePackHeaderBadMagic(t *testing.T) {
	_, err := ParsePackHeader(bytes.NewReader([]byte("XXXX00000000")))
	require.Error(t, err)
}

func encodeObjectHeaderByte(objType ObjectType, size uint64) []byte {
	var out []byte
	first := byte(objType)<<4 | byte(size&0x0f)
	size >>= 4
	if size > 0 {
		first |= 0x80
	}
	out = append(out, first)
	for size > 0 {
		b := byte(size & 0x7f)
		size >>= 7
		if size > 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func TestParseObjectHeaderBlob(t *testing.T) {
	data := encodeObjectHeaderByte(ObjectBlob, 300)
	r := bufio.NewReader(bytes.NewReader(data))
	hdr, err := ParseObjectHeader(r)
	require.NoError(t, err)
	require.Equal(t, ObjectBlob, hdr.Type)
	require.Equal(t, uint64(300), hdr.Size)
}

func TestParseObjectHeaderRefDelta(t *testing.T) {
	var baseSHA [20]byte
	for i := range baseSHA {
		baseSHA[i] = byte(i)
	}
	data := encodeObjectHeaderByte(ObjectRefDelta, 42)
	data = append(data, baseSHA[:]...)

	r := bufio.NewReader(bytes.NewReader(data))
	hdr, err := ParseObjectHeader(r)
	require.NoError(t, err)
	require.Equal(t, ObjectRefDelta, hdr.Type)
	require.Equal(t, uint64(42), hdr.Size)
	require.Equal(t, baseSHA, hdr.BaseSHA)
}

func TestReadObjectRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, err := zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	hdr := ObjectHeader{Type: ObjectBlob, Size: uint64(len(payload))}
	obj, err := ReadObject(bytes.NewReader(compressed.Bytes()), hdr)
	require.NoError(t, err)
	require.Equal(t, payload, obj.Data)
	require.Equal(t, HashObject("blob", payload), obj.SHA)
}

func encodeDeltaVarint(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func TestDeltaApplyLaw(t *testing.T) {
	base := []byte("The quick brown fox jumps over the lazy dog.")

	var delta []byte
	delta = append(delta, encodeDeltaVarint(uint64(len(base)))...)

	// Reconstructed content: "The slow brown fox jumps over the lazy dog. Again!"
	// Copy "The " (offset 0, length 4), insert "slow", copy " brown fox jumps over the lazy dog." (offset 9, length 35), insert " Again!"
	var instr []byte

	// copy offset=0 length=4 -> opcode with offset byte0 present (bit0) and length byte0 present (bit4)
	instr = append(instr, 0x80|0x01|0x10, 0x00, 0x04)
	// insert "slow"
	instr = append(instr, 0x04)
	instr = append(instr, []byte("slow")...)
	// copy offset=9 length=35
	instr = append(instr, 0x80|0x01|0x10, 0x09, 0x23)
	// insert " Again!"
	insertTail := []byte(" Again!")
	instr = append(instr, byte(len(insertTail)))
	instr = append(instr, insertTail...)

	reconstructed := "The " + "slow" + string(base[9:9+35]) + " Again!"
	delta = append(delta, encodeDeltaVarint(uint64(len(reconstructed)))...)
	delta = append(delta, instr...)

	header, pos, err := ParseDeltaHeader(delta)
	require.NoError(t, err)
	require.Equal(t, uint64(len(base)), header.BaseSize)
	require.Equal(t, uint64(len(reconstructed)), header.ReconstructSize)

	out, err := ApplyDelta(base, header, delta, pos)
	require.NoError(t, err)
	require.Equal(t, reconstructed, string(out))
	require.Equal(t, HashObject("blob", out), HashObject("blob", []byte(reconstructed)))
}

func TestDeltaApplyRejectsBaseSizeMismatch(t *testing.T) {
	base := []byte("short")
	header := DeltaHeader{BaseSize: 999, ReconstructSize: 0}
	_, err := ApplyDelta(base, header, nil, 0)
	require.Error(t, err)
}

func TestDeltaApplyRejectsOutOfRangeCopy(t *testing.T) {
	base := []byte("abc")
	header := DeltaHeader{BaseSize: 3, ReconstructSize: 10}
	// copy offset=0 length=10 (larger than base)
	delta := []byte{0x80 | 0x01 | 0x10, 0x00, 0x0a}
	_, err := ApplyDelta(base, header, delta, 0)
	require.Error(t, err)
}
