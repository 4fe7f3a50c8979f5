package raftpb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// crcTable matches the teacher's raftwal choice of polynomial.
//
// (etcd crc.Table)
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// EncodeEntry serializes an Entry into a self-describing, checksummed
// record: a uint32 length header (so a scanner can hop between records),
// the field payload, and a trailing crc32 over the payload. This mirrors
// the teacher's raftwal framing (length header + crc) without adopting
// its bit-packed padding scheme, since Entry has no alignment
// requirement the way etcd's mmap'd WAL does.
func EncodeEntry(e Entry) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, e.Index)
	writeUvarint(&buf, e.Term)
	buf.WriteByte(byte(e.Op))
	writeString(&buf, e.User)
	writeString(&buf, e.Key)
	writeString(&buf, e.Value)

	payload := buf.Bytes()
	crc := crc32.Checksum(payload, crcTable)

	out := make([]byte, 4+len(payload)+4)
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	binary.BigEndian.PutUint32(out[4+len(payload):], crc)
	return out
}

// DecodeEntry parses one framed record produced by EncodeEntry. It
// returns the entry, the number of bytes consumed, and an error if the
// checksum does not match (a truncated or torn write).
func DecodeEntry(b []byte) (Entry, int, error) {
	if len(b) < 8 {
		return Entry{}, 0, fmt.Errorf("raftpb: short record (%d bytes)", len(b))
	}
	n := binary.BigEndian.Uint32(b[:4])
	total := 4 + int(n) + 4
	if len(b) < total {
		return Entry{}, 0, fmt.Errorf("raftpb: truncated record, need %d have %d", total, len(b))
	}
	payload := b[4 : 4+n]
	wantCRC := binary.BigEndian.Uint32(b[4+n : total])
	if gotCRC := crc32.Checksum(payload, crcTable); gotCRC != wantCRC {
		return Entry{}, 0, fmt.Errorf("raftpb: crc mismatch: got %x want %x", gotCRC, wantCRC)
	}

	r := bytes.NewReader(payload)
	e := Entry{}
	e.Index, _ = binary.ReadUvarint(r)
	e.Term, _ = binary.ReadUvarint(r)
	opByte, _ := r.ReadByte()
	e.Op = OpKind(opByte)
	e.User = readString(r)
	e.Key = readString(r)
	e.Value = readString(r)
	return e, total, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) string {
	n, _ := binary.ReadUvarint(r)
	b := make([]byte, n)
	r.Read(b)
	return string(b)
}
