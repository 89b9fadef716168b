package eventlog

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum computes the CRC32-IEEE checksum of a record.
// The timestamp is excluded so that compaction can rewrite records verbatim.
func CalculateChecksum(epoch string, seq uint64, typ string, body []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(epoch))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(typ))
	h.Write([]byte{'|'})
	h.Write(body)
	return h.Sum32()
}

// VerifyChecksum reports whether the stored checksum matches the record content.
func VerifyChecksum(rec Record) bool {
	return rec.Checksum == CalculateChecksum(rec.Epoch, rec.Seq, rec.Type, rec.Body)
}
