package hxe

import "hash/crc32"

// crcTable implements the CRC32 polynomial 0x04C11DB7 specified in §3.
// That polynomial, written in its bit-reflected form, is exactly
// crc32.IEEE (0xEDB88320) — the table the standard library already
// builds for "the" CRC-32 algorithm. No example repo in the retrieval
// pack reaches for a third-party CRC32 implementation (saferwall-pe
// computes its own checksums with hash/crc32 too), so hash/crc32 is used
// directly rather than hand-rolling the table.
var crcTable = crc32.IEEETable

// computeCRC32 checksums header[0:0x20) ++ code ++ rodata ++ metadata,
// per §3/§4.1. headerPrefix must be exactly 32 bytes (the common v1/v2
// prefix, with the stored crc32 field itself zeroed by the caller).
func computeCRC32(headerPrefix, code, rodata, metadata []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(headerPrefix)
	h.Write(code)
	h.Write(rodata)
	h.Write(metadata)
	return h.Sum32()
}
