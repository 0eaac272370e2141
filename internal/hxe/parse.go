package hxe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Parse decodes and validates an in-memory ".hxe" image (§4.1's parse).
// It never mutates bytes and never retains it beyond the call.
func Parse(raw []byte) (*Image, error) {
	if len(raw) < HeaderSizeV1 {
		return nil, fmt.Errorf("%w: file shorter than header", ErrTruncated)
	}
	if !bytes.Equal(raw[0:4], []byte(Magic)) {
		return nil, fmt.Errorf("%w: got %q", ErrBadMagic, raw[0:4])
	}

	version := binary.BigEndian.Uint16(raw[4:6])
	switch version {
	case 1:
		return parseV1(raw)
	case 2:
		return parseV2(raw)
	default:
		return nil, &UnsupportedVersionError{Version: version}
	}
}

func decodeHeader(raw []byte) Header {
	var h Header
	copy(h.Magic[:], raw[0:4])
	h.Version = binary.BigEndian.Uint16(raw[4:6])
	h.Flags = binary.BigEndian.Uint16(raw[6:8])
	h.Entry = binary.BigEndian.Uint32(raw[8:12])
	h.CodeLen = binary.BigEndian.Uint32(raw[12:16])
	h.RoLen = binary.BigEndian.Uint32(raw[16:20])
	h.BssSize = binary.BigEndian.Uint32(raw[20:24])
	h.ReqCaps = binary.BigEndian.Uint32(raw[24:28])
	h.Crc32 = binary.BigEndian.Uint32(raw[28:32])
	return h
}

func validateCommon(h Header) error {
	if h.CodeLen%4 != 0 || h.RoLen%4 != 0 {
		return fmt.Errorf("%w: code_len=%d ro_len=%d", ErrBadAlignment, h.CodeLen, h.RoLen)
	}
	if h.Entry >= h.CodeLen {
		return fmt.Errorf("%w: entry=%d code_len=%d", ErrEntryOutOfRange, h.Entry, h.CodeLen)
	}
	if uint64(h.CodeLen)+uint64(h.RoLen) > MaxCodeRodataBytes {
		return fmt.Errorf("%w: code+rodata exceeds %d bytes", ErrSizeCap, MaxCodeRodataBytes)
	}
	return nil
}

func parseV1(raw []byte) (*Image, error) {
	if len(raw) < HeaderSizeV1 {
		return nil, fmt.Errorf("%w: v1 header", ErrTruncated)
	}
	h := decodeHeader(raw)
	if err := validateCommon(h); err != nil {
		return nil, err
	}

	need := uint64(HeaderSizeV1) + uint64(h.CodeLen) + uint64(h.RoLen)
	if uint64(len(raw)) < need {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, need, len(raw))
	}

	code := raw[HeaderSizeV1 : HeaderSizeV1+int(h.CodeLen)]
	rodata := raw[HeaderSizeV1+int(h.CodeLen) : HeaderSizeV1+int(h.CodeLen)+int(h.RoLen)]

	prefix := make([]byte, HeaderSizeV1)
	copy(prefix, raw[:HeaderSizeV1])
	binary.BigEndian.PutUint32(prefix[28:32], 0) // zero the stored crc field

	if got := computeCRC32(prefix, code, rodata, nil); got != h.Crc32 {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCrcMismatch, h.Crc32, got)
	}

	return &Image{
		Version: h.Version,
		Flags:   h.Flags,
		Entry:   h.Entry,
		BssSize: h.BssSize,
		ReqCaps: h.ReqCaps,
		Code:    append([]byte(nil), code...),
		Rodata:  append([]byte(nil), rodata...),
	}, nil
}

func parseV2(raw []byte) (*Image, error) {
	if len(raw) < HeaderSizeV2 {
		return nil, fmt.Errorf("%w: v2 header", ErrTruncated)
	}
	h := decodeHeader(raw)
	if err := validateCommon(h); err != nil {
		return nil, err
	}

	appName := decodeAppName(raw[32:64])
	metaOffset := binary.BigEndian.Uint32(raw[64:68])
	metaCount := binary.BigEndian.Uint32(raw[68:72])

	codeStart := HeaderSizeV2
	codeEnd := codeStart + int(h.CodeLen)
	roEnd := codeEnd + int(h.RoLen)

	if uint64(len(raw)) < uint64(roEnd) {
		return nil, fmt.Errorf("%w: need %d bytes for code+rodata, have %d", ErrTruncated, roEnd, len(raw))
	}
	code := raw[codeStart:codeEnd]
	rodata := raw[codeEnd:roEnd]

	var (
		metaBytes []byte
		meta      Metadata
	)
	if metaCount > 0 {
		entries, tableBytes, err := decodeSectionTable(raw, int(metaOffset), int(metaCount), roEnd)
		if err != nil {
			return nil, err
		}

		meta, metaBytes, err = decodeSections(raw, entries, roEnd)
		if err != nil {
			return nil, err
		}
		metaBytes = append(tableBytes, metaBytes...)
	}

	if len(metaBytes) > MaxMetadataBytes {
		return nil, fmt.Errorf("%w: metadata is %d bytes", ErrSizeCap, len(metaBytes))
	}
	if len(meta.Strings) > MaxStringPoolBytes {
		return nil, fmt.Errorf("%w: string pool is %d bytes", ErrSizeCap, len(meta.Strings))
	}

	if err := checkDuplicates(meta); err != nil {
		return nil, err
	}

	prefix := make([]byte, HeaderSizeV1)
	copy(prefix, raw[:HeaderSizeV1])
	binary.BigEndian.PutUint32(prefix[28:32], 0)

	if got := computeCRC32(prefix, code, rodata, metaBytes); got != h.Crc32 {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCrcMismatch, h.Crc32, got)
	}

	return &Image{
		Version:                h.Version,
		Flags:                  h.Flags,
		Entry:                  h.Entry,
		BssSize:                h.BssSize,
		ReqCaps:                h.ReqCaps,
		AppName:                appName,
		AllowMultipleInstances: h.Flags&FlagAllowMultipleInstances != 0,
		Code:                   append([]byte(nil), code...),
		Rodata:                 append([]byte(nil), rodata...),
		Meta:                   meta,
	}, nil
}

// decodeAppName strips the NUL terminator, trims trailing whitespace, and
// truncates at MaxAppNameLen (§4.1).
func decodeAppName(field []byte) string {
	n := bytes.IndexByte(field, 0)
	if n < 0 {
		n = len(field)
	}
	s := bytes.TrimRight(field[:n], " \t\r\n\x00")
	if len(s) > MaxAppNameLen {
		s = s[:MaxAppNameLen]
	}
	return string(s)
}

const sectionTableEntrySize = 16

func decodeSectionTable(raw []byte, offset, count, dataStart int) ([]SectionTableEntry, []byte, error) {
	tableSize := count * sectionTableEntrySize
	if offset < dataStart {
		return nil, nil, fmt.Errorf("%w: section table overlaps code/rodata", ErrOverlap)
	}
	if offset+tableSize > len(raw) {
		return nil, nil, fmt.Errorf("%w: section table claims bytes beyond file", ErrOverlap)
	}

	tableBytes := raw[offset : offset+tableSize]
	entries := make([]SectionTableEntry, count)
	for i := 0; i < count; i++ {
		e := tableBytes[i*sectionTableEntrySize : (i+1)*sectionTableEntrySize]
		entries[i] = SectionTableEntry{
			Type:       SectionType(binary.BigEndian.Uint32(e[0:4])),
			Offset:     binary.BigEndian.Uint32(e[4:8]),
			Size:       binary.BigEndian.Uint32(e[8:12]),
			EntryCount: binary.BigEndian.Uint32(e[12:16]),
		}
	}
	return entries, append([]byte(nil), tableBytes...), nil
}

func decodeSections(raw []byte, entries []SectionTableEntry, dataStart int) (Metadata, []byte, error) {
	var (
		meta     Metadata
		all      []byte
		sawValue = map[uint16]bool{}
		sawCmd   = map[uint16]bool{}
	)

	for _, e := range entries {
		start, size := int(e.Offset), int(e.Size)
		if start < dataStart {
			return Metadata{}, nil, fmt.Errorf("%w: section overlaps code/rodata", ErrOverlap)
		}
		if start+size > len(raw) {
			return Metadata{}, nil, fmt.Errorf("%w: section claims %d bytes beyond file", ErrOverlap, start+size-len(raw))
		}
		body := raw[start : start+size]
		all = append(all, body...)

		switch e.Type {
		case SectionValue:
			if err := checkEntryCount(e.EntryCount, 20, size); err != nil {
				return Metadata{}, nil, err
			}
			for i := 0; i < int(e.EntryCount); i++ {
				v := decodeValueEntry(body[i*20 : (i+1)*20])
				if sawValue[v.OID()] {
					return Metadata{}, nil, fmt.Errorf("%w: duplicate value oid %#x", ErrDuplicateMetadata, v.OID())
				}
				sawValue[v.OID()] = true
				meta.Values = append(meta.Values, v)
			}
		case SectionCommand:
			if err := checkEntryCount(e.EntryCount, 16, size); err != nil {
				return Metadata{}, nil, err
			}
			for i := 0; i < int(e.EntryCount); i++ {
				c := decodeCommandEntry(body[i*16 : (i+1)*16])
				if sawCmd[c.OID()] {
					return Metadata{}, nil, fmt.Errorf("%w: duplicate command oid %#x", ErrDuplicateMetadata, c.OID())
				}
				sawCmd[c.OID()] = true
				meta.Commands = append(meta.Commands, c)
			}
		case SectionMailbox:
			// Mailbox target strings aren't resolvable until the string
			// pool section is known, so duplicate-target detection runs
			// once more in checkDuplicates after the pool is assembled.
			if err := checkEntryCount(e.EntryCount, 16, size); err != nil {
				return Metadata{}, nil, err
			}
			for i := 0; i < int(e.EntryCount); i++ {
				m := decodeMailboxEntry(body[i*16 : (i+1)*16])
				meta.Mailboxes = append(meta.Mailboxes, m)
			}
		default:
			// Unknown section types are string pools (the last section
			// per-image carries the deduplicated string bytes); treat
			// any non-value/command/mailbox type as the pool.
			meta.Strings = append(meta.Strings, body...)
		}
	}

	return meta, all, nil
}

// checkEntryCount rejects a section whose declared entry_count, at
// entrySize bytes each, claims more bytes than the section itself
// carries — a crafted image could otherwise drive the decode loops
// above to slice past body's end.
func checkEntryCount(entryCount uint32, entrySize, size int) error {
	if uint64(entryCount)*uint64(entrySize) > uint64(size) {
		return fmt.Errorf("%w: section claims %d entries of %d bytes in a %d-byte section", ErrOverlap, entryCount, entrySize, size)
	}
	return nil
}

func decodeValueEntry(b []byte) ValueEntry {
	return ValueEntry{
		Group:       b[0],
		ValueID:     b[1],
		Flags:       b[2],
		AuthLevel:   b[3],
		InitHalf:    binary.BigEndian.Uint16(b[4:6]),
		NameOffset:  binary.BigEndian.Uint16(b[6:8]),
		UnitOffset:  binary.BigEndian.Uint16(b[8:10]),
		EpsilonHalf: binary.BigEndian.Uint16(b[10:12]),
		MinHalf:     binary.BigEndian.Uint16(b[12:14]),
		MaxHalf:     binary.BigEndian.Uint16(b[14:16]),
		PersistKey:  binary.BigEndian.Uint16(b[16:18]),
	}
}

func decodeCommandEntry(b []byte) CommandEntry {
	return CommandEntry{
		Group:         b[0],
		CmdID:         b[1],
		Flags:         b[2],
		AuthLevel:     b[3],
		HandlerOffset: binary.BigEndian.Uint32(b[4:8]),
		NameOffset:    binary.BigEndian.Uint16(b[8:10]),
		HelpOffset:    binary.BigEndian.Uint16(b[10:12]),
	}
}

func decodeMailboxEntry(b []byte) MailboxEntry {
	return MailboxEntry{
		TargetOffset: binary.BigEndian.Uint16(b[0:2]),
		QueueDepth:   binary.BigEndian.Uint16(b[2:4]),
		Flags:        binary.BigEndian.Uint16(b[4:6]),
	}
}

func checkDuplicates(meta Metadata) error {
	seen := map[string]bool{}
	for _, m := range meta.Mailboxes {
		target := meta.Strings.String(m.TargetOffset)
		if seen[target] {
			return fmt.Errorf("%w: duplicate mailbox target %q", ErrDuplicateMetadata, target)
		}
		seen[target] = true
	}
	return nil
}
