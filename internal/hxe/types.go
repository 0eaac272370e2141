// Package hxe parses and validates ".hxe" application images (§3, §4.1,
// §6): the on-disk format MiniVM tasks are loaded from. All multibyte
// fields are big-endian, matching the wire format in §6.
//
// Grounded on the teacher's file_io.go (struct-per-device, bounds-checked
// reads) and saferwall-pe's header-parsing style (sentinel errors, fixed
// struct layouts unpacked with encoding/binary).
package hxe

const (
	// Magic is the required four-byte tag at offset 0.
	Magic = "HSXE"

	// HeaderSizeV1 is the byte size of a v1 header.
	HeaderSizeV1 = 32
	// HeaderSizeV2 is the byte size of a v2 header, including the
	// app_name field and metadata section table pointer.
	HeaderSizeV2 = 96

	// RodataBase is the fixed base address rodata is mapped at in the
	// default MiniVM memory layout (§3).
	RodataBase = 0x4000

	// MaxAppNameLen is the maximum length of app_name before the
	// NUL terminator, after trailing-whitespace trimming (§4.1).
	MaxAppNameLen = 31

	// MaxMetadataBytes caps the combined size of all metadata sections.
	MaxMetadataBytes = 256 * 1024
	// MaxStringPoolBytes caps the per-image string pool.
	MaxStringPoolBytes = 64 * 1024
	// MaxCodeRodataBytes caps code+rodata so it fits under RodataBase
	// when the default memory layout is used.
	MaxCodeRodataBytes = 56 * 1024

	// CRC32 is computed with this polynomial (§3), the same polynomial
	// underlying the standard library's crc32.IEEE table in its
	// bit-reflected form — see crc.go.
	crc32Polynomial = 0x04C11DB7
)

// SectionType identifies a v2 metadata section's kind.
type SectionType uint32

const (
	SectionValue   SectionType = 1
	SectionCommand SectionType = 2
	SectionMailbox SectionType = 3
)

// Header is the common prefix of every image, valid for both v1 and v2
// files (the v1 layout in full; the first 32 bytes of a v2 layout).
type Header struct {
	Magic    [4]byte
	Version  uint16
	Flags    uint16
	Entry    uint32
	CodeLen  uint32
	RoLen    uint32
	BssSize  uint32
	ReqCaps  uint32
	Crc32    uint32
}

// FlagAllowMultipleInstances is the v2 flag bit permitting more than one
// concurrently-loaded instance of the same app_name (§3, §8 scenario 6).
const FlagAllowMultipleInstances uint16 = 0x0001

// HeaderV2 extends Header with the fields added in version 2.
type HeaderV2 struct {
	Header
	AppName    [32]byte
	MetaOffset uint32
	MetaCount  uint32
	Reserved   [24]byte
}

// SectionTableEntry describes one metadata section within a v2 image.
type SectionTableEntry struct {
	Type        SectionType
	Offset      uint32
	Size        uint32
	EntryCount  uint32
}

// ValueEntry is one 20-byte ".value" metadata record (§4.1).
type ValueEntry struct {
	Group       uint8
	ValueID     uint8
	Flags       uint8
	AuthLevel   uint8
	InitHalf    uint16
	NameOffset  uint16
	UnitOffset  uint16
	EpsilonHalf uint16
	MinHalf     uint16
	MaxHalf     uint16
	PersistKey  uint16
	_reserved   uint16
}

// OID returns the packed (group<<8)|value object id.
func (v ValueEntry) OID() uint16 { return uint16(v.Group)<<8 | uint16(v.ValueID) }

// CommandEntry is one 16-byte ".cmd" metadata record (§4.1).
type CommandEntry struct {
	Group         uint8
	CmdID         uint8
	Flags         uint8
	AuthLevel     uint8
	HandlerOffset uint32
	NameOffset    uint16
	HelpOffset    uint16
	_reserved     uint32
}

// OID returns the packed (group<<8)|cmd object id.
func (c CommandEntry) OID() uint16 { return uint16(c.Group)<<8 | uint16(c.CmdID) }

// Command flag bits (§3).
const (
	CmdFlagPin   uint8 = 0x01
	CmdFlagAsync uint8 = 0x02
)

// MailboxEntry is one 16-byte ".mailbox" metadata record (§4.1).
type MailboxEntry struct {
	TargetOffset uint16
	QueueDepth   uint16
	Flags        uint16
	_reserved    [10]byte
}

// DefaultMailboxCapacity is substituted for a zero QueueDepth.
const DefaultMailboxCapacity = 64

// Metadata is the fully decoded, validated metadata extracted from a v2
// image (§4.1's extract_metadata).
type Metadata struct {
	Values    []ValueEntry
	Commands  []CommandEntry
	Mailboxes []MailboxEntry
	Strings   StringPool
}

// StringPool is a deduplicated byte pool referenced by 16-bit offsets
// (§3). Offset 0 conventionally denotes "no string".
type StringPool []byte

// String returns the NUL-terminated string starting at offset, or "" if
// offset is 0 or out of range.
func (p StringPool) String(offset uint16) string {
	if offset == 0 || int(offset) >= len(p) {
		return ""
	}
	end := int(offset)
	for end < len(p) && p[end] != 0 {
		end++
	}
	return string(p[offset:end])
}

// Image is a fully parsed and validated ".hxe" file (§3).
type Image struct {
	Version  uint16
	Flags    uint16
	Entry    uint32
	BssSize  uint32
	ReqCaps  uint32

	// AppName is populated only for v2 images; empty for v1.
	AppName string
	// AllowMultipleInstances mirrors FlagAllowMultipleInstances.
	AllowMultipleInstances bool

	Code   []byte
	Rodata []byte
	Meta   Metadata
}
