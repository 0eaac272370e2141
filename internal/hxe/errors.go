package hxe

import "fmt"

// LoadError is the stable error category surfaced at load (§7). Every
// sentinel below is wrapped with additional context via fmt.Errorf before
// it reaches a caller, but errors.Is against these sentinels still works.
var (
	// ErrBadMagic is returned when the file does not begin with "HSXE".
	ErrBadMagic = fmt.Errorf("hxe: bad magic")

	// ErrCrcMismatch is returned when the stored CRC32 does not match the
	// CRC computed over header+code+rodata+metadata.
	ErrCrcMismatch = fmt.Errorf("hxe: crc_mismatch")

	// ErrBadAlignment is returned when code_len or ro_len is not a
	// multiple of 4.
	ErrBadAlignment = fmt.Errorf("hxe: bad_alignment")

	// ErrDuplicateMetadata is returned for duplicate (group, id) pairs or
	// duplicate mailbox targets within one image.
	ErrDuplicateMetadata = fmt.Errorf("hxe: duplicate_metadata")

	// ErrTruncated is returned when the file is shorter than the header
	// declares.
	ErrTruncated = fmt.Errorf("hxe: truncated")

	// ErrSizeCap is returned when metadata, string pool, or code+rodata
	// exceeds its size cap.
	ErrSizeCap = fmt.Errorf("hxe: size_cap_exceeded")

	// ErrOverlap is returned when a metadata section overlaps code or
	// rodata, or claims more bytes than the file contains.
	ErrOverlap = fmt.Errorf("hxe: metadata_overlap")

	// ErrEntryOutOfRange is returned when entry is not in [0, code_len).
	ErrEntryOutOfRange = fmt.Errorf("hxe: entry_out_of_range")
)

// UnsupportedVersionError reports an image version outside {1, 2}.
type UnsupportedVersionError struct {
	Version uint16
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported_version:%d", e.Version)
}
