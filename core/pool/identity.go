package pool

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/sandvfs/sandvfs/core/codes"
)

// Each slot persists a fixed-size identity record at the start of its
// backing file; the file content the slot serves begins at headerSize.
// The record carries the associated logical filename plus a BLAKE3
// digest of it, so an interrupted association is detected on the next
// initialization and the slot is recovered as free.
const (
	headerSize = 4096
	maxNameLen = 1024

	offMagic   = 0
	offVersion = 4
	offNameLen = 6
	offName    = 8
	offDigest  = offName + maxNameLen
)

var headerMagic = [4]byte{'S', 'V', 'S', '1'}

const headerVersion uint16 = 1

// encodeIdentity builds the identity record for a logical filename.
// An empty name encodes the free record (all zeros).
func encodeIdentity(name string) ([]byte, error) {
	buf := make([]byte, headerSize)
	if name == "" {
		return buf, nil
	}
	if len(name) > maxNameLen {
		return nil, codes.New(codes.Misuse, "associate", name, fmt.Errorf("name exceeds %d bytes", maxNameLen))
	}
	copy(buf[offMagic:], headerMagic[:])
	binary.LittleEndian.PutUint16(buf[offVersion:], headerVersion)
	binary.LittleEndian.PutUint16(buf[offNameLen:], uint16(len(name)))
	copy(buf[offName:], name)
	digest := blake3.Sum256([]byte(name))
	copy(buf[offDigest:], digest[:])
	return buf, nil
}

// decodeIdentity parses an identity record. It returns the associated
// name ("" for a free slot) or a Corruption error when the record is
// present but fails validation ; the caller recovers by treating the
// slot as free.
func decodeIdentity(buf []byte) (string, error) {
	if len(buf) < headerSize {
		return "", codes.New(codes.Corruption, "decode identity", "", fmt.Errorf("record truncated at %d bytes", len(buf)))
	}
	if isZero(buf[:offDigest+32]) {
		return "", nil
	}
	if !bytes.Equal(buf[offMagic:offMagic+4], headerMagic[:]) {
		return "", codes.New(codes.Corruption, "decode identity", "", fmt.Errorf("bad magic"))
	}
	if v := binary.LittleEndian.Uint16(buf[offVersion:]); v != headerVersion {
		return "", codes.New(codes.Corruption, "decode identity", "", fmt.Errorf("unsupported version %d", v))
	}
	nameLen := int(binary.LittleEndian.Uint16(buf[offNameLen:]))
	if nameLen == 0 || nameLen > maxNameLen {
		return "", codes.New(codes.Corruption, "decode identity", "", fmt.Errorf("bad name length %d", nameLen))
	}
	name := string(buf[offName : offName+nameLen])
	digest := blake3.Sum256([]byte(name))
	if !bytes.Equal(buf[offDigest:offDigest+32], digest[:]) {
		return "", codes.New(codes.Corruption, "decode identity", name, fmt.Errorf("digest mismatch"))
	}
	return name, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
