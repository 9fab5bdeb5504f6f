package queue

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/hashicorp-forge/hermes-committer/pkg/fieldmap"
)

const (
	recordMagic      = 0x48435152 // "HCQR"
	recordHeaderSize = 12         // 4 (magic) + 4 (crc) + 4 (length)
	maxRecordSize    = 64 << 20

	recordExt = ".op"
	blobExt   = ".blob"
	tmpExt    = ".tmp"
	lockName  = ".lock"
)

var (
	crcTable = crc32.MakeTable(crc32.Castagnoli)

	errCorruptRecord = errors.New("corrupt queue record")
)

// recordBody is the JSON payload of a record file.
type recordBody struct {
	Seq        uint64              `json:"seq"`
	Kind       Kind                `json:"kind"`
	ID         string              `json:"id"`
	Attributes fieldmap.Attributes `json:"attributes,omitempty"`
	HasContent bool                `json:"has_content,omitempty"`
}

func encodeRecord(body recordBody) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %d: %w", body.Seq, err)
	}

	var buf bytes.Buffer
	buf.Grow(recordHeaderSize + len(payload))
	_ = binary.Write(&buf, binary.BigEndian, uint32(recordMagic))
	_ = binary.Write(&buf, binary.BigEndian, crc32.Checksum(payload, crcTable))
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (recordBody, error) {
	var body recordBody
	if len(data) < recordHeaderSize {
		return body, fmt.Errorf("%w: short header (%d bytes)", errCorruptRecord, len(data))
	}

	magic := binary.BigEndian.Uint32(data[0:4])
	crc := binary.BigEndian.Uint32(data[4:8])
	length := binary.BigEndian.Uint32(data[8:12])

	if magic != recordMagic {
		return body, fmt.Errorf("%w: invalid magic 0x%X", errCorruptRecord, magic)
	}
	if length > maxRecordSize || int(length) != len(data)-recordHeaderSize {
		return body, fmt.Errorf("%w: length %d does not match %d payload bytes",
			errCorruptRecord, length, len(data)-recordHeaderSize)
	}

	payload := data[recordHeaderSize:]
	if crc32.Checksum(payload, crcTable) != crc {
		return body, fmt.Errorf("%w: crc mismatch", errCorruptRecord)
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return body, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	return body, nil
}

func recordName(seq uint64) string {
	return fmt.Sprintf("%020d%s", seq, recordExt)
}

func blobName(seq uint64) string {
	return fmt.Sprintf("%020d%s", seq, blobExt)
}

// parseSeq extracts the sequence number from a file name with the given
// extension.
func parseSeq(name, ext string) (uint64, bool) {
	if !strings.HasSuffix(name, ext) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(name, ext), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
