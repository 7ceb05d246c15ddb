// Package pds is the persistent data server: stack tables are stored as
// files keyed by a stable MemID, each framed with a header carrying the
// payload size and CRC so damaged records read back as absent.
package pds

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("pds: not found")
	// ErrCorrupt is returned for records failing validation. It matches
	// ErrNotFound: a corrupt record is treated as absent.
	ErrCorrupt = fmt.Errorf("pds: record corrupt: %w", ErrNotFound)
)

// MemID identifies one persistent record.
type MemID uint16

const (
	MemNetworkParams MemID = 0x0001
	MemNwkSecurity   MemID = 0x0002
	MemNwkOutCounter MemID = 0x0003
	MemApsKeyPairs   MemID = 0x0004
	MemRoutingTable  MemID = 0x0005
	MemAddressMap    MemID = 0x0006
	MemNeighborTable MemID = 0x0007
	MemZdoDevices    MemID = 0x0008
)

func (id MemID) String() string {
	switch id {
	case MemNetworkParams:
		return "network_params"
	case MemNwkSecurity:
		return "nwk_security"
	case MemNwkOutCounter:
		return "nwk_out_counter"
	case MemApsKeyPairs:
		return "aps_key_pairs"
	case MemRoutingTable:
		return "routing_table"
	case MemAddressMap:
		return "address_map"
	case MemNeighborTable:
		return "neighbor_table"
	case MemZdoDevices:
		return "zdo_devices"
	default:
		return fmt.Sprintf("mem_0x%04X", uint16(id))
	}
}

// Store defines the persistence interface.
type Store interface {
	Save(id MemID, data []byte) error
	// Load returns ErrNotFound (or ErrCorrupt) if the record is absent or
	// fails validation.
	Load(id MemID) ([]byte, error)
	Delete(id MemID) error
	List() ([]MemID, error)
	Close() error
}

const (
	recordMagic   = 0x5344 // "DS"
	recordVersion = 1
	headerSize    = 2 + 1 + 2 + 4 + 4
)

// Record framing: magic(2) version(1) id(2) size(4) crc32(4) payload.
func encodeRecord(id MemID, data []byte) []byte {
	buf := make([]byte, headerSize+len(data))
	binary.LittleEndian.PutUint16(buf[0:2], recordMagic)
	buf[2] = recordVersion
	binary.LittleEndian.PutUint16(buf[3:5], uint16(id))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(data)))
	binary.LittleEndian.PutUint32(buf[9:13], crc32.ChecksumIEEE(data))
	copy(buf[headerSize:], data)
	return buf
}

func decodeRecord(id MemID, raw []byte) ([]byte, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("mem %s: short header: %w", id, ErrCorrupt)
	}
	if binary.LittleEndian.Uint16(raw[0:2]) != recordMagic || raw[2] != recordVersion {
		return nil, fmt.Errorf("mem %s: bad magic or version: %w", id, ErrCorrupt)
	}
	if got := MemID(binary.LittleEndian.Uint16(raw[3:5])); got != id {
		return nil, fmt.Errorf("mem %s: record belongs to %s: %w", id, got, ErrCorrupt)
	}
	size := binary.LittleEndian.Uint32(raw[5:9])
	if int(size) != len(raw)-headerSize {
		return nil, fmt.Errorf("mem %s: size %d, have %d: %w", id, size, len(raw)-headerSize, ErrCorrupt)
	}
	data := raw[headerSize:]
	if crc := crc32.ChecksumIEEE(data); crc != binary.LittleEndian.Uint32(raw[9:13]) {
		return nil, fmt.Errorf("mem %s: crc mismatch: %w", id, ErrCorrupt)
	}
	return append([]byte(nil), data...), nil
}

// SaveJSON stores v as JSON under id.
func SaveJSON(s Store, id MemID, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pds: encode %s: %w", id, err)
	}
	return s.Save(id, data)
}

// LoadJSON decodes the record under id into v.
func LoadJSON(s Store, id MemID, v any) error {
	data, err := s.Load(id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("mem %s: %v: %w", id, err, ErrCorrupt)
	}
	return nil
}
