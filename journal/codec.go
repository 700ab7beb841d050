package journal

import (
	"encoding/binary"
	"fmt"
)

// Header is the unpacked form of one on-disk journal block header (spec
// §6). Exact byte offsets below mirror the original source's packed
// struct so that a migration from it would read existing journal regions
// bit-for-bit.
type Header struct {
	BlockMapHead    SequenceNumber
	SlabJournalHead SequenceNumber
	SequenceNumber  SequenceNumber
	Nonce           uint64
	RecoveryCount   uint8
	MetadataType    uint8
	EntryCount      uint16
	CheckByte       uint8
}

// metadataTypeRecoveryJournal is the only metadata_type tag this package
// produces; the field exists so a shared on-disk metadata region could
// disambiguate block types, per spec §6.
const metadataTypeRecoveryJournal = 1

// checkByteFor derives the header's check_byte from its nonce, the same
// way the original packed-recovery-journal-block format folds the nonce
// into a cheap corruption check independent of any full checksum.
func checkByteFor(nonce uint64) uint8 {
	return uint8(nonce>>8) ^ uint8(nonce)
}

// packHeader encodes h into a HeaderSize-byte buffer.
func packHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.BlockMapHead))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.SlabJournalHead))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.SequenceNumber))
	binary.LittleEndian.PutUint64(buf[24:32], h.Nonce)
	buf[32] = h.RecoveryCount
	buf[33] = h.MetadataType
	binary.LittleEndian.PutUint16(buf[34:36], h.EntryCount)
	buf[36] = h.CheckByte
	return buf
}

// unpackHeader decodes a HeaderSize-byte buffer into a Header.
func unpackHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("journal: short header, got %d bytes want %d: %w", len(buf), HeaderSize, ErrCorruptJournal)
	}
	return Header{
		BlockMapHead:    SequenceNumber(binary.LittleEndian.Uint64(buf[0:8])),
		SlabJournalHead: SequenceNumber(binary.LittleEndian.Uint64(buf[8:16])),
		SequenceNumber:  SequenceNumber(binary.LittleEndian.Uint64(buf[16:24])),
		Nonce:           binary.LittleEndian.Uint64(buf[24:32]),
		RecoveryCount:   buf[32],
		MetadataType:    buf[33],
		EntryCount:      binary.LittleEndian.Uint16(buf[34:36]),
		CheckByte:       buf[36],
	}, nil
}

// packEntry encodes e into an EntrySize-byte buffer.
func packEntry(e Entry) []byte {
	buf := make([]byte, EntrySize)
	buf[0] = uint8(e.Operation)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(e.Slot.PageDBN))
	buf[9] = e.Slot.SlotIndex
	binary.LittleEndian.PutUint64(buf[10:18], uint64(e.Mapping.PBN))
	buf[18] = uint8(e.Mapping.State)
	return buf
}

// unpackEntry decodes an EntrySize-byte buffer into an Entry.
func unpackEntry(buf []byte) Entry {
	return Entry{
		Operation: Operation(buf[0]),
		Slot: Slot{
			PageDBN:   PhysicalBlockNumber(binary.LittleEndian.Uint64(buf[1:9])),
			SlotIndex: buf[9],
		},
		Mapping: Mapping{
			PBN:   PhysicalBlockNumber(binary.LittleEndian.Uint64(buf[10:18])),
			State: MappingState(buf[18]),
		},
	}
}

// blockByteSize is the fixed on-disk size of one journal block, header
// plus a full packed entry array, regardless of how many entries are
// actually in use.
func blockByteSize(entriesPerBlock uint16) int {
	return HeaderSize + int(entriesPerBlock)*EntrySize
}

// encodeBlock packs a full on-disk block: header followed by entryCount
// packed entries padded with zero entries out to entriesPerBlock.
func encodeBlock(h Header, entries []Entry, entriesPerBlock uint16) []byte {
	buf := make([]byte, blockByteSize(entriesPerBlock))
	copy(buf, packHeader(h))
	off := HeaderSize
	for _, e := range entries {
		copy(buf[off:off+EntrySize], packEntry(e))
		off += EntrySize
	}
	return buf
}

// decodeBlock unpacks a full on-disk block.
func decodeBlock(buf []byte, entriesPerBlock uint16) (Header, []Entry, error) {
	h, err := unpackHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	want := blockByteSize(entriesPerBlock)
	if len(buf) < want {
		return Header{}, nil, fmt.Errorf("journal: short block, got %d bytes want %d: %w", len(buf), want, ErrCorruptJournal)
	}
	if int(h.EntryCount) > int(entriesPerBlock) {
		return Header{}, nil, fmt.Errorf("journal: entry count %d exceeds entries per block %d: %w", h.EntryCount, entriesPerBlock, ErrCorruptJournal)
	}
	entries := make([]Entry, h.EntryCount)
	off := HeaderSize
	for i := range entries {
		entries[i] = unpackEntry(buf[off : off+EntrySize])
		off += EntrySize
	}
	return h, entries, nil
}
