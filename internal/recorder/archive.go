package recorder

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/meridian-neuro/retinomap/internal/frame"
)

// Archive file layout: a fixed magic and version, a length-prefixed JSON
// header, then length-prefixed binary records. Each record is
//
//	u64 frame_id, u64 timestamp_us, u32 frame_index, f64 angle_degrees,
//	u32 payload_len, payload
//
// all little-endian. The offline analysis stage reads these sequentially;
// there is no seek index because directions are replayed start to finish.
const (
	archiveMagic    = "RMA1"
	recordPrefixLen = 8 + 8 + 4 + 8 + 4
)

// ArchiveHeader describes one direction archive. Geometry is per-archive
// because every frame of a direction shares it; zero geometry means the
// archive is empty.
type ArchiveHeader struct {
	SessionName string          `json:"session_name"`
	Direction   frame.Direction `json:"direction"`
	Kind        string          `json:"kind"` // "stimulus" or "camera"
	RecordCount int             `json:"record_count"`
	WidthPx     uint32          `json:"width_px"`
	HeightPx    uint32          `json:"height_px"`
	Channels    uint8           `json:"channels"`
	CreatedNs   int64           `json:"created_ns"`
}

// ArchiveRecord is one decoded archive entry.
type ArchiveRecord struct {
	FrameID         uint64
	TimestampMicros uint64
	FrameIndex      uint32
	AngleDegrees    float64
	Bytes           []byte
}

func writeArchive(path, sessionName string, dir frame.Direction, kind string, geom geometry, records []archiveRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	header, err := json.Marshal(ArchiveHeader{
		SessionName: sessionName,
		Direction:   dir,
		Kind:        kind,
		RecordCount: len(records),
		WidthPx:     geom.widthPx,
		HeightPx:    geom.heightPx,
		Channels:    geom.channels,
		CreatedNs:   time.Now().UnixNano(),
	})
	if err != nil {
		return err
	}

	if _, err := w.WriteString(archiveMagic); err != nil {
		return err
	}
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(header)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}

	prefix := make([]byte, recordPrefixLen)
	for _, rec := range records {
		binary.LittleEndian.PutUint64(prefix[0:8], rec.frameID)
		binary.LittleEndian.PutUint64(prefix[8:16], rec.timestampMicros)
		binary.LittleEndian.PutUint32(prefix[16:20], rec.frameIndex)
		binary.LittleEndian.PutUint64(prefix[20:28], math.Float64bits(rec.angleDegrees))
		binary.LittleEndian.PutUint32(prefix[28:32], uint32(len(rec.bytes)))
		if _, err := w.Write(prefix); err != nil {
			return err
		}
		if _, err := w.Write(rec.bytes); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// ReadArchive loads a direction archive written by SaveSession.
func ReadArchive(path string) (ArchiveHeader, []ArchiveRecord, error) {
	var header ArchiveHeader

	f, err := os.Open(path)
	if err != nil {
		return header, nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, len(archiveMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return header, nil, fmt.Errorf("read archive magic: %w", err)
	}
	if string(magic) != archiveMagic {
		return header, nil, fmt.Errorf("%s is not a direction archive", path)
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return header, nil, fmt.Errorf("read archive header length: %w", err)
	}
	headerBuf := make([]byte, binary.LittleEndian.Uint32(lenBuf))
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return header, nil, fmt.Errorf("read archive header: %w", err)
	}
	if err := json.Unmarshal(headerBuf, &header); err != nil {
		return header, nil, fmt.Errorf("parse archive header: %w", err)
	}

	records := make([]ArchiveRecord, 0, header.RecordCount)
	prefix := make([]byte, recordPrefixLen)
	for i := 0; i < header.RecordCount; i++ {
		if _, err := io.ReadFull(r, prefix); err != nil {
			return header, nil, fmt.Errorf("read record %d: %w", i, err)
		}
		rec := ArchiveRecord{
			FrameID:         binary.LittleEndian.Uint64(prefix[0:8]),
			TimestampMicros: binary.LittleEndian.Uint64(prefix[8:16]),
			FrameIndex:      binary.LittleEndian.Uint32(prefix[16:20]),
			AngleDegrees:    math.Float64frombits(binary.LittleEndian.Uint64(prefix[20:28])),
		}
		payloadLen := binary.LittleEndian.Uint32(prefix[28:32])
		rec.Bytes = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, rec.Bytes); err != nil {
			return header, nil, fmt.Errorf("read record %d payload: %w", i, err)
		}
		records = append(records, rec)
	}

	return header, records, nil
}
