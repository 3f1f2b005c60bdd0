package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/loghive/loghive/internal/engine"
	"github.com/loghive/loghive/internal/model"
)

var ErrInvalidHeader = errors.New("invalid .hive file header")

// EntryIterator provides a row-by-row view of a snapshot file.
type EntryIterator interface {
	Next() bool
	Entry() model.LogEntry
	Error() error
	Close() error
}

type ColumnReader struct {
	decoder *zstd.Decoder
}

func NewColumnReader() (*ColumnReader, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &ColumnReader{decoder: dec}, nil
}

// NewIterator creates an iterator over a snapshot file applying the
// filter's scalar fields. LQL expressions are evaluated by the engine.
func (cr *ColumnReader) NewIterator(filename string, filter engine.Filter) (EntryIterator, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	it := &fileIterator{
		reader: cr,
		file:   f,
		filter: filter,
	}

	if err := it.init(); err != nil {
		f.Close()
		return nil, err
	}

	return it, nil
}

type fileIterator struct {
	reader *ColumnReader
	file   *os.File
	filter engine.Filter

	ids        []string
	timestamps []int64
	levels     []uint8
	services   []string
	messages   []string
	contexts   []string

	rowCount int
	cursor   int
	current  model.LogEntry
	err      error
}

func (it *fileIterator) init() error {
	header := make([]byte, 8)
	if _, err := io.ReadFull(it.file, header); err != nil {
		return err
	}
	if !bytes.Equal(header, MagicHeader) {
		return ErrInvalidHeader
	}

	// Footer: RowCount(4) + MinTs(8) + MaxTs(8) = 20 bytes
	info, err := it.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < 28 { // Header(8) + Footer(20)
		return errors.New("file too small")
	}

	footer := make([]byte, 20)
	if _, err := it.file.ReadAt(footer, info.Size()-20); err != nil {
		return err
	}

	rowCount := binary.LittleEndian.Uint32(footer[0:4])
	minTs := int64(binary.LittleEndian.Uint64(footer[4:12]))
	maxTs := int64(binary.LittleEndian.Uint64(footer[12:20]))

	it.rowCount = int(rowCount)
	it.cursor = -1

	if rowCount == 0 {
		return nil
	}

	// File-level pruning based on the footer time range
	if rowCount > 0 {
		if it.filter.MinTime > 0 && maxTs < it.filter.MinTime {
			it.rowCount = 0
			return nil
		}
		if it.filter.MaxTime > 0 && minTs > it.filter.MaxTime {
			it.rowCount = 0
			return nil
		}
	}

	idData, err := it.reader.readAndDecompress(it.file)
	if err != nil {
		return err
	}
	it.ids = bytesToStringSlice(idData)

	tsData, err := it.reader.readAndDecompress(it.file)
	if err != nil {
		return err
	}
	it.timestamps = bytesToInt64Slice(tsData)

	lvlData, err := it.reader.readAndDecompress(it.file)
	if err != nil {
		return err
	}
	it.levels = lvlData

	svcData, err := it.reader.readAndDecompress(it.file)
	if err != nil {
		return err
	}
	it.services = bytesToStringSlice(svcData)

	msgData, err := it.reader.readAndDecompress(it.file)
	if err != nil {
		return err
	}
	it.messages = bytesToStringSlice(msgData)

	ctxData, err := it.reader.readAndDecompress(it.file)
	if err != nil {
		return err
	}
	it.contexts = bytesToStringSlice(ctxData)

	if it.rowCount != len(it.ids) || it.rowCount != len(it.timestamps) ||
		it.rowCount != len(it.levels) || it.rowCount != len(it.services) ||
		it.rowCount != len(it.messages) || it.rowCount != len(it.contexts) {
		return errors.New("column length mismatch")
	}

	return nil
}

func (it *fileIterator) Next() bool {
	for {
		it.cursor++
		if it.cursor >= it.rowCount {
			return false
		}

		ts := it.timestamps[it.cursor]
		if it.filter.MinTime > 0 && ts < it.filter.MinTime {
			continue
		}
		if it.filter.MaxTime > 0 && ts > it.filter.MaxTime {
			continue
		}

		lvl := it.levels[it.cursor]
		if it.filter.Level != model.LevelUnset && lvl != it.filter.Level {
			continue
		}

		svc := it.services[it.cursor]
		if it.filter.Service != "" && svc != it.filter.Service {
			continue
		}

		ctx, err := model.DecodeContext([]byte(it.contexts[it.cursor]))
		if err != nil {
			it.err = err
			return false
		}

		it.current = model.LogEntry{
			ID:        it.ids[it.cursor],
			Timestamp: ts,
			Level:     model.DecodeLevel(lvl),
			Service:   svc,
			Message:   it.messages[it.cursor],
			Context:   ctx,
		}
		return true
	}
}

func (it *fileIterator) Entry() model.LogEntry {
	return it.current
}

func (it *fileIterator) Error() error {
	return it.err
}

func (it *fileIterator) Close() error {
	return it.file.Close()
}

// ReadSnapshot reads a snapshot file and returns entries matching
// the filter's scalar fields.
func (cr *ColumnReader) ReadSnapshot(filename string, filter engine.Filter) ([]model.LogEntry, error) {
	it, err := cr.NewIterator(filename, filter)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var entries []model.LogEntry
	for it.Next() {
		entries = append(entries, it.Entry())
	}
	return entries, it.Error()
}

// readAndDecompress reads a compressed block (size + data) and decompresses it.
func (cr *ColumnReader) readAndDecompress(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}

	compressed := make([]byte, size)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, err
	}

	return cr.decoder.DecodeAll(compressed, nil)
}

// bytesToInt64Slice converts a byte slice to []int64 (LittleEndian).
func bytesToInt64Slice(data []byte) []int64 {
	count := len(data) / 8
	result := make([]int64, count)
	for i := 0; i < count; i++ {
		result[i] = int64(binary.LittleEndian.Uint64(data[i*8 : i*8+8]))
	}
	return result
}

// bytesToStringSlice converts a byte slice to []string.
// Format: [Len uint32][Bytes]...
func bytesToStringSlice(data []byte) []string {
	var result []string
	buf := bytes.NewReader(data)

	for buf.Len() > 0 {
		var length uint32
		if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
			break
		}
		strBytes := make([]byte, length)
		if _, err := io.ReadFull(buf, strBytes); err != nil {
			break
		}
		result = append(result, string(strBytes))
	}

	return result
}
