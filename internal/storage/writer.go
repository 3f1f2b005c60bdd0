package storage

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/loghive/loghive/internal/engine"
)

// Snapshot file header
var MagicHeader = []byte("LOGHIVE1")

type ColumnWriter struct {
	encoder *zstd.Encoder
}

func NewColumnWriter() (*ColumnWriter, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	return &ColumnWriter{encoder: enc}, nil
}

// WriteSnapshot writes the MemTable to a .hive file.
// Column order: id, timestamp, level, service, message, context.
func (cw *ColumnWriter) WriteSnapshot(filename string, mt *engine.MemTable) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(MagicHeader); err != nil {
		return err
	}

	rowCount := uint32(len(mt.TsCol))
	if rowCount == 0 {
		return cw.writeFooter(f, 0, 0, 0)
	}

	minTs := mt.TsCol[0]
	maxTs := mt.TsCol[rowCount-1]

	if err := cw.writeStringCol(f, mt.IDCol); err != nil {
		return err
	}
	if err := cw.writeInt64Col(f, mt.TsCol); err != nil {
		return err
	}
	if err := cw.writeUint8Col(f, mt.LvlCol); err != nil {
		return err
	}
	if err := cw.writeStringCol(f, mt.SvcCol); err != nil {
		return err
	}
	if err := cw.writeStringCol(f, mt.MsgCol); err != nil {
		return err
	}
	if err := cw.writeStringCol(f, mt.CtxCol); err != nil {
		return err
	}

	return cw.writeFooter(f, rowCount, minTs, maxTs)
}

func (cw *ColumnWriter) writeInt64Col(f *os.File, data []int64) error {
	buf := new(bytes.Buffer)
	for _, v := range data {
		binary.Write(buf, binary.LittleEndian, v)
	}
	return cw.compressAndWrite(f, buf.Bytes())
}

func (cw *ColumnWriter) writeUint8Col(f *os.File, data []uint8) error {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, data)
	return cw.compressAndWrite(f, buf.Bytes())
}

func (cw *ColumnWriter) writeStringCol(f *os.File, data []string) error {
	buf := new(bytes.Buffer)
	// Serialize: [Len uint32][Bytes]...
	for _, s := range data {
		b := []byte(s)
		binary.Write(buf, binary.LittleEndian, uint32(len(b)))
		buf.Write(b)
	}
	return cw.compressAndWrite(f, buf.Bytes())
}

func (cw *ColumnWriter) compressAndWrite(f *os.File, raw []byte) error {
	compressed := cw.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))

	size := uint32(len(compressed))
	if err := binary.Write(f, binary.LittleEndian, size); err != nil {
		return err
	}

	_, err := f.Write(compressed)
	return err
}

func (cw *ColumnWriter) writeFooter(f *os.File, rowCount uint32, minTs, maxTs int64) error {
	// RowCount (4) + MinTs (8) + MaxTs (8)
	if err := binary.Write(f, binary.LittleEndian, rowCount); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, minTs); err != nil {
		return err
	}
	return binary.Write(f, binary.LittleEndian, maxTs)
}
