package mocks

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Entry is one member of a test archive. Files have Body, links have Link.
type Entry struct {
	Name string
	Type byte
	Mode int64
	Body string
	Link string
}

// ZstdTar builds a zstd compressed tar stream holding entries.
func ZstdTar(entries ...Entry) []byte {
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.Name,
			Typeflag: e.Type,
			Mode:     e.Mode,
			Linkname: e.Link,
			ModTime:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			panic(err)
		}
		if hdr.Size > 0 {
			if _, err := tw.Write([]byte(e.Body)); err != nil {
				panic(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		panic(err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw.Bytes(), nil)
}

// PadTo appends a zstd skippable frame so the stream is exactly size bytes long.
// Streams that are already too long are returned as they are.
func PadTo(stream []byte, size int) []byte {
	const header = 8
	if len(stream)+header > size {
		return stream
	}
	frame := make([]byte, header, size-len(stream))
	binary.LittleEndian.PutUint32(frame[0:4], 0x184D2A50)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(size-len(stream)-header))
	frame = append(frame, make([]byte, size-len(stream)-header)...)
	return append(stream, frame...)
}
