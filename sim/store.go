package sim

import (
	"fmt"
	"io"
)

type sparseStore struct {
	rawPageSize uint32
	pages       map[uint64][]byte
}

func newSparseStore(rawPageSize uint32) *sparseStore {
	return &sparseStore{rawPageSize: rawPageSize, pages: make(map[uint64][]byte)}
}

func (s *sparseStore) readRaw(index uint64, buffer []byte) error {
	page, ok := s.pages[index]
	if !ok {
		for i := range buffer {
			buffer[i] = 0xFF
		}
		return nil
	}
	copy(buffer, page)
	return nil
}

func (s *sparseStore) writeRaw(index uint64, data []byte) error {
	s.pages[index] = append([]byte(nil), data...)
	return nil
}

func (s *sparseStore) erase(first uint64, count uint64) error {
	for i := first; i < first+count; i++ {
		delete(s.pages, i)
	}
	return nil
}

// streamStore keeps raw pages back to back in a stream such as an image file.
type streamStore struct {
	stream      io.ReadWriteSeeker
	rawPageSize uint32
}

func (s *streamStore) seek(index uint64) error {
	offset := int64(index) * int64(s.rawPageSize)
	position, err := s.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return err
	}
	if position != offset {
		return fmt.Errorf("seek to page %d landed at %d, expected %d", index, position, offset)
	}
	return nil
}

func (s *streamStore) readRaw(index uint64, buffer []byte) error {
	if err := s.seek(index); err != nil {
		return err
	}
	_, err := io.ReadFull(s.stream, buffer)
	return err
}

func (s *streamStore) writeRaw(index uint64, data []byte) error {
	if err := s.seek(index); err != nil {
		return err
	}
	_, err := s.stream.Write(data)
	return err
}

func (s *streamStore) erase(first uint64, count uint64) error {
	erased := make([]byte, s.rawPageSize)
	for i := range erased {
		erased[i] = 0xFF
	}
	for i := first; i < first+count; i++ {
		if err := s.writeRaw(i, erased); err != nil {
			return err
		}
	}
	return nil
}
