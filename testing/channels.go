package testing

import (
	"io"
	"sync"
)

// FaultyChannel wraps a channel and damages chosen writes, counted from 1 in
// the order they happen. It assumes each frame goes out in a single Write.
type FaultyChannel struct {
	channel io.ReadWriter

	lock    sync.Mutex
	writes  int
	corrupt map[int]bool
	drop    map[int]bool
}

func NewFaultyChannel(channel io.ReadWriter) *FaultyChannel {
	return &FaultyChannel{
		channel: channel,
		corrupt: make(map[int]bool),
		drop:    make(map[int]bool),
	}
}

// CorruptWrites flips the lowest bit of the last byte of the given writes.
func (f *FaultyChannel) CorruptWrites(writes ...int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, n := range writes {
		f.corrupt[n] = true
	}
}

// DropWrites silently discards the given writes.
func (f *FaultyChannel) DropWrites(writes ...int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, n := range writes {
		f.drop[n] = true
	}
}

// Writes returns the number of writes seen so far, damaged ones included.
func (f *FaultyChannel) Writes() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.writes
}

func (f *FaultyChannel) Read(buf []byte) (int, error) {
	return f.channel.Read(buf)
}

func (f *FaultyChannel) Write(buf []byte) (int, error) {
	f.lock.Lock()
	f.writes++
	n := f.writes
	drop := f.drop[n]
	corrupt := f.corrupt[n]
	f.lock.Unlock()

	if drop {
		return len(buf), nil
	}
	if corrupt && len(buf) > 0 {
		damaged := append([]byte(nil), buf...)
		damaged[len(damaged)-1] ^= 0x01
		return f.channel.Write(damaged)
	}
	return f.channel.Write(buf)
}

func (f *FaultyChannel) Close() error {
	if closer, ok := f.channel.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
