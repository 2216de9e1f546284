package protocol

import (
	"io"

	"github.com/juju/ratelimit"
)

// LimitedChannel throttles a channel to a fixed number of bytes per second in
// each direction, emulating a narrow serial link. Closing it closes the
// underlying channel if that can be closed.
type LimitedChannel struct {
	channel io.ReadWriter
	up      *ratelimit.Bucket
	down    *ratelimit.Bucket
}

// LimitChannel wraps `channel`. A non-positive rate leaves that direction
// unthrottled.
func LimitChannel(channel io.ReadWriter, upBytesPerSecond, downBytesPerSecond int64) *LimitedChannel {
	limited := &LimitedChannel{channel: channel}
	if upBytesPerSecond > 0 {
		limited.up = ratelimit.NewBucketWithRate(float64(upBytesPerSecond), upBytesPerSecond)
	}
	if downBytesPerSecond > 0 {
		limited.down = ratelimit.NewBucketWithRate(float64(downBytesPerSecond), downBytesPerSecond)
	}
	return limited
}

func (l *LimitedChannel) Read(buf []byte) (int, error) {
	n, err := l.channel.Read(buf)
	if l.down != nil && n > 0 {
		l.down.Wait(int64(n))
	}
	return n, err
}

func (l *LimitedChannel) Write(buf []byte) (int, error) {
	if l.up != nil {
		l.up.Wait(int64(len(buf)))
	}
	return l.channel.Write(buf)
}

func (l *LimitedChannel) Close() error {
	if closer, ok := l.channel.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
