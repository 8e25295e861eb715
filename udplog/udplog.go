// Package udplog emits wavedcc's diagnostic record stream: one UDP
// datagram per record, a printable ASCII line of the form
// <sec>_<usec>: <message>, so current traces can be captured with
// nothing more than netcat.
package udplog

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Addr is where the record stream goes.
const Addr = "127.0.0.1:9035"

type Logger struct {
	conn net.Conn
}

func Dial() (*Logger, error) {
	conn, err := net.Dial("udp", Addr)
	if err != nil {
		return nil, fmt.Errorf("udplog: %w", err)
	}
	return &Logger{conn: conn}, nil
}

// Printf sends one record. Send errors are dropped; the stream is
// advisory and must never stall the station.
func (l *Logger) Printf(format string, args ...any) {
	var tv unix.Timeval
	if err := unix.Gettimeofday(&tv); err != nil {
		return
	}
	msg := fmt.Sprintf("%d_%d: ", tv.Sec, tv.Usec) + fmt.Sprintf(format, args...)
	l.conn.Write([]byte(msg))
}

func (l *Logger) Close() error {
	return l.conn.Close()
}
