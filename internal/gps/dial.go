package gps

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/banshee-data/spotspray/internal/serialport"
)

// Dialer opens a stream of NMEA bytes.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadCloser, error)
	String() string
}

// TCPDialer connects to a receiver (or an str2str relay) serving NMEA over TCP.
type TCPDialer struct {
	Host    string
	Port    int
	Timeout time.Duration // defaults to 5s
}

func (d TCPDialer) Dial(ctx context.Context) (io.ReadCloser, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(d.Host, strconv.Itoa(d.Port)))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d, err)
	}
	return conn, nil
}

func (d TCPDialer) String() string {
	return "tcp://" + net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// SerialDialer reads NMEA directly from a UART-attached receiver.
type SerialDialer struct {
	Device  string
	Options serialport.Options
	// Open defaults to serialport.DefaultOpener.
	Open serialport.Opener
}

func (d SerialDialer) Dial(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	open := d.Open
	if open == nil {
		open = serialport.DefaultOpener
	}
	port, err := open(d.Device, d.Options)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d, err)
	}
	return port, nil
}

func (d SerialDialer) String() string {
	return "serial://" + d.Device
}
