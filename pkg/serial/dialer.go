package serial

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tarm/serial"
)

// Dialer establishes the byte stream under a Port.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

// TCPDialer reaches the peer over TCP, for modem servers and pty bridges.
type TCPDialer struct {
	Address string
	Timeout time.Duration
}

// Dial implements Dialer.
func (d TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Address, err)
	}
	return conn, nil
}

func (d TCPDialer) String() string { return "tcp:" + d.Address }

// DeviceDialer opens a local serial device.
type DeviceDialer struct {
	Name string
	Baud int
	// ReadTimeout zero blocks reads until data arrives.
	ReadTimeout time.Duration
}

// Dial implements Dialer. Opening a tty does not honour ctx.
func (d DeviceDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        d.Name,
		Baud:        d.Baud,
		ReadTimeout: d.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}
	return port, nil
}

func (d DeviceDialer) String() string { return "device:" + d.Name }
