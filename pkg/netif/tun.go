package netif

import (
	"errors"
	"fmt"
	"os"

	"github.com/songgao/water"
	"go.uber.org/zap"
)

// TUN is a layer 3 tunnel device carrying the IPv4 traffic of the link.
type TUN struct {
	ifce   *water.Interface
	logger *zap.Logger
}

// OpenTUN creates a TUN device. name may be empty to let the kernel choose
// where the platform allows naming at all.
func OpenTUN(name string, logger *zap.Logger) (*TUN, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ifce, err := water.New(tunConfig(name))
	if err != nil {
		return nil, fmt.Errorf("create tun %q: %w", name, err)
	}
	logger.Info("TUN device created", zap.String("name", ifce.Name()))
	return &TUN{ifce: ifce, logger: logger.With(zap.String("interface", ifce.Name()))}, nil
}

// Name returns the device name.
func (t *TUN) Name() string { return t.ifce.Name() }

// Write sends one IPv4 packet into the host stack.
func (t *TUN) Write(pkt []byte) error {
	if _, err := t.ifce.Write(pkt); err != nil {
		return fmt.Errorf("write tun: %w", err)
	}
	return nil
}

// ReadLoop reads packets until the device is closed, passing each to
// deliver on the calling goroutine. bufSize bounds a packet.
func (t *TUN) ReadLoop(bufSize int, deliver func(pkt []byte)) error {
	buf := make([]byte, bufSize)
	for {
		n, err := t.ifce.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read tun: %w", err)
		}
		deliver(append([]byte(nil), buf[:n]...))
	}
}

// Close destroys the device.
func (t *TUN) Close() error {
	return t.ifce.Close()
}
