//go:build !linux

package netif

import "github.com/songgao/water"

func tunConfig(name string) water.Config {
	return water.Config{DeviceType: water.TUN}
}
