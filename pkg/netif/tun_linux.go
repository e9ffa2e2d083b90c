//go:build linux

package netif

import "github.com/songgao/water"

func tunConfig(name string) water.Config {
	config := water.Config{DeviceType: water.TUN}
	config.Name = name
	return config
}
