//go:build !linux && !windows

package websocket

import "net"

func ListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
