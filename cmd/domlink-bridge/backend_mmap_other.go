//go:build !linux

package main

import (
	"fmt"

	"domlink/link"
)

func openMmapBackend(device string) (link.HWIO, func() error, error) {
	return nil, nil, fmt.Errorf("mmap backend requires linux (device mmap syscalls aren't portable)")
}
