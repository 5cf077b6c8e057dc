//go:build linux

package main

import "domlink/link"

func openMmapBackend(device string) (link.HWIO, func() error, error) {
	hw, err := link.OpenMmapHW(device)
	if err != nil {
		return nil, nil, err
	}
	return hw, hw.Close, nil
}
