//go:build !linux

package main

func (s *session) pciDevices() error {
	return nil
}
