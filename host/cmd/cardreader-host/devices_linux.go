package main

import (
	"fmt"

	"cardreader/host/pci"
)

func (s *session) pciDevices() error {
	list, err := pci.Scan("/sys")
	if err != nil {
		return err
	}
	for _, d := range list {
		fmt.Fprintf(s.out, "pci %v\n", d)
	}
	return nil
}
