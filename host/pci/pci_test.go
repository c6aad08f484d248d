//go:build linux

package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"

	"cardreader/core"
	"cardreader/protocol"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// fakeSysfs lays out one PCI function and one u-dma-buf under a temp dir.
func fakeSysfs(t *testing.T, addr string, vid, pid uint16, dmaSize int) Config {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		SysfsRoot: filepath.Join(root, "sys"),
		DevRoot:   filepath.Join(root, "dev"),
		Address:   addr,
		BAR:       0,
		DMABuffer: "udmabuf0",
	}
	dev := filepath.Join(cfg.SysfsRoot, "bus/pci/devices", addr)
	writeFile(t, filepath.Join(dev, "vendor"), []byte(fmt.Sprintf("0x%04x\n", vid)))
	writeFile(t, filepath.Join(dev, "device"), []byte(fmt.Sprintf("0x%04x\n", pid)))
	writeFile(t, filepath.Join(dev, "resource0"), make([]byte, 4096))

	class := filepath.Join(cfg.SysfsRoot, "class/u-dma-buf", cfg.DMABuffer)
	writeFile(t, filepath.Join(class, "phys_addr"), []byte("0x0000000080000000\n"))
	writeFile(t, filepath.Join(class, "size"), []byte(strconv.Itoa(dmaSize)+"\n"))
	writeFile(t, filepath.Join(cfg.DevRoot, cfg.DMABuffer), make([]byte, dmaSize))
	return cfg
}

func TestWindow(t *testing.T) {
	cfg := fakeSysfs(t, "0000:02:00.0", 0x10EC, 0x5227, 1<<16)
	w, err := Open(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.Store32(protocol.RegBIER, 0xA5A55A5A)
	if got := w.Load32(protocol.RegBIER); got != 0xA5A55A5A {
		t.Errorf("BIER = 0x%08X", got)
	}
	raw, err := os.ReadFile(filepath.Join(cfg.SysfsRoot, "bus/pci/devices", cfg.Address, "resource0"))
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.NativeEndian.Uint32(raw[protocol.RegBIER:]); got != 0xA5A55A5A {
		t.Errorf("store not visible in the mapped file: 0x%08X", got)
	}

	host, bus := w.HostBuffer()
	if len(host) != protocol.HostBufferSize || bus != 0x80000000 {
		t.Errorf("host buffer %d bytes at 0x%08X", len(host), bus)
	}
	data, dbus, err := w.DMABuffer(512)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 512 || dbus != 0x80000000+uint32(w.dataOff) || dbus%pageSize != 0 {
		t.Errorf("data buffer %d bytes at 0x%08X", len(data), dbus)
	}
	if w.dataOff < protocol.HostBufferSize {
		t.Errorf("data region at %d overlaps the command area", w.dataOff)
	}
	if _, _, err := w.DMABuffer(1 << 16); !errors.Is(err, protocol.ErrBadArgument) {
		t.Errorf("oversized DMABuffer err = %v", err)
	}
}

func TestWindowMisalignedPanics(t *testing.T) {
	cfg := fakeSysfs(t, "0000:02:00.0", 0x10EC, 0x5227, 1<<16)
	w, err := Open(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	defer func() {
		if recover() == nil {
			t.Error("misaligned load did not panic")
		}
	}()
	w.Load32(2)
}

func TestOpenErrors(t *testing.T) {
	cfg := fakeSysfs(t, "0000:02:00.0", 0x10EC, 0x5227, 1<<16)

	missing := cfg
	missing.BAR = 2
	if _, err := Open(missing, nil); err == nil {
		t.Error("Open with a missing BAR succeeded")
	}

	noDMA := cfg
	noDMA.DMABuffer = "udmabuf9"
	if _, err := Open(noDMA, nil); err == nil {
		t.Error("Open with a missing DMA buffer succeeded")
	}

	small := fakeSysfs(t, "0000:03:00.0", 0x10EC, 0x5227, 4096)
	if _, err := Open(small, nil); !errors.Is(err, protocol.ErrBadArgument) {
		t.Errorf("Open with a one-page DMA buffer err = %v", err)
	}
}

func TestScan(t *testing.T) {
	cfg := fakeSysfs(t, "0000:02:00.0", 0x10EC, 0x5227, 1<<16)
	other := filepath.Join(cfg.SysfsRoot, "bus/pci/devices", "0000:00:1f.0")
	writeFile(t, filepath.Join(other, "vendor"), []byte("0x8086\n"))
	writeFile(t, filepath.Join(other, "device"), []byte("0xa324\n"))

	vid, pid, err := DeviceID(cfg.SysfsRoot, cfg.Address)
	if err != nil || vid != 0x10EC || pid != 0x5227 {
		t.Fatalf("DeviceID = %04x:%04x, %v", vid, pid, err)
	}

	p, _ := core.LookupDeviceProfile(protocol.KindDirect, 0x10EC, 0x5227)
	got, err := Scan(cfg.SysfsRoot)
	if err != nil {
		t.Fatal(err)
	}
	want := []Device{{Address: "0000:02:00.0", VendorID: 0x10EC, ProductID: 0x5227, Profile: p.Name}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Scan (-want +got):\n%s", diff)
	}
}
