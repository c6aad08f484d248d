package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"cardreader/config"
	"cardreader/host/reader"
)

var (
	configPath  = flag.String("config", "", "JSON configuration file")
	transport   = flag.String("transport", "", "Transport: sim, pci, usb or serial")
	device      = flag.String("device", "", "PCI address or serial device path")
	profile     = flag.String("profile", "", "Chip profile (see 'profiles')")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
	capturePath = flag.String("capture", "", "Write a batch trace to this file")
	simSize     = flag.Int("sim-size", 0, "Simulated card size in MiB")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()
	rd, err := reader.Open(ctx, cfg, log)
	if err != nil {
		log.Error("open reader", zap.Error(err))
		os.Exit(1)
	}
	defer rd.Close()

	s := newSession(rd, os.Stdout)

	// Single command mode
	if flag.NArg() > 0 {
		if err := s.run(ctx, flag.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("Card reader on %s (%s)\n", cfg.Transport, rd.Controller().Profile().Name)
	fmt.Println("Enter commands (type 'help' for available commands, 'quit' to exit):")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		err := s.exec(ctx, line)
		if err == errQuit {
			fmt.Println("Goodbye!")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig() (*config.Config, error) {
	var data []byte
	if *configPath != "" {
		var err error
		if data, err = os.ReadFile(*configPath); err != nil {
			return nil, err
		}
	}
	return buildConfig(data, flagOverrides{
		Transport: *transport,
		Device:    *device,
		Profile:   *profile,
		LogLevel:  *logLevel,
		Capture:   *capturePath,
		SimSize:   *simSize,
	})
}

type flagOverrides struct {
	Transport, Device, Profile, LogLevel, Capture string
	SimSize                                       int
}

// buildConfig applies command line overrides to a JSON config and runs
// the result through the normal loader. Empty data means defaults only.
func buildConfig(data []byte, f flagOverrides) (*config.Config, error) {
	var cfg config.Config
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	set := func(field *string, v string) {
		if v != "" {
			*field = v
		}
	}
	set(&cfg.Transport, f.Transport)
	set(&cfg.Device, f.Device)
	set(&cfg.Profile, f.Profile)
	set(&cfg.LogLevel, f.LogLevel)
	set(&cfg.Capture, f.Capture)
	if f.SimSize != 0 {
		cfg.SimCardMB = f.SimSize
	}
	merged, err := json.Marshal(&cfg)
	if err != nil {
		return nil, err
	}
	return config.LoadConfig(merged)
}
