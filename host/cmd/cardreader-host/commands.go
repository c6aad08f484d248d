package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"periph.io/x/conn/v3/physic"

	"cardreader/capture"
	"cardreader/core"
	"cardreader/host/reader"
	"cardreader/host/usb"
	"cardreader/protocol"
)

var errQuit = errors.New("quit")

// session runs interactive commands against one reader.
type session struct {
	rd  *reader.Reader
	out io.Writer
}

func newSession(rd *reader.Reader, out io.Writer) *session {
	return &session{rd: rd, out: out}
}

// exec splits line shell-style and runs it.
func (s *session) exec(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	return s.run(ctx, args)
}

func (s *session) run(ctx context.Context, args []string) error {
	ctl := s.rd.Controller()
	cmd, args := args[0], args[1:]

	switch cmd {
	case "quit", "exit", "q":
		return errQuit

	case "help", "?":
		s.printHelp()

	case "init":
		info, err := s.rd.InitCard(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, info)

	case "status":
		st, err := s.rd.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "status 0x%08X state %d\n", st, st>>9&0xF)

	case "cmd":
		return s.rawCommand(ctx, args)

	case "read", "dump":
		return s.read(ctx, args)

	case "write":
		return s.write(ctx, args)

	case "clock":
		return s.clock(ctx, args)

	case "tune":
		phase, err := ctl.TuneReceive(ctx, core.OpSendTuning)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "sample phase %d\n", phase)

	case "width":
		if len(args) != 1 {
			return usage("width <1|4|8>")
		}
		w, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		return ctl.SetBusWidth(ctx, w)

	case "voltage":
		if len(args) != 1 {
			return usage("voltage <3.3|1.8>")
		}
		switch args[0] {
		case "3.3":
			return ctl.SwitchVoltage(ctx, core.Voltage330)
		case "1.8":
			return ctl.SwitchVoltage(ctx, core.Voltage180)
		}
		return usage("voltage <3.3|1.8>")

	case "regr":
		if len(args) != 1 {
			return usage("regr <addr>")
		}
		addr, err := parseUint(args[0], 16)
		if err != nil {
			return err
		}
		v, err := ctl.ReadRegister(ctx, uint16(addr))
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "0x%04X = 0x%02X\n", addr, v)

	case "regw":
		if len(args) != 3 {
			return usage("regw <addr> <mask> <value>")
		}
		var v [3]uint64
		for i, bits := range []int{16, 8, 8} {
			var err error
			if v[i], err = parseUint(args[i], bits); err != nil {
				return err
			}
		}
		return ctl.WriteRegister(ctx, uint16(v[0]), uint8(v[1]), uint8(v[2]))

	case "history":
		events, err := ctl.History(ctx)
		if err != nil {
			return err
		}
		for _, e := range events {
			line := fmt.Sprintf("%s %-11s op=%-2d arg=0x%08X val=%d",
				e.At.Format("15:04:05.000"), e.Type, e.Op, e.Arg, e.Value)
			if e.Err != nil {
				line += " err=" + e.Err.Error()
			}
			fmt.Fprintln(s.out, line)
		}

	case "profiles":
		for _, name := range core.ProfileNames() {
			p, _ := core.LookupProfile(name)
			fmt.Fprintf(s.out, "%-8s %-6v %04x:%04x %d phases\n", p.Name, p.Kind, p.VendorID, p.ProductID, p.NumPhases)
		}
		fmt.Fprintf(s.out, "%d profiles\n", core.ProfileCount())

	case "devices":
		return s.devices()

	case "present":
		if len(args) != 1 {
			return usage("present <0|1>")
		}
		return s.rd.SetSimCardPresent(args[0] == "1")

	case "replay":
		if len(args) != 1 {
			return usage("replay <trace>")
		}
		return s.replay(args[0])

	default:
		return fmt.Errorf("unknown command: %s (type 'help' for available commands)", cmd)
	}
	return nil
}

func usage(u string) error {
	return fmt.Errorf("usage: %s: %w", u, protocol.ErrBadArgument)
}

// parseUint accepts decimal or 0x-prefixed hex.
func parseUint(s string, bits int) (uint64, error) {
	return strconv.ParseUint(s, 0, bits)
}

func (s *session) rawCommand(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return usage("cmd <op> [arg] [R0|R1|R1b|R2|R3|R6|R7]")
	}
	op, err := parseUint(args[0], 6)
	if err != nil {
		return err
	}
	var arg uint64
	if len(args) > 1 {
		if arg, err = parseUint(args[1], 32); err != nil {
			return err
		}
	}
	rsp := core.RespR1
	if len(args) > 2 {
		if rsp, err = core.ParseRespType(args[2]); err != nil {
			return err
		}
	}
	c := &core.Command{Op: uint8(op), Arg: uint32(arg), Resp: rsp}
	res := s.rd.Controller().SendCommand(ctx, c)
	if res.Err != nil {
		return res.Err
	}
	words := make([]string, 0, 4)
	n := 1
	if rsp == core.RespR2 {
		n = 4
	}
	for _, w := range c.Words[:n] {
		words = append(words, fmt.Sprintf("%08X", w))
	}
	fmt.Fprintf(s.out, "cmd%d %s: %s\n", op, rsp, strings.Join(words, " "))
	if res.Cleanup != nil {
		fmt.Fprintf(s.out, "cleanup: %v\n", res.Cleanup)
	}
	return nil
}

func (s *session) blockArgs(args []string, name string) (lba int64, count int, err error) {
	if len(args) < 1 {
		return 0, 0, usage(name + " <lba> [count]")
	}
	v, err := parseUint(args[0], 63)
	if err != nil {
		return 0, 0, err
	}
	count = 1
	if len(args) > 1 {
		if count, err = strconv.Atoi(args[1]); err != nil {
			return 0, 0, err
		}
	}
	return int64(v), count, nil
}

func (s *session) read(ctx context.Context, args []string) error {
	lba, count, err := s.blockArgs(args, "read")
	if err != nil {
		return err
	}
	buf := make([]byte, count*512)
	if err := s.rd.ReadBlocks(ctx, lba, buf); err != nil {
		return err
	}
	fmt.Fprint(s.out, hex.Dump(buf))
	return nil
}

func (s *session) write(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return usage("write <lba> <fill byte> [count]")
	}
	fill, err := parseUint(args[1], 8)
	if err != nil {
		return err
	}
	lba, count, err := s.blockArgs(append(args[:1:1], args[2:]...), "write")
	if err != nil {
		return err
	}
	buf := make([]byte, count*512)
	for i := range buf {
		buf[i] = byte(fill)
	}
	if err := s.rd.WriteBlocks(ctx, lba, buf); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "wrote %d blocks at %d\n", count, lba)
	return nil
}

var depths = map[string]core.SSCDepth{
	"4M":   core.SSCDepth4M,
	"2M":   core.SSCDepth2M,
	"1M":   core.SSCDepth1M,
	"500K": core.SSCDepth500K,
	"250K": core.SSCDepth250K,
}

func (s *session) clock(ctx context.Context, args []string) error {
	ctl := s.rd.Controller()
	if len(args) == 0 {
		mhz, err := ctl.ClockMHz(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "ssc clock %d MHz\n", mhz)
		return nil
	}
	var cfg core.ClockConfig
	if args[0] == "init" {
		cfg.Initial = true
	} else {
		mhz, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		cfg.Clock = physic.Frequency(mhz) * physic.MegaHertz
	}
	for _, a := range args[1:] {
		switch a {
		case "double":
			cfg.Double = true
		case "vp":
			cfg.VariablePhase = true
		default:
			d, ok := depths[strings.ToUpper(a)]
			if !ok {
				return usage("clock [MHz|init] [4M|2M|1M|500K|250K] [double] [vp]")
			}
			cfg.Depth = d
		}
	}
	return ctl.SwitchClock(ctx, cfg)
}

func (s *session) replay(path string) error {
	r, err := capture.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	for i := 0; ; i++ {
		e, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "#%d %s\n", i, e)
		for _, op := range e.Ops {
			fmt.Fprintf(s.out, "    %v\n", op)
		}
		if len(e.Response) > 0 {
			fmt.Fprintf(s.out, "    => % X\n", e.Response)
		}
	}
}

func (s *session) devices() error {
	list, err := usb.List()
	if err != nil {
		fmt.Fprintf(s.out, "usb: %v\n", err)
	}
	for _, d := range list {
		fmt.Fprintf(s.out, "usb %v\n", d)
	}
	return s.pciDevices()
}

func (s *session) printHelp() {
	fmt.Fprintln(s.out, "\nAvailable commands:")
	fmt.Fprintln(s.out, "  init                       - Power up and initialize the card")
	fmt.Fprintln(s.out, "  status                     - Card status (CMD13)")
	fmt.Fprintln(s.out, "  cmd <op> [arg] [rsp]       - Send a raw SD command")
	fmt.Fprintln(s.out, "  read <lba> [count]         - Hex dump blocks")
	fmt.Fprintln(s.out, "  write <lba> <byte> [count] - Fill blocks with a byte")
	fmt.Fprintln(s.out, "  clock [MHz|init] [depth]   - Show or switch the card clock")
	fmt.Fprintln(s.out, "  tune                       - Tune the receive sample phase")
	fmt.Fprintln(s.out, "  width <1|4|8>              - Set the bus width")
	fmt.Fprintln(s.out, "  voltage <3.3|1.8>          - Switch signalling voltage")
	fmt.Fprintln(s.out, "  regr <addr>                - Read a chip register")
	fmt.Fprintln(s.out, "  regw <addr> <mask> <val>   - Write a chip register")
	fmt.Fprintln(s.out, "  history                    - Recent engine events")
	fmt.Fprintln(s.out, "  profiles                   - Built-in chip profiles")
	fmt.Fprintln(s.out, "  devices                    - Attached readers")
	fmt.Fprintln(s.out, "  present <0|1>              - Insert or remove the simulated card")
	fmt.Fprintln(s.out, "  replay <trace>             - Print a batch trace")
	fmt.Fprintln(s.out, "  quit/exit/q                - Exit the program")
	fmt.Fprintln(s.out)
}
