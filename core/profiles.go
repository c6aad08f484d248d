package core

import (
	"time"

	"periph.io/x/conn/v3/physic"

	"cardreader/protocol"
)

const (
	vendorRealtekPCI = 0x10EC
	vendorRealtekUSB = 0x0BDA
)

func pair(addr uint16, mask, value uint8) protocol.RegisterOp {
	return protocol.Write(addr, mask, value)
}

// pciBase holds what the PCIe parts share.
func pciBase(name string, device uint16) *Profile {
	return &Profile{
		Name:      name,
		Kind:      protocol.KindDirect,
		VendorID:  vendorRealtekPCI,
		ProductID: device,
		Caps:      Cap8Bit | CapUHS | CapVoltageSwitch,

		NumPhases:     32,
		RXPhaseReg:    protocol.SDVPClk1Ctl,
		PhaseResetReg: protocol.SDVPClk1Ctl,

		InitialClock:   30 * physic.MegaHertz,
		InitialDivider: protocol.SDClkDivide128,
		MinSSCMHz:      2,
		MinN:           80,
		MaxN:           208,
		MinDivider:     1,
		MaxDivider:     4,
		NMul:           1,
		NDiv:           1,
		NOffset:        2,
		MCUDividend:    125,
		ClockDivMask:   0xFF,
		ClockGate:      RegBit{protocol.CLKCtl, protocol.ClkLowFreq},
		StableWait:     130 * time.Microsecond,

		CardDetect:   RegBit{protocol.CardExist, protocol.SDCardExist},
		PowerOnDelay: 5 * time.Millisecond,
		PullCtlEnable: []protocol.RegisterOp{
			pair(protocol.CardPullCtl2, 0xFF, 0xAA),
			pair(protocol.CardPullCtl3, 0xFF, 0xE9),
		},
		PullCtlDisable: []protocol.RegisterOp{
			pair(protocol.CardPullCtl2, 0xFF, 0x55),
			pair(protocol.CardPullCtl3, 0xFF, 0xD5),
		},
		SignalVoltage: map[Voltage][]protocol.RegisterOp{
			Voltage330: {
				pair(protocol.SDPadCtl, protocol.SDIOUsing1V8, 0),
				pair(protocol.LDOCtl, protocol.TuneSD18Mask, protocol.TuneSD18V33),
			},
			Voltage180: {
				pair(protocol.SDPadCtl, protocol.SDIOUsing1V8, protocol.SDIOUsing1V8),
				pair(protocol.LDOCtl, protocol.TuneSD18Mask, protocol.TuneSD18V18),
			},
		},
		Driving: map[Voltage]Driving{
			Voltage330: {Clk: 0x96, Cmd: 0x96, Dat: 0x96},
			Voltage180: {Clk: 0x99, Cmd: 0x99, Dat: 0x99},
		},
		BringUp: []protocol.RegisterOp{
			pair(protocol.GPIOCtl, 0x02, 0x02),
			pair(protocol.PMCtrl3, 0x10, 0x00),
			pair(protocol.PETxCfg, 0x08, 0x08),
			pair(protocol.CardPwrCtl, protocol.SDPowerMask, protocol.SDPowerOff),
			pair(protocol.SDCfg1, protocol.SDBusWidthMask|protocol.SDModeSelectMask, protocol.SDBusWidth1|protocol.SD20Mode),
		},
	}
}

// usbBase holds what the USB parts share.
func usbBase(name string, product uint16) *Profile {
	return &Profile{
		Name:      name,
		Kind:      protocol.KindPacket,
		VendorID:  vendorRealtekUSB,
		ProductID: product,
		Caps:      CapUHS | CapVoltageSwitch,

		NumPhases:     16,
		RXPhaseReg:    protocol.SDVPClk1Ctl,
		PhaseResetReg: protocol.SDVPClk0Ctl,

		InitialClock:   30 * physic.MegaHertz,
		InitialDivider: protocol.SDClkDivide128,
		MinSSCMHz:      2,
		MinN:           60,
		MaxN:           120,
		MinDivider:     1,
		MaxDivider:     3,
		NMul:           1,
		NDiv:           1,
		NOffset:        2,
		MCUDividend:    60,
		ClockDivMask:   0x3F,
		ClockGate:      RegBit{protocol.CLKDiv, protocol.ClkChange},
		StableWait:     100 * time.Microsecond,
		SSCSettle: []protocol.RegisterOp{
			pair(protocol.SSCCtl1, 0xFF, protocol.SSCRstb|protocol.SSC8xEn|protocol.SSCSel4M),
		},

		CardDetect:   RegBit{protocol.CardExist, protocol.SDCardExist},
		PowerOnDelay: 10 * time.Millisecond,
		PullCtlEnable: []protocol.RegisterOp{
			pair(protocol.CardPullCtl1, 0xFF, 0xA5),
			pair(protocol.CardPullCtl2, 0xFF, 0x9A),
			pair(protocol.CardPullCtl3, 0xFF, 0xA5),
			pair(protocol.CardPullCtl4, 0xFF, 0x9A),
			pair(protocol.CardPullCtl5, 0xFF, 0xA5),
			pair(protocol.CardPullCtl6, 0xFF, 0x9A),
		},
		PullCtlDisable: []protocol.RegisterOp{
			pair(protocol.CardPullCtl1, 0xFF, 0x65),
			pair(protocol.CardPullCtl2, 0xFF, 0x55),
			pair(protocol.CardPullCtl3, 0xFF, 0x95),
			pair(protocol.CardPullCtl4, 0xFF, 0x55),
			pair(protocol.CardPullCtl5, 0xFF, 0x56),
			pair(protocol.CardPullCtl6, 0xFF, 0x59),
		},
		SignalVoltage: map[Voltage][]protocol.RegisterOp{
			Voltage330: {
				pair(protocol.SDPadCtl, protocol.SDIOUsing1V8, 0),
				pair(protocol.LDOCtl, protocol.TuneSD18Mask, protocol.TuneSD18V33),
			},
			Voltage180: {
				pair(protocol.SDPadCtl, protocol.SDIOUsing1V8, protocol.SDIOUsing1V8),
				pair(protocol.LDOCtl, protocol.TuneSD18Mask, protocol.TuneSD18V18),
			},
		},
		Driving: map[Voltage]Driving{
			Voltage330: {Clk: 0x96, Cmd: 0x96, Dat: 0x96},
			Voltage180: {Clk: 0x5A, Cmd: 0x5A, Dat: 0x5A},
		},
		BringUp: []protocol.RegisterOp{
			pair(protocol.FPDCtl, protocol.SSCPowerMask, protocol.SSCPowerOn),
			pair(protocol.CLKDiv, protocol.ClkChange, 0),
			pair(protocol.CardShareMode, protocol.CardShareMask, protocol.CardShare48SD),
			pair(protocol.CardPwrCtl, protocol.SDPowerMask, protocol.SDPowerOff),
			pair(protocol.SDCfg1, protocol.SDBusWidthMask|protocol.SDModeSelectMask, protocol.SDBusWidth1|protocol.SD20Mode),
		},
	}
}

func builtinProfiles() []*Profile {
	rts5227 := pciBase("rts5227", 0x5227)

	rts5249 := pciBase("rts5249", 0x5249)
	rts5249.NMul, rts5249.NDiv = 4, 5
	rts5249.Driving = map[Voltage]Driving{
		Voltage330: {Clk: 0x11, Cmd: 0x11, Dat: 0x18},
		Voltage180: {Clk: 0x35, Cmd: 0x33, Dat: 0x33},
	}

	rts525a := pciBase("rts525a", 0x525A)
	rts525a.NMul, rts525a.NDiv = 4, 5
	rts525a.Driving = rts5249.Driving

	rts5129 := usbBase("rts5129", 0x0129)

	rts5139 := usbBase("rts5139", 0x0139)
	rts5139.Caps &^= CapVoltageSwitch
	delete(rts5139.SignalVoltage, Voltage180)
	// the 5139 latches a stale CRC7 status after aborted commands
	rts5139.SoftwareCRC7 = true

	return []*Profile{rts5227, rts5249, rts525a, rts5129, rts5139}
}

func init() {
	for _, p := range builtinProfiles() {
		if err := RegisterProfile(p); err != nil {
			panic(err)
		}
	}
}
