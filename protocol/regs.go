package protocol

// Chip register addresses
const (
	PPBufBase1 = 0xF800
	PPBufBase2 = 0xFA00
	PPBufSize  = 0x200

	FPDCtl       = 0xFC00
	CLKCtl       = 0xFC02
	CLKDiv       = 0xFC03
	SSCDivN0     = 0xFC0F
	SSCDivN1     = 0xFC10
	SSCCtl1      = 0xFC11
	SSCCtl2      = 0xFC12
	LDOCtl       = 0xFC1E
	GPIOCtl      = 0xFC1F
	SDVPClk0Ctl  = 0xFC2A
	SDVPClk1Ctl  = 0xFC2B
	SDDCMPSCtl   = 0xFC2C
	SD30ClkDrive = 0xFE51
	SD30CmdDrive = 0xFE52
	SD30DatDrive = 0xFE53

	CardPwrCtl     = 0xFD50
	CardShareMode  = 0xFD52
	CardStop       = 0xFD54
	CardOE         = 0xFD55
	CardDataSource = 0xFD5B
	CardSelect     = 0xFD5C
	CardPullCtl1   = 0xFD60
	CardPullCtl2   = 0xFD61
	CardPullCtl3   = 0xFD62
	CardPullCtl4   = 0xFD63
	CardPullCtl5   = 0xFD64
	CardPullCtl6   = 0xFD65
	CardExist      = 0xFD6F
	CardClkEn      = 0xFD69

	SDCfg1           = 0xFDA0
	SDCfg2           = 0xFDA1
	SDCfg3           = 0xFDA2
	SDStat1          = 0xFDA3
	SDStat2          = 0xFDA4
	SDBusStat        = 0xFDA5
	SDPadCtl         = 0xFDA6
	SDSamplePointCtl = 0xFDA7
	SDPushPointCtl   = 0xFDA8
	SDCmd0           = 0xFDA9
	SDCmd1           = 0xFDAA
	SDCmd2           = 0xFDAB
	SDCmd3           = 0xFDAC
	SDCmd4           = 0xFDAD
	SDCmd5           = 0xFDAE
	SDByteCntL       = 0xFDAF
	SDByteCntH       = 0xFDB0
	SDBlockCntL      = 0xFDB1
	SDBlockCntH      = 0xFDB2
	SDTransfer       = 0xFDB3
	SDCmdState       = 0xFDB5
	SDDataState      = 0xFDB6

	IRQStat0 = 0xFE22
	DMATC0   = 0xFE28
	DMATC1   = 0xFE29
	DMATC2   = 0xFE2A
	DMATC3   = 0xFE2B
	PETxCfg  = 0xFF03
	PMCtrl3  = 0xFF7E
	DMACtl   = regDMACTL
	RBCtl    = regRBCTL

	SFSMED    = regSFSMED
	MCFIFOCtl = regMCFIFOCtl
	MCDMARst  = regMCDMARst
)

// CLK_CTL / CLK_DIV / FPDCTL
const (
	ClkLowFreq   = 0x01
	ChangeClk    = 0x01
	ClkChange    = 0x80
	ClkDiv1      = 0x01
	SSCPowerMask = 0x01
	SSCPowerOn   = 0x00
)

// LDO_CTL
const (
	TuneSD18Mask = 0x1C
	TuneSD18V33  = 0x1C
	TuneSD18V18  = 0x08
)

// SSC_CTL1 / SSC_CTL2
const (
	SSCRstb      = 0x80
	SSC8xEn      = 0x40
	SSCDepthMask = 0x07
	SSCDepth4M   = 0x01
	SSCDepth2M   = 0x02
	SSCDepth1M   = 0x03
	SSCDepth500K = 0x04
	SSCDepth250K = 0x05
	SSCDepthOff  = 0x00
	SSCSel4M     = 0x10
)

// SD_VPCLKx_CTL
const (
	PhaseNotReset   = 0x40
	PhaseSelectMask = 0x1F
)

// CARD_PWR_CTL
const (
	SDPowerMask      = 0x03
	SDPowerOn        = 0x00
	SDPartialPowerOn = 0x01
	SDPowerOff       = 0x03
)

// CARD_STOP, CARD_OE, CARD_CLK_EN, CARD_EXIST, CARD_DATA_SOURCE
const (
	SDStop      = 0x04
	SDClrErr    = 0x40
	SDOutputEn  = 0x04
	SDClkEn     = 0x04
	SDCardExist = 0x04
	PingPongBuf = 0x01
	RingBuf     = 0x00
	SDModSel    = 0x02

	CardShareMask  = 0x0F
	CardShare48SD  = 0x04
	CardSelectMask = 0x07
)

// SD_CFG1
const (
	SDClkDivideMask   = 0xC0
	SDClkDivide0      = 0x00
	SDClkDivide256    = 0xC0
	SDClkDivide128    = 0x80
	SDBusWidthMask    = 0x03
	SDBusWidth1       = 0x00
	SDBusWidth4       = 0x01
	SDBusWidth8       = 0x02
	SDAsyncFIFONotRst = 0x10
	SDModeSelectMask  = 0x0C
	SD20Mode          = 0x00
	SDDDRMode         = 0x04
	SD30Mode          = 0x08
)

// SD_CFG2
const (
	SDCalculateCRC7    = 0x00
	SDNoCalculateCRC7  = 0x80
	SDCheckCRC16       = 0x00
	SDNoCheckCRC16     = 0x40
	SDNoCheckWaitCRCTO = 0x20
	SDWaitBusyEnd      = 0x08
	SDNoWaitBusyEnd    = 0x00
	SDCheckCRC7        = 0x00
	SDNoCheckCRC7      = 0x04
	SDRspLen0          = 0x00
	SDRspLen6          = 0x01
	SDRspLen17         = 0x02
)

// SD_STAT1
const (
	SDCRC7Err          = 0x80
	SDCRC16Err         = 0x40
	SDCRCWriteErr      = 0x20
	SDCRCWriteErrMask  = 0x1C
	GetCRCTimeOut      = 0x02
	SDTuningCompareErr = 0x01
)

// SD_STAT2
const (
	SDRsp80ClkTimeout = 0x01
)

// SD_BUS_STAT
const (
	SDClkToggleEn   = 0x80
	SDClkForceStop  = 0x40
	SDDAT3Status    = 0x10
	SDDAT2Status    = 0x08
	SDDAT1Status    = 0x04
	SDDAT0Status    = 0x02
	SDCmdStatus     = 0x01
	SDDATStatusMask = SDDAT3Status | SDDAT2Status | SDDAT1Status | SDDAT0Status
)

// SD_PAD_CTL
const (
	SDIOUsing1V8 = 0x80
	SDIOUsing3V3 = 0x7F
)

// SD_TRANSFER
const (
	SDTransferStart = 0x80
	SDTransferEnd   = 0x40
	SDStatIdle      = 0x20
	SDTransferErr   = 0x10

	SDTMNormalWrite = 0x00
	SDTMAutoWrite3  = 0x01
	SDTMAutoWrite4  = 0x02
	SDTMAutoRead3   = 0x05
	SDTMAutoRead4   = 0x06
	SDTMCmdRsp      = 0x08
	SDTMAutoWrite1  = 0x09
	SDTMAutoWrite2  = 0x0A
	SDTMNormalRead  = 0x0C
	SDTMAutoRead1   = 0x0D
	SDTMAutoRead2   = 0x0E
	SDTMAutoTuning  = 0x0F
	SDTMModeMask    = 0x0F
)

// SD_DATA_STATE
const (
	SDDataIdle = 0x80
)

// IRQSTAT0
const (
	DMADoneInt = 0x80
)

// DMACTL
const (
	DMARst         = dmaRst
	DMABusy        = 0x04
	DMADirToCard   = 0x00
	DMADirFromCard = 0x02
	DMAEn          = 0x01
	DMA128         = 0x00
	DMA256         = 0x10
	DMA512         = 0x20
	DMA1024        = 0x30
	DMAPackMask    = 0x30
)

// RBCTL
const (
	RBFlush = rbFlush
)
