package chipsim

import "encoding/binary"

// CardState is the SD card state machine position reported in R1.
type CardState uint8

const (
	StateIdle CardState = iota
	StateReady
	StateIdent
	StateStby
	StateTran
	StateData
	StateRcv
	StatePrg
	StateDis
)

// Card status bits
const (
	StatusAddressError  = 1 << 30
	StatusIllegalCmd    = 1 << 22
	StatusReadyForData  = 1 << 8
	StatusAppCmd        = 1 << 5
	statusStateShift    = 9
	ocrBusy             = 1 << 31
	ocrCCS              = 1 << 30
	ocrS18A             = 1 << 24
	defaultOCR          = 0x00FF8000
	tuningBlockSize     = 64
	defaultRCA          = 0x1234
)

// RespKind is the shape of a card response.
type RespKind uint8

const (
	RespNone RespKind = iota
	Resp48
	Resp136
)

// Response is what the card drives on the CMD line.
type Response struct {
	Kind RespKind
	Op   uint8
	Word uint32
	Long [16]byte
}

// Card models an SDHC card: block addressed storage plus enough of the
// command set to initialize, select, tune and transfer.
type Card struct {
	Data []byte

	State    CardState
	RCA      uint16
	OCR      uint32
	CID      [16]byte
	CSD      [16]byte
	BusWidth int

	// ReadyAfter is the number of ACMD41 polls answered busy.
	ReadyAfter int

	// PassPhases has a bit set for every sample phase at which tuning
	// blocks arrive intact.
	PassPhases uint32

	// GenData is the block exchanged by GEN_CMD (CMD56).
	GenData []byte

	appCmd   bool
	acmd41   int
	writeLBA uint32
	multi    bool
	genWrite bool
}

// NewCard creates a card with size bytes of zeroed storage.
func NewCard(size int) *Card {
	c := &Card{
		Data:       make([]byte, size),
		OCR:        defaultOCR | ocrCCS | ocrS18A,
		RCA:        defaultRCA,
		BusWidth:   1,
		PassPhases: 0xFFFFFFFF,
	}
	copy(c.CID[:], []byte{0x03, 'S', 'D', 'S', 'I', 'M', '0', '1', 0x10, 0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x6A, 0x00})
	c.CSD = csdV2(uint32(size / (512 * 1024)))
	return c
}

// csdV2 builds a version 2.0 CSD for a card of (csize+1)*512 KiB.
func csdV2(blocks512K uint32) [16]byte {
	var csd [16]byte
	csd[0] = 0x40 // CSD_STRUCTURE = 1
	csd[1] = 0x0E
	csd[2] = 0x00
	csd[3] = 0x32 // TRAN_SPEED 25 MHz
	csd[4] = 0x5B
	csd[5] = 0x59 // READ_BL_LEN 9
	csize := blocks512K - 1
	csd[7] = uint8(csize>>16) & 0x3F
	csd[8] = uint8(csize >> 8)
	csd[9] = uint8(csize)
	csd[10] = 0x7F
	csd[11] = 0x80
	csd[12] = 0x0A
	csd[13] = 0x40
	return csd
}

// Blocks returns the capacity in 512-byte blocks.
func (c *Card) Blocks() int {
	return len(c.Data) / 512
}

func (c *Card) status() uint32 {
	s := uint32(c.State)<<statusStateShift | StatusReadyForData
	if c.appCmd {
		s |= StatusAppCmd
	}
	return s
}

func (c *Card) r1(op uint8) Response {
	return Response{Kind: Resp48, Op: op, Word: c.status()}
}

// Command executes one command and returns the card's response. Data
// commands only validate their address; the chip moves the payload.
func (c *Card) Command(op uint8, arg uint32) Response {
	app := c.appCmd
	c.appCmd = false

	if app {
		switch op {
		case 6:
			switch arg & 0x3 {
			case 0:
				c.BusWidth = 1
			case 2:
				c.BusWidth = 4
			}
			return c.r1(op)
		case 13, 51:
			return c.r1(op)
		case 41:
			if c.State == StateIdle || c.State == StateReady {
				c.acmd41++
				ocr := c.OCR
				if c.acmd41 > c.ReadyAfter {
					ocr |= ocrBusy
					c.State = StateReady
				}
				return Response{Kind: Resp48, Op: 0x3F, Word: ocr}
			}
			return Response{Kind: RespNone}
		}
	}

	switch op {
	case 0:
		c.State = StateIdle
		c.acmd41 = 0
		c.BusWidth = 1
		return Response{Kind: RespNone}
	case 2:
		if c.State != StateReady {
			return Response{Kind: RespNone}
		}
		c.State = StateIdent
		return Response{Kind: Resp136, Op: 0x3F, Long: c.CID}
	case 3:
		c.State = StateStby
		return Response{Kind: Resp48, Op: op, Word: uint32(c.RCA)<<16 | (c.status() & 0x1FFF)}
	case 7:
		if uint16(arg>>16) == c.RCA {
			c.State = StateTran
		} else {
			c.State = StateStby
		}
		return c.r1(op)
	case 8:
		return Response{Kind: Resp48, Op: op, Word: arg & 0xFFF}
	case 9:
		return Response{Kind: Resp136, Op: 0x3F, Long: c.CSD}
	case 10:
		return Response{Kind: Resp136, Op: 0x3F, Long: c.CID}
	case 11, 13, 16, 19, 6:
		return c.r1(op)
	case 12:
		resp := c.r1(op)
		c.multi = false
		if c.State == StateData || c.State == StateRcv {
			c.State = StateTran
		}
		return resp
	case 17, 18:
		if int(arg) >= c.Blocks() {
			return Response{Kind: Resp48, Op: op, Word: c.status() | StatusAddressError}
		}
		resp := c.r1(op)
		c.State = StateData
		c.multi = op == 18
		return resp
	case 24, 25:
		if int(arg) >= c.Blocks() {
			return Response{Kind: Resp48, Op: op, Word: c.status() | StatusAddressError}
		}
		resp := c.r1(op)
		c.State = StateRcv
		c.writeLBA = arg
		c.multi = op == 25
		return resp
	case 55:
		c.appCmd = true
		return c.r1(op)
	case 56:
		// arg bit 0 selects read; a write is completed by the data phase
		c.genWrite = arg&1 == 0
		if c.genWrite {
			c.State = StateRcv
		}
		return c.r1(op)
	}
	return Response{Kind: RespNone}
}

// ReadBlocks copies n bytes starting at block lba.
func (c *Card) ReadBlocks(lba uint32, n int) ([]byte, bool) {
	off := int(lba) * 512
	if off+n > len(c.Data) {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, c.Data[off:])
	if !c.multi {
		c.State = StateTran
	}
	return out, true
}

// WriteBlocks stores p at the block chosen by the last write command.
func (c *Card) WriteBlocks(p []byte) bool {
	if c.genWrite {
		c.GenData = append([]byte(nil), p...)
		c.genWrite = false
		c.State = StateTran
		return true
	}
	off := int(c.writeLBA) * 512
	if off+len(p) > len(c.Data) {
		return false
	}
	copy(c.Data[off:], p)
	if !c.multi {
		c.State = StateTran
	}
	return true
}

// ShortData returns the payload of a non-block data command.
func (c *Card) ShortData(op uint8, n int) []byte {
	out := make([]byte, n)
	switch op {
	case 19:
		copy(out, tuningPattern4Bit[:])
	case 51:
		binary.BigEndian.PutUint32(out, 0x02358000)
	case 56:
		copy(out, c.GenData)
	case 6:
		// SWITCH_FUNC status: max current and group 1 high speed supported
		if n >= 14 {
			out[0], out[1] = 0x00, 0xC8
			out[13] = 0x03
		}
	}
	return out
}

var tuningPattern4Bit = [tuningBlockSize]byte{
	0xff, 0x0f, 0xff, 0x00, 0xff, 0xcc, 0xc3, 0xcc,
	0xc3, 0x3c, 0xcc, 0xff, 0xfe, 0xff, 0xfe, 0xef,
	0xff, 0xdf, 0xff, 0xdd, 0xff, 0xfb, 0xff, 0xfb,
	0xbf, 0xff, 0x7f, 0xff, 0x77, 0xf7, 0xbd, 0xef,
	0xff, 0xf0, 0xff, 0xf0, 0x0f, 0xfc, 0xcc, 0x3c,
	0xcc, 0x33, 0xcc, 0xcf, 0xff, 0xef, 0xff, 0xee,
	0xff, 0xfd, 0xff, 0xfd, 0xdf, 0xff, 0xbf, 0xff,
	0xbb, 0xff, 0xf7, 0xff, 0xf7, 0x7f, 0x7b, 0xde,
}
