package modbusctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	mbserver "github.com/tbrandon/mbserver"

	"github.com/Agrid-Dev/windmillfan/internal/entity"
	"github.com/Agrid-Dev/windmillfan/internal/ports"
	"github.com/Agrid-Dev/windmillfan/internal/windmill"
)

// Register map.
const (
	CoilPower = 0

	HoldingSpeed      = 0 // 0 = off, 1..5 = speed code
	HoldingPercentage = 1 // 0..100

	InputAvailable  = 0
	InputSpeedCount = 1

	numCoils   = 1
	numHolding = 2
	numInput   = 2
)

const commandTimeout = 2 * time.Minute

// Config for the Modbus controller.
type Config struct {
	DeviceID string
	Addr     string
	UnitID   byte // UnitID (Modbus slave/unit ID). Use an integer 1..247.
}

type Controller struct {
	svc ports.FanService
	cfg Config
	log zerolog.Logger

	serv *mbserver.Server
	ctx  context.Context
}

func New(svc ports.FanService, cfg Config, log zerolog.Logger) (*Controller, error) {
	if cfg.UnitID == 0 {
		return nil, errors.New("modbus: UnitID is required (non-zero)")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:1502"
	}
	return &Controller{svc: svc, cfg: cfg, log: log, ctx: context.Background()}, nil
}

// Run starts the Modbus server and registers handlers that forward writes to
// the fan and answer reads from its current state. It blocks until ctx is
// canceled.
func (c *Controller) Run(ctx context.Context) error {
	c.ctx = ctx
	serv := mbserver.NewServer()
	c.serv = serv

	// Register handlers BEFORE starting the TCP listener to avoid races inside mbserver
	// between handler registration and the server's goroutines.
	serv.RegisterFunctionHandler(1, c.readCoils)
	serv.RegisterFunctionHandler(3, c.readHolding)
	serv.RegisterFunctionHandler(4, c.readInput)
	serv.RegisterFunctionHandler(5, c.writeCoil)
	serv.RegisterFunctionHandler(6, c.writeRegister)
	serv.RegisterFunctionHandler(16, c.writeRegisters)

	if err := serv.ListenTCP(c.cfg.Addr); err != nil {
		return fmt.Errorf("mbserver listen tcp %s: %w", c.cfg.Addr, err)
	}
	c.log.Debug().Str("address", c.cfg.Addr).Msg("serving modbus")

	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

// Read Coils (function 1).
func (c *Controller) readCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	// only coil 0 (power) exists, so a valid range is exactly that coil
	if _, _, exc := readRange(frame.GetData(), 2000, numCoils); exc != nil {
		return []byte{}, exc
	}
	coilByte := byte(0)
	if c.svc.State().IsOn {
		coilByte = 0x01
	}
	// response: byte count (1) + coil bytes
	return []byte{1, coilByte}, &mbserver.Success
}

// Read Holding Registers (function 3).
func (c *Controller) readHolding(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, exc := readRange(frame.GetData(), 125, numHolding)
	if exc != nil {
		return []byte{}, exc
	}
	st := c.svc.State()
	regs := make([]uint16, 0, qty)
	for addr := start; addr < start+qty; addr++ {
		switch addr {
		case HoldingSpeed:
			regs = append(regs, speedRegister(st))
		case HoldingPercentage:
			regs = append(regs, uint16(st.Percentage))
		}
	}
	return encodeRegisters(regs), &mbserver.Success
}

// Read Input Registers (function 4).
func (c *Controller) readInput(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, exc := readRange(frame.GetData(), 125, numInput)
	if exc != nil {
		return []byte{}, exc
	}
	st := c.svc.State()
	regs := make([]uint16, 0, qty)
	for addr := start; addr < start+qty; addr++ {
		switch addr {
		case InputAvailable:
			if st.Available {
				regs = append(regs, 1)
			} else {
				regs = append(regs, 0)
			}
		case InputSpeedCount:
			regs = append(regs, uint16(st.SpeedCount))
		}
	}
	return encodeRegisters(regs), &mbserver.Success
}

// Write Single Coil (function 5) - power
func (c *Controller) writeCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	if addr != CoilPower {
		return []byte{}, &mbserver.IllegalDataAddress
	}

	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	var err error
	switch value {
	case 0x0000:
		err = c.svc.TurnOff(ctx)
	case 0xFF00:
		err = c.svc.TurnOn(ctx, entity.TurnOnOptions{})
	default:
		return []byte{}, &mbserver.IllegalDataValue
	}
	if exc := c.exception(err); exc != nil {
		return []byte{}, exc
	}

	// echo request (address + value)
	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

// Write Single Register (function 6)
func (c *Controller) writeRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	if exc := c.applyRegister(int(addr), value); exc != nil {
		return []byte{}, exc
	}

	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

// Write Multiple Registers (function 16)
func (c *Controller) writeRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	d := frame.GetData()
	if len(d) < 5 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(d[0:2])
	quantity := binary.BigEndian.Uint16(d[2:4])
	byteCount := int(d[4])
	if byteCount != int(quantity)*2 || len(d) < 5+byteCount {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if int(start)+int(quantity) > numHolding {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	for i := 0; i < int(quantity); i++ {
		val := binary.BigEndian.Uint16(d[5+i*2 : 5+i*2+2])
		if exc := c.applyRegister(int(start)+i, val); exc != nil {
			return []byte{}, exc
		}
	}

	resp := make([]byte, 4)
	binary.BigEndian.PutUint16(resp[0:2], start)
	binary.BigEndian.PutUint16(resp[2:4], quantity)
	return resp, &mbserver.Success
}

func (c *Controller) applyRegister(addr int, value uint16) *mbserver.Exception {
	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	switch addr {
	case HoldingSpeed:
		if value == 0 {
			return c.exception(c.svc.TurnOff(ctx))
		}
		l, ok := levelFromRegister(value)
		if !ok {
			return &mbserver.IllegalDataValue
		}
		return c.exception(c.svc.SetPresetMode(ctx, l.String()))
	case HoldingPercentage:
		if value > 100 {
			return &mbserver.IllegalDataValue
		}
		return c.exception(c.svc.SetPercentage(ctx, int(value)))
	default:
		return &mbserver.IllegalDataAddress
	}
}

// exception maps a service error onto a Modbus exception. Rejected input is
// an illegal value; anything else means the device could not be reached.
func (c *Controller) exception(err error) *mbserver.Exception {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, entity.ErrInvalidPercentage), errors.Is(err, entity.ErrInvalidPresetMode):
		return &mbserver.IllegalDataValue
	default:
		c.log.Warn().Err(err).Msg("modbus command failed")
		return &mbserver.SlaveDeviceFailure
	}
}

// readRange parses the start/quantity header of a read request and checks
// it against the number of addresses exposed.
func readRange(data []byte, maxQty, size int) (start, qty int, exc *mbserver.Exception) {
	if len(data) < 4 {
		return 0, 0, &mbserver.IllegalDataValue
	}
	start = int(binary.BigEndian.Uint16(data[0:2]))
	qty = int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > maxQty {
		return 0, 0, &mbserver.IllegalDataValue
	}
	if start+qty > size {
		return 0, 0, &mbserver.IllegalDataAddress
	}
	return start, qty, nil
}

func encodeRegisters(regs []uint16) []byte {
	byteCount := len(regs) * 2
	resp := make([]byte, 1+byteCount)
	resp[0] = byte(byteCount)
	for i, r := range regs {
		binary.BigEndian.PutUint16(resp[1+i*2:1+i*2+2], r)
	}
	return resp
}

// speedRegister is the device speed code, or 0 while the fan is off.
func speedRegister(st entity.State) uint16 {
	if !st.IsOn || !st.PresetMode.Valid() {
		return 0
	}
	code, _ := strconv.Atoi(st.PresetMode.Code())
	return uint16(code)
}

func levelFromRegister(v uint16) (windmill.Level, bool) {
	code := strconv.Itoa(int(v))
	l := windmill.LevelFromCode(code)
	return l, l.Code() == code
}
