package emmc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/ardnew/softmmc/emmc/hal"
	"github.com/ardnew/softmmc/emmc/hal/sim"
	"github.com/ardnew/softmmc/pkg"
)

const testBlocks = 4096

// stepClock advances by step on every reading.
type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

type fixture struct {
	drv    *Driver
	host   *sim.Host
	medium *sim.MemoryMedium
}

func newFixture(t *testing.T, config Config, card sim.CardConfig) *fixture {
	t.Helper()
	medium := sim.NewMemoryMedium(testBlocks)
	host := sim.NewHost(sim.NewCard(medium, card), sim.HostConfig{})
	drv, err := New(host, config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &fixture{drv: drv, host: host, medium: medium}
}

func newReady(t *testing.T, config Config) *fixture {
	t.Helper()
	f := newFixture(t, config, sim.CardConfig{})
	if err := f.drv.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	f.host.ResetTrace()
	return f
}

var dataPaths = []struct {
	name string
	path DataPath
}{
	{"bulk", DataPathBulk},
	{"polled", DataPathPolled},
}

func TestNew(t *testing.T) {
	host, _ := sim.New(64)

	if _, err := New(host.WithoutBulk(), Config{DataPath: DataPathBulk}); !errors.Is(err, ErrFunctionUnsupported) {
		t.Errorf("New(bulk on host without engine) error = %v, want %v", err, ErrFunctionUnsupported)
	}
	if _, err := New(host.WithoutBulk(), Config{DataPath: DataPathPolled}); err != nil {
		t.Errorf("New(polled) error = %v", err)
	}
	if _, err := New(host, Config{BusWidth: 2}); !errors.Is(err, ErrParameterInvalid) {
		t.Errorf("New(width 2) error = %v, want %v", err, ErrParameterInvalid)
	}
	if _, err := New(nil, Config{}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("New(nil) error = %v, want %v", err, pkg.ErrInvalidParameter)
	}
}

func TestInit(t *testing.T) {
	for _, dp := range dataPaths {
		t.Run(dp.name, func(t *testing.T) {
			f := newReady(t, Config{DataPath: dp.path})

			if !f.drv.Initialized() {
				t.Fatal("Initialized() = false after Init")
			}
			info := f.drv.Info()
			if info.Blocks != testBlocks {
				t.Errorf("Info().Blocks = %d, want %d", info.Blocks, testBlocks)
			}
			if !info.HighCapacity {
				t.Error("Info().HighCapacity = false, want true")
			}
			if info.RCA != DefaultRCA {
				t.Errorf("Info().RCA = %d, want %d", info.RCA, DefaultRCA)
			}
			if info.BusWidth != hal.BusWidth4 || info.DataRate != hal.SDR {
				t.Errorf("Info() bus = %d/%v, want 4/SDR", info.BusWidth, info.DataRate)
			}
			if info.Frequency != 50*physic.MegaHertz {
				t.Errorf("Info().Frequency = %v, want 50MHz", info.Frequency)
			}
			if info.CID.ProductName != "SOFTMC" {
				t.Errorf("Info().CID.ProductName = %q, want %q", info.CID.ProductName, "SOFTMC")
			}
			if got := f.host.Card().State(); got != sim.StateTransfer {
				t.Errorf("card state = %d, want transfer", got)
			}
		})
	}
}

func TestInitCommandSequence(t *testing.T) {
	f := newFixture(t, Config{}, sim.CardConfig{PowerUpPolls: 2})
	if err := f.drv.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	var got []uint8
	for _, cmd := range f.host.Commands() {
		if cmd.Index != cmdSendStatus {
			got = append(got, cmd.Index)
		}
	}
	want := []uint8{0, 1, 1, 1, 2, 3, 9, 7, 8, 6, 6, 8}
	if !bytes.Equal(got, want) {
		t.Errorf("command sequence = %v, want %v", got, want)
	}

	cmds := f.host.Commands()
	if cmds[1].Argument != opCondArgument {
		t.Errorf("SEND_OP_COND argument = %#x, want %#x", cmds[1].Argument, opCondArgument)
	}
}

func TestInitExtCSDRefetch(t *testing.T) {
	f := newReady(t, Config{BusWidth: hal.BusWidth8})

	id := f.drv.Identity()
	if got := id.ExtCSD.HSTiming(); got != 1 {
		t.Errorf("ExtCSD.HSTiming() = %d, want 1", got)
	}
	if got := id.ExtCSD.BusWidth(); got != 2 {
		t.Errorf("ExtCSD.BusWidth() = %d, want 2", got)
	}
	if got := id.ExtCSD.SectorCount(); got != testBlocks {
		t.Errorf("ExtCSD.SectorCount() = %d, want %d", got, testBlocks)
	}
	if id.OCR&ocrPowerUp == 0 {
		t.Errorf("OCR = %#x, power-up bit clear", id.OCR)
	}
}

func TestInitDefaultSpeed(t *testing.T) {
	f := newFixture(t, Config{}, sim.CardConfig{DeviceType: 0x01})
	if err := f.drv.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if f.host.Count(cmdSwitch) != 1 {
		t.Errorf("SWITCH count = %d, want 1 (bus width only)", f.host.Count(cmdSwitch))
	}
	if got := f.drv.Info().Frequency; got != 25*physic.MegaHertz {
		t.Errorf("Info().Frequency = %v, want 25MHz", got)
	}
}

func TestInitDDR(t *testing.T) {
	t.Run("supported", func(t *testing.T) {
		f := newReady(t, Config{BusWidth: hal.BusWidth8, DataRate: hal.DDR})
		bus := f.host.Bus()
		if bus.Width != hal.BusWidth8 || bus.Rate != hal.DDR {
			t.Errorf("host bus = %d/%v, want 8/DDR", bus.Width, bus.Rate)
		}
		if bus.Drive != hal.DriveHigh || bus.RxClock != hal.RxClockFeedback || bus.Edge != hal.EdgeRising {
			t.Errorf("host bus = %+v, want high drive, feedback clock, rising edge", bus)
		}
		id := f.drv.Identity()
		if got := id.ExtCSD.BusWidth(); got != 6 {
			t.Errorf("ExtCSD.BusWidth() = %d, want 6", got)
		}
	})

	t.Run("downgraded", func(t *testing.T) {
		f := newFixture(t, Config{BusWidth: hal.BusWidth4, DataRate: hal.DDR}, sim.CardConfig{DeviceType: 0x03})
		if err := f.drv.Init(context.Background()); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if got := f.host.Bus().Rate; got != hal.SDR {
			t.Errorf("host rate = %v, want SDR", got)
		}
		id := f.drv.Identity()
		if got := id.ExtCSD.BusWidth(); got != 1 {
			t.Errorf("ExtCSD.BusWidth() = %d, want 1", got)
		}
	})
}

func TestInitFailures(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		card   sim.CardConfig
		fault  *sim.Fault
		want   error
	}{
		{
			name: "voltage window",
			card: sim.CardConfig{Voltage: 0x00000001},
			want: ErrVoltageRange,
		},
		{
			name:   "power-up retries exhausted",
			config: Config{OpCondRetries: 3},
			card:   sim.CardConfig{PowerUpPolls: 10},
			want:   ErrGeneric,
		},
		{
			name:  "CID timeout",
			fault: &sim.Fault{Command: cmdAllSendCID, Kind: sim.FaultCommandTimeout},
			want:  ErrCommandTimeout,
		},
		{
			name:  "CSD CRC",
			fault: &sim.Fault{Command: cmdSendCSD, Kind: sim.FaultCommandCRC},
			want:  ErrCommandCRC,
		},
		{
			name:  "EXT_CSD data CRC",
			fault: &sim.Fault{Command: cmdSendExtCSD, Kind: sim.FaultDataCRC},
			want:  ErrDataCRC,
		},
		{
			name:  "switch error",
			fault: &sim.Fault{Command: cmdSwitch, Kind: sim.FaultStatus, Status: r1SwitchError},
			want:  ErrSwitch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.config, tt.card)
			if tt.fault != nil {
				f.host.Inject(*tt.fault)
			}
			err := f.drv.Init(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("Init() error = %v, want %v", err, tt.want)
			}
			if f.drv.Initialized() {
				t.Error("Initialized() = true after failed Init")
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ranges := []struct {
		block, count uint32
	}{
		{0, 1},
		{1, 2},
		{7, 16},
		{100, 33},
		{testBlocks - 1, 1},
		{testBlocks - 64, 64},
	}

	for _, dp := range dataPaths {
		t.Run(dp.name, func(t *testing.T) {
			f := newReady(t, Config{DataPath: dp.path, BusWidth: hal.BusWidth8})
			ctx := context.Background()

			for _, r := range ranges {
				want := make([]byte, r.count*BlockSize)
				rng.Read(want)

				if err := f.drv.Write(ctx, want, r.block, r.count); err != nil {
					t.Fatalf("Write(%d, %d) error = %v", r.block, r.count, err)
				}
				got := make([]byte, len(want))
				if err := f.drv.Read(ctx, got, r.block, r.count); err != nil {
					t.Fatalf("Read(%d, %d) error = %v", r.block, r.count, err)
				}
				if !bytes.Equal(got, want) {
					t.Errorf("Read(%d, %d) data mismatch", r.block, r.count)
				}
				off := int(r.block) * BlockSize
				if !bytes.Equal(f.medium.Bytes()[off:off+len(want)], want) {
					t.Errorf("medium at block %d does not hold written data", r.block)
				}
			}
		})
	}
}

func TestUnalignedBuffer(t *testing.T) {
	backing := make([]byte, BlockSize+1)
	buf := backing[1:]

	f := newReady(t, Config{DataPath: DataPathBulk})
	if err := f.drv.Read(context.Background(), buf, 0, 1); !errors.Is(err, ErrParameterInvalid) {
		t.Errorf("bulk Read(unaligned) error = %v, want %v", err, ErrParameterInvalid)
	}
	if f.host.Accesses() != 0 {
		t.Errorf("bulk Read(unaligned) made %d host accesses", f.host.Accesses())
	}

	f = newReady(t, Config{DataPath: DataPathPolled})
	if err := f.drv.Read(context.Background(), buf, 0, 1); err != nil {
		t.Errorf("polled Read(unaligned) error = %v", err)
	}
}

func TestBlockRouting(t *testing.T) {
	tests := []struct {
		name       string
		write      bool
		count      uint32
		wantSingle int
		wantMulti  int
		wantStop   int
		wantCount  int
	}{
		{"read single", false, 1, 1, 0, 0, 0},
		{"read multi", false, 5, 0, 1, 1, 0},
		{"write single", true, 1, 1, 0, 0, 0},
		{"write multi", true, 5, 0, 1, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReady(t, Config{})
			buf := make([]byte, tt.count*BlockSize)

			single, multi := uint8(cmdReadSingleBlock), uint8(cmdReadMultiBlock)
			var err error
			if tt.write {
				single, multi = cmdWriteSingleBlock, cmdWriteMultiBlock
				err = f.drv.Write(context.Background(), buf, 10, tt.count)
			} else {
				err = f.drv.Read(context.Background(), buf, 10, tt.count)
			}
			if err != nil {
				t.Fatalf("transfer error = %v", err)
			}

			if got := f.host.Count(single); got != tt.wantSingle {
				t.Errorf("single-block commands = %d, want %d", got, tt.wantSingle)
			}
			if got := f.host.Count(multi); got != tt.wantMulti {
				t.Errorf("multi-block commands = %d, want %d", got, tt.wantMulti)
			}
			if got := f.host.Count(cmdStopTransmission); got != tt.wantStop {
				t.Errorf("STOP_TRANSMISSION commands = %d, want %d", got, tt.wantStop)
			}
			if got := f.host.Count(cmdSetBlockCount); got != tt.wantCount {
				t.Errorf("SET_BLOCK_COUNT commands = %d, want %d", got, tt.wantCount)
			}
		})
	}
}

func TestMultiReadAlwaysStops(t *testing.T) {
	faults := []struct {
		name  string
		fault sim.Fault
		want  error
	}{
		{"data CRC", sim.Fault{Command: cmdReadMultiBlock, Kind: sim.FaultDataCRC}, ErrDataCRC},
		{"overrun", sim.Fault{Command: cmdReadMultiBlock, Kind: sim.FaultRxOverrun}, ErrRxOverrun},
		{"card error", sim.Fault{Command: cmdReadMultiBlock, Kind: sim.FaultStatus, Status: r1CardECCFailed}, ErrCardECCFailed},
		{"response CRC", sim.Fault{Command: cmdReadMultiBlock, Kind: sim.FaultCommandCRC}, ErrCommandCRC},
	}

	for _, tt := range faults {
		t.Run(tt.name, func(t *testing.T) {
			f := newReady(t, Config{})
			f.host.Inject(tt.fault)

			buf := make([]byte, 4*BlockSize)
			if err := f.drv.Read(context.Background(), buf, 0, 4); !errors.Is(err, tt.want) {
				t.Errorf("Read() error = %v, want %v", err, tt.want)
			}
			if got := f.host.Count(cmdStopTransmission); got != 1 {
				t.Errorf("STOP_TRANSMISSION commands = %d, want 1", got)
			}

			// the card is usable again afterwards
			if err := f.drv.Read(context.Background(), buf, 0, 4); err != nil {
				t.Errorf("Read() after failure error = %v", err)
			}
		})
	}
}

func TestDataFaults(t *testing.T) {
	tests := []struct {
		kind sim.FaultKind
		path DataPath
		want error
	}{
		{sim.FaultDataCRC, DataPathPolled, ErrDataCRC},
		{sim.FaultDataTimeout, DataPathPolled, ErrDataTimeout},
		{sim.FaultRxOverrun, DataPathPolled, ErrRxOverrun},
		{sim.FaultStartBit, DataPathPolled, ErrStartBit},
		{sim.FaultDataCRC, DataPathBulk, ErrDataCRC},
		{sim.FaultBulk, DataPathBulk, ErrBulkTransfer},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String()+"/"+tt.path.String(), func(t *testing.T) {
			f := newReady(t, Config{DataPath: tt.path})
			f.host.Inject(sim.Fault{Command: sim.AnyCommand, Kind: tt.kind})

			buf := make([]byte, BlockSize)
			if err := f.drv.Read(context.Background(), buf, 3, 1); !errors.Is(err, tt.want) {
				t.Errorf("Read() error = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("write underrun", func(t *testing.T) {
		f := newReady(t, Config{DataPath: DataPathPolled})
		f.host.Inject(sim.Fault{Command: cmdWriteSingleBlock, Kind: sim.FaultTxUnderrun})

		buf := make([]byte, BlockSize)
		if err := f.drv.Write(context.Background(), buf, 3, 1); !errors.Is(err, ErrTxUnderrun) {
			t.Errorf("Write() error = %v, want %v", err, ErrTxUnderrun)
		}
	})
}

func TestLockedCard(t *testing.T) {
	ops := []struct {
		name string
		run  func(*Driver) error
	}{
		{"read", func(d *Driver) error {
			return d.Read(context.Background(), make([]byte, BlockSize), 0, 1)
		}},
		{"write", func(d *Driver) error {
			return d.Write(context.Background(), make([]byte, 2*BlockSize), 0, 2)
		}},
		{"select", func(d *Driver) error {
			return d.Select(context.Background(), DefaultRCA)
		}},
		{"set bus mode", func(d *Driver) error {
			return d.SetBusMode(context.Background(), hal.BusWidth8, hal.SDR)
		}},
		{"erase", func(d *Driver) error {
			return d.Erase(context.Background(), 0, 1)
		}},
	}

	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			f := newReady(t, Config{})
			f.host.Card().SetLocked(true)

			if err := op.run(f.drv); !errors.Is(err, ErrLockedState) {
				t.Errorf("%s error = %v, want %v", op.name, err, ErrLockedState)
			}
			for _, cmd := range f.host.Commands() {
				if cmd.Index != cmdSendStatus {
					t.Errorf("%s issued CMD%d on a locked card", op.name, cmd.Index)
				}
			}

			state, err := f.drv.CardState(context.Background())
			if err != nil {
				t.Fatalf("CardState() error = %v", err)
			}
			if !state.Locked {
				t.Error("CardState().Locked = false, want true")
			}
		})
	}
}

func TestSetBusModeArgument(t *testing.T) {
	tests := []struct {
		width hal.BusWidth
		rate  hal.DataRate
		arg   uint32
	}{
		{hal.BusWidth1, hal.SDR, 0x03B70000},
		{hal.BusWidth4, hal.SDR, 0x03B70100},
		{hal.BusWidth8, hal.SDR, 0x03B70200},
		{hal.BusWidth4, hal.DDR, 0x03B70500},
		{hal.BusWidth8, hal.DDR, 0x03B70600},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%v", tt.width, tt.rate), func(t *testing.T) {
			f := newReady(t, Config{})
			if err := f.drv.SetBusMode(context.Background(), tt.width, tt.rate); err != nil {
				t.Fatalf("SetBusMode(%d, %v) error = %v", tt.width, tt.rate, err)
			}

			var switches []hal.Command
			for _, cmd := range f.host.Commands() {
				if cmd.Index == cmdSwitch {
					switches = append(switches, cmd)
				}
			}
			if len(switches) != 1 || switches[0].Argument != tt.arg {
				t.Fatalf("SWITCH commands = %+v, want one with argument %#x", switches, tt.arg)
			}

			bus := f.host.Bus()
			if bus.Width != tt.width || bus.Rate != tt.rate {
				t.Errorf("host bus = %d/%v, want %d/%v", bus.Width, bus.Rate, tt.width, tt.rate)
			}
			wantFeedback := tt.width == hal.BusWidth8 || tt.rate == hal.DDR
			if got := bus.RxClock == hal.RxClockFeedback; got != wantFeedback {
				t.Errorf("feedback clock = %v, want %v", got, wantFeedback)
			}
			if got := bus.Drive == hal.DriveHigh; got != wantFeedback {
				t.Errorf("high drive = %v, want %v", got, wantFeedback)
			}
		})
	}
}

func TestSetBusModeInvalid(t *testing.T) {
	pairs := []struct {
		width hal.BusWidth
		rate  hal.DataRate
	}{
		{hal.BusWidth1, hal.DDR},
		{2, hal.SDR},
		{hal.BusWidth4, 7},
		{16, hal.DDR},
	}

	f := newReady(t, Config{})
	for _, p := range pairs {
		if err := f.drv.SetBusMode(context.Background(), p.width, p.rate); !errors.Is(err, ErrParameterInvalid) {
			t.Errorf("SetBusMode(%d, %d) error = %v, want %v", p.width, p.rate, err, ErrParameterInvalid)
		}
	}
	if n := f.host.Accesses(); n != 0 {
		t.Errorf("invalid SetBusMode made %d host accesses, want 0", n)
	}
}

func TestSetBusModeRejected(t *testing.T) {
	// HS26 and HS52 only, so the card refuses DDR with SWITCH_ERROR
	f := newFixture(t, Config{}, sim.CardConfig{DeviceType: 0x03})
	ctx := context.Background()
	if err := f.drv.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	before := f.host.Bus()

	if err := f.drv.SetBusMode(ctx, hal.BusWidth8, hal.DDR); !errors.Is(err, ErrSwitch) {
		t.Fatalf("SetBusMode(8, DDR) error = %v, want %v", err, ErrSwitch)
	}
	if after := f.host.Bus(); after != before {
		t.Errorf("host bus = %+v after rejected switch, want %+v", after, before)
	}
	if info := f.drv.Info(); info.BusWidth != before.Width || info.DataRate != before.Rate {
		t.Errorf("Info() bus = %d/%v, want %d/%v", info.BusWidth, info.DataRate, before.Width, before.Rate)
	}

	want := bytes.Repeat([]byte{0x5A}, 2*BlockSize)
	if err := f.drv.Write(ctx, want, 10, 2); err != nil {
		t.Fatalf("Write() after rejected switch error = %v", err)
	}
	got := make([]byte, len(want))
	if err := f.drv.Read(ctx, got, 10, 2); err != nil || !bytes.Equal(got, want) {
		t.Errorf("Read() after rejected switch = %v, data equal %v", err, bytes.Equal(got, want))
	}
}

func TestWriteWaitsReadyForData(t *testing.T) {
	tests := []struct {
		name    string
		hold    int
		count   uint32
		wantErr error
	}{
		{"single ready after polls", 3, 1, nil},
		{"multi ready after polls", 3, 4, nil},
		{"single never ready", 1 << 20, 1, ErrGeneric},
		{"multi never ready", 1 << 20, 4, ErrGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &stepClock{step: time.Millisecond}
			f := newReady(t, Config{Clock: clock, BusyTimeout: 200 * time.Millisecond})
			f.host.Card().HoldReadyForData(tt.hold)

			buf := bytes.Repeat([]byte{0xA5}, int(tt.count)*BlockSize)
			err := f.drv.Write(context.Background(), buf, 0, tt.count)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Write() error = %v, want %v", err, tt.wantErr)
			}

			polls := f.host.Count(cmdSendStatus)
			issued := f.host.Count(cmdSetBlockCount) + f.host.Count(cmdWriteSingleBlock) + f.host.Count(cmdWriteMultiBlock)
			if tt.wantErr != nil {
				if issued != 0 {
					t.Errorf("write commands issued = %d, want 0 when the card never became ready", issued)
				}
				return
			}
			if polls < tt.hold+1 {
				t.Errorf("SEND_STATUS polls = %d, want at least %d", polls, tt.hold+1)
			}
			if issued == 0 {
				t.Error("no write command issued after the card became ready")
			}
			if !bytes.Equal(f.medium.Bytes()[:len(buf)], buf) {
				t.Error("medium does not hold written data")
			}
		})
	}
}

func TestWriteProgramTimeout(t *testing.T) {
	clock := &stepClock{step: time.Millisecond}
	f := newReady(t, Config{Clock: clock, BusyTimeout: 50 * time.Millisecond})
	f.host.Card().SetBusyPolls(1 << 20)

	buf := make([]byte, BlockSize)
	if err := f.drv.Write(context.Background(), buf, 0, 1); !errors.Is(err, ErrGeneric) {
		t.Fatalf("Write() error = %v, want %v", err, ErrGeneric)
	}
	if f.host.Count(cmdWriteSingleBlock) != 1 {
		t.Errorf("WRITE_BLOCK issued %d times, want 1", f.host.Count(cmdWriteSingleBlock))
	}
	if got := f.host.Card().State(); got != sim.StateProgram {
		t.Errorf("card state = %v, want %v", got, sim.StateProgram)
	}
}

func TestCommandIndexMismatch(t *testing.T) {
	f := newReady(t, Config{})
	f.host.Inject(sim.Fault{Command: cmdSendStatus, Kind: sim.FaultIndexMismatch})

	if _, err := f.drv.CardState(context.Background()); !errors.Is(err, ErrIllegalCommand) {
		t.Errorf("CardState() error = %v, want %v", err, ErrIllegalCommand)
	}
}

func TestCommandFaults(t *testing.T) {
	tests := []struct {
		kind sim.FaultKind
		want error
	}{
		{sim.FaultCommandCRC, ErrCommandCRC},
		{sim.FaultCommandTimeout, ErrCommandTimeout},
		{sim.FaultStatus, ErrAddress},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			f := newReady(t, Config{})
			f.host.Inject(sim.Fault{Command: cmdSendStatus, Kind: tt.kind, Status: r1AddressError | r1SwitchError})

			if _, err := f.drv.CardState(context.Background()); !errors.Is(err, tt.want) {
				t.Errorf("CardState() error = %v, want %v", err, tt.want)
			}
			if _, err := f.drv.CardState(context.Background()); err != nil {
				t.Errorf("CardState() after fault error = %v", err)
			}
		})
	}
}

func TestDeadlines(t *testing.T) {
	t.Run("command", func(t *testing.T) {
		clock := &stepClock{step: time.Millisecond}
		f := newReady(t, Config{Clock: clock, CommandTimeout: 50 * time.Millisecond})
		f.host.Inject(sim.Fault{Command: cmdSendStatus, Kind: sim.FaultCommandHang})

		start := clock.now
		if _, err := f.drv.CardState(context.Background()); !errors.Is(err, ErrCommandTimeout) {
			t.Errorf("CardState() error = %v, want %v", err, ErrCommandTimeout)
		}
		if elapsed := clock.now.Sub(start); elapsed < 50*time.Millisecond {
			t.Errorf("gave up after %v, want at least 50ms", elapsed)
		}
	})

	t.Run("data", func(t *testing.T) {
		for _, dp := range dataPaths {
			clock := &stepClock{step: time.Millisecond}
			f := newReady(t, Config{Clock: clock, DataPath: dp.path, DataTimeout: 20 * time.Millisecond})
			f.host.Inject(sim.Fault{Command: cmdReadSingleBlock, Kind: sim.FaultDataHang})

			buf := make([]byte, BlockSize)
			if err := f.drv.Read(context.Background(), buf, 0, 1); !errors.Is(err, ErrDataTimeout) {
				t.Errorf("%s Read() error = %v, want %v", dp.name, err, ErrDataTimeout)
			}
		}
	})

	t.Run("context", func(t *testing.T) {
		f := newReady(t, Config{CommandTimeout: time.Hour})
		f.host.Inject(sim.Fault{Command: cmdSendStatus, Kind: sim.FaultCommandHang})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := f.drv.CardState(ctx); !errors.Is(err, ErrCommandTimeout) {
			t.Errorf("CardState(cancelled) error = %v, want %v", err, ErrCommandTimeout)
		}
	})
}

func TestOversizedTransfer(t *testing.T) {
	f := newReady(t, Config{})
	buf := make([]byte, (MaxTransferBlocks+1)*BlockSize)

	if err := f.drv.Read(context.Background(), buf, 0, MaxTransferBlocks+1); !errors.Is(err, ErrParameterInvalid) {
		t.Errorf("Read(oversized) error = %v, want %v", err, ErrParameterInvalid)
	}
	if err := f.drv.Write(context.Background(), buf, 0, MaxTransferBlocks+1); !errors.Is(err, ErrParameterInvalid) {
		t.Errorf("Write(oversized) error = %v, want %v", err, ErrParameterInvalid)
	}
	if n := f.host.Accesses(); n != 0 {
		t.Errorf("oversized transfer made %d host accesses, want 0", n)
	}
}

func TestInvalidRequests(t *testing.T) {
	f := newReady(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
	}{
		{"zero count", f.drv.Read(ctx, make([]byte, BlockSize), 0, 0)},
		{"nil buffer", f.drv.Read(ctx, nil, 0, 1)},
		{"short buffer", f.drv.Write(ctx, make([]byte, BlockSize), 0, 2)},
		{"erase reversed", f.drv.Erase(ctx, 5, 4)},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, ErrParameterInvalid) {
			t.Errorf("%s error = %v, want %v", tt.name, tt.err, ErrParameterInvalid)
		}
	}
	if n := f.host.Accesses(); n != 0 {
		t.Errorf("invalid requests made %d host accesses, want 0", n)
	}
}

func TestNotInitialized(t *testing.T) {
	f := newFixture(t, Config{}, sim.CardConfig{})
	ctx := context.Background()
	buf := make([]byte, BlockSize)

	if err := f.drv.Read(ctx, buf, 0, 1); !errors.Is(err, ErrOperationImproper) {
		t.Errorf("Read() error = %v, want %v", err, ErrOperationImproper)
	}
	if err := f.drv.Write(ctx, buf, 0, 1); !errors.Is(err, ErrOperationImproper) {
		t.Errorf("Write() error = %v, want %v", err, ErrOperationImproper)
	}
	if _, err := f.drv.CardState(ctx); !errors.Is(err, ErrOperationImproper) {
		t.Errorf("CardState() error = %v, want %v", err, ErrOperationImproper)
	}
	if pkg.ResultOf(ErrOperationImproper) != pkg.ResultNotReady {
		t.Errorf("ResultOf(%v) = %v, want %v", ErrOperationImproper, pkg.ResultOf(ErrOperationImproper), pkg.ResultNotReady)
	}
}

func TestCardErrors(t *testing.T) {
	f := newReady(t, Config{})
	ctx := context.Background()
	buf := make([]byte, 2*BlockSize)

	if err := f.drv.Read(ctx, buf, testBlocks, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Read(beyond capacity) error = %v, want %v", err, ErrOutOfRange)
	}

	f.host.Card().SetReadOnly(true)
	if err := f.drv.Write(ctx, buf, 0, 2); !errors.Is(err, ErrWriteProtectViolation) {
		t.Errorf("Write(read-only) error = %v, want %v", err, ErrWriteProtectViolation)
	}
	if got := pkg.ResultOf(ErrWriteProtectViolation); got != pkg.ResultWriteProtected {
		t.Errorf("ResultOf(%v) = %v, want %v", ErrWriteProtectViolation, got, pkg.ResultWriteProtected)
	}
}

func TestErase(t *testing.T) {
	f := newReady(t, Config{})
	ctx := context.Background()

	data := bytes.Repeat([]byte{0xA5}, 4*BlockSize)
	if err := f.drv.Write(ctx, data, 10, 4); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := f.drv.Erase(ctx, 11, 12); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}

	got := make([]byte, 4*BlockSize)
	if err := f.drv.Read(ctx, got, 10, 4); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := append([]byte(nil), data...)
	clear(want[BlockSize : 3*BlockSize])
	if !bytes.Equal(got, want) {
		t.Error("Erase() did not clear exactly blocks 11-12")
	}
}

func TestSelectDeselect(t *testing.T) {
	f := newReady(t, Config{})
	ctx := context.Background()

	if err := f.drv.Select(ctx, 0); err != nil {
		t.Fatalf("Select(0) error = %v", err)
	}
	cmds := f.host.Commands()
	if len(cmds) != 1 || cmds[0].Index != cmdSelectCard || cmds[0].Response != hal.ResponseNone {
		t.Fatalf("Select(0) commands = %+v, want one CMD7 without response", cmds)
	}
	if got := f.host.Card().State(); got != sim.StateStandby {
		t.Errorf("card state = %d, want standby", got)
	}

	if err := f.drv.Select(ctx, DefaultRCA); err != nil {
		t.Fatalf("Select(%d) error = %v", DefaultRCA, err)
	}
	state, err := f.drv.CardState(ctx)
	if err != nil {
		t.Fatalf("CardState() error = %v", err)
	}
	if state.State != StateTransfer {
		t.Errorf("CardState().State = %v, want %v", state.State, StateTransfer)
	}
}

func TestByteAddressing(t *testing.T) {
	medium := sim.NewMemoryMedium(1024)
	host := sim.NewHost(sim.NewCard(medium, sim.CardConfig{ByteAddressing: true}), sim.HostConfig{})
	drv, err := New(host, Config{DataPath: DataPathPolled})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	if err := drv.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	info := drv.Info()
	if info.HighCapacity {
		t.Error("Info().HighCapacity = true, want false")
	}
	if info.Blocks != 1024 {
		t.Errorf("Info().Blocks = %d, want 1024", info.Blocks)
	}

	host.ResetTrace()
	data := bytes.Repeat([]byte{0x3C}, BlockSize)
	if err := drv.Write(ctx, data, 5, 1); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	for _, cmd := range host.Commands() {
		if cmd.Index == cmdWriteSingleBlock && cmd.Argument != 5*BlockSize {
			t.Errorf("WRITE_BLOCK argument = %d, want %d", cmd.Argument, 5*BlockSize)
		}
	}
	if !bytes.Equal(medium.Bytes()[5*BlockSize:6*BlockSize], data) {
		t.Error("medium block 5 does not hold written data")
	}
}

func TestShutdown(t *testing.T) {
	f := newReady(t, Config{})
	ctx := context.Background()

	if err := f.drv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := f.drv.Read(ctx, make([]byte, BlockSize), 0, 1); !errors.Is(err, ErrOperationImproper) {
		t.Errorf("Read() after Shutdown error = %v, want %v", err, ErrOperationImproper)
	}
	if err := f.drv.Init(ctx); err != nil {
		t.Fatalf("Init() after Shutdown error = %v", err)
	}
	if err := f.drv.Read(ctx, make([]byte, BlockSize), 0, 1); err != nil {
		t.Errorf("Read() after re-Init error = %v", err)
	}
}
