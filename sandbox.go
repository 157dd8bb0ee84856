package hyperlight

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/andreiltd/hyperlight/guestcall"
	"github.com/andreiltd/hyperlight/hypervisor"
	"github.com/andreiltd/hyperlight/mem"
)

// State is the sandbox lifecycle position. Transitions only move forward:
// an uninitialized sandbox evolves into a multi-use or single-use one, and
// both end finished.
type State int

const (
	StateUninitialized State = iota
	StateMultiUse
	StateSingleUse
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateMultiUse:
		return "multi-use"
	case StateSingleUse:
		return "single-use"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// GuestBinary is the code a sandbox runs: either a raw machine image loaded
// into the code region, or an in-process guest runtime hosted by the fake
// backend.
type GuestBinary struct {
	image   []byte
	entry   uint64
	program hypervisor.GuestProgram
}

// BinaryFromBytes wraps a raw guest image. entry is the entry point's offset
// into the image.
func BinaryFromBytes(image []byte, entry uint64) GuestBinary {
	return GuestBinary{image: image, entry: entry}
}

// BinaryFromFile loads a raw guest image from disk.
func BinaryFromFile(path string, entry uint64) (GuestBinary, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return GuestBinary{}, fmt.Errorf("hyperlight: reading guest binary: %w", err)
	}
	return BinaryFromBytes(image, entry), nil
}

// InProcess wraps a guest program that runs inside the host process on the
// fake backend. The code region holds a placeholder page; the program's Go
// code stands in for guest machine code.
func InProcess(program hypervisor.GuestProgram) GuestBinary {
	return GuestBinary{program: program, image: make([]byte, mem.PageSize)}
}

// Option configures an uninitialized sandbox.
type Option func(*UninitializedSandbox)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(u *UninitializedSandbox) { u.cfg = cfg }
}

// WithLogger sets the structured logger. The default is slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(u *UninitializedSandbox) { u.log = log }
}

// WithPrintWriter sets the sink for guest console output. The default is
// os.Stdout.
func WithPrintWriter(w io.Writer) Option {
	return func(u *UninitializedSandbox) { u.printWriter = w }
}

// UninitializedSandbox is the construction phase: host functions are
// registered here, then Evolve runs the guest's initialization and produces
// a callable sandbox. Each UninitializedSandbox evolves at most once.
type UninitializedSandbox struct {
	id          uuid.UUID
	cfg         Config
	bin         GuestBinary
	log         *slog.Logger
	printWriter io.Writer
	hostFuncs   map[string]hostRegistration
	evolved     bool
}

// NewUninitializedSandbox creates the construction-phase sandbox for the
// given guest binary.
func NewUninitializedSandbox(bin GuestBinary, opts ...Option) (*UninitializedSandbox, error) {
	if len(bin.image) == 0 {
		return nil, &ConfigError{Reason: "guest binary is empty"}
	}
	u := &UninitializedSandbox{
		id:          uuid.New(),
		cfg:         DefaultConfig(),
		bin:         bin,
		log:         slog.Default(),
		printWriter: os.Stdout,
		hostFuncs:   make(map[string]hostRegistration),
	}
	for _, opt := range opts {
		opt(u)
	}
	if err := u.cfg.validate(); err != nil {
		return nil, err
	}
	return u, nil
}

// ID returns the sandbox identifier, stable across evolution.
func (u *UninitializedSandbox) ID() uuid.UUID { return u.id }

// State returns StateUninitialized until the sandbox has evolved.
func (u *UninitializedSandbox) State() State {
	if u.evolved {
		return StateFinished
	}
	return StateUninitialized
}

// RegisterHostFunc exposes a host function to the guest. Registration is
// only possible before evolution, and names are unique.
func (u *UninitializedSandbox) RegisterHostFunc(sig guestcall.Signature, fn HostFunc) error {
	if u.evolved {
		return &StateError{Op: "registering host function", State: StateFinished}
	}
	if err := checkHostRegistration(sig, fn); err != nil {
		return err
	}
	if _, ok := u.hostFuncs[sig.Name]; ok {
		return &ConfigError{Reason: fmt.Sprintf("host function %q is already registered", sig.Name)}
	}
	u.hostFuncs[sig.Name] = hostRegistration{sig: sig, fn: fn}
	return nil
}

// Evolve runs the guest's initialization and returns a multi-use sandbox:
// after every call its memory is restored to the state captured here.
func (u *UninitializedSandbox) Evolve(ctx context.Context) (*MultiUseSandbox, error) {
	core, err := u.evolve(ctx)
	if err != nil {
		return nil, err
	}
	snapshot, err := core.shared.Snapshot(u.cfg.CompressSnapshots)
	if err != nil {
		core.finish()
		return nil, &ProtocolError{Reason: "capturing restore snapshot", Err: err}
	}
	core.state = StateMultiUse
	return &MultiUseSandbox{core: core, snapshot: snapshot}, nil
}

// EvolveSingleUse runs the guest's initialization and returns a single-use
// sandbox: it accepts exactly one call and finishes.
func (u *UninitializedSandbox) EvolveSingleUse(ctx context.Context) (*SingleUseSandbox, error) {
	core, err := u.evolve(ctx)
	if err != nil {
		return nil, err
	}
	core.state = StateSingleUse
	return &SingleUseSandbox{core: core}, nil
}

func (u *UninitializedSandbox) evolve(ctx context.Context) (*sandboxCore, error) {
	if u.evolved {
		return nil, &StateError{Op: "evolving", State: StateFinished}
	}
	u.evolved = true

	layout, err := mem.NewLayout(u.cfg.Memory, len(u.bin.image))
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}
	shared, err := mem.NewSharedMemory(layout, u.bin.image)
	if err != nil {
		return nil, err
	}

	seed := u.cfg.Seed
	if seed == 0 {
		var raw [8]byte
		if _, err := rand.Read(raw[:]); err != nil {
			shared.Close()
			return nil, fmt.Errorf("hyperlight: drawing guest seed: %w", err)
		}
		seed = binary.LittleEndian.Uint64(raw[:])
	}
	shared.WritePEB(seed)

	driver, err := u.newDriver()
	if err != nil {
		shared.Close()
		return nil, err
	}

	core := &sandboxCore{
		id:          u.id,
		cfg:         u.cfg,
		log:         u.log,
		printWriter: u.printWriter,
		driver:      driver,
		shared:      shared,
		hostFuncs:   u.hostFuncs,
	}
	if err := core.initialize(ctx, layout, u.bin.entry, seed); err != nil {
		core.finish()
		return nil, err
	}
	recordEvolution()
	u.log.Info("sandbox evolved",
		"sandbox", u.id,
		"backend", driver.Backend(),
		"guest_functions", len(core.guestSigs),
		"memory_bytes", layout.Total())
	return core, nil
}

func (u *UninitializedSandbox) newDriver() (hypervisor.Driver, error) {
	if u.bin.program != nil {
		return hypervisor.NewFake(u.bin.program), nil
	}
	backend, err := u.cfg.backend()
	if err != nil {
		return nil, err
	}
	return hypervisor.New(backend)
}

// sandboxCore is the state shared by the evolved sandbox variants: the
// driver, the guest memory, and the published function table.
type sandboxCore struct {
	id          uuid.UUID
	cfg         Config
	log         *slog.Logger
	printWriter io.Writer
	driver      hypervisor.Driver
	shared      *mem.SharedMemory
	guestSigs   map[string]guestcall.Signature
	hostFuncs   map[string]hostRegistration
	state       State
}

// initialize maps guest memory, runs the entry point to completion, and
// captures the published function table.
func (c *sandboxCore) initialize(ctx context.Context, layout *mem.Layout, entryOffset, seed uint64) error {
	if err := c.driver.MapMemory(c.shared, mem.GuestBase); err != nil {
		return &MemoryMapError{Err: err}
	}
	regs := hypervisor.EntryRegisters(layout.EntryPoint(entryOffset), layout.StackPointer(), c.shared.PEBAddr(), seed)
	if err := c.driver.SetEntry(regs); err != nil {
		return &ProtocolError{Reason: "preparing vCPU for entry", Err: err}
	}
	if err := c.runToHalt(ctx); err != nil {
		return err
	}

	out := c.shared.RegionBytes(mem.RegionOutputData)
	payload, err := guestcall.ReadMessage(out)
	if err != nil {
		return &ProtocolError{Reason: "reading function table", Err: err}
	}
	if payload == nil {
		return &ProtocolError{Reason: "guest initialized without publishing a function table"}
	}
	sigs, err := guestcall.DecodeSignatures(payload)
	guestcall.ClearMessage(out)
	if err != nil {
		return &ProtocolError{Reason: "decoding function table", Err: err}
	}
	if c.shared.DispatchPtr() == 0 {
		return &ProtocolError{Reason: "guest initialized without publishing a dispatch pointer"}
	}

	c.guestSigs = make(map[string]guestcall.Signature, len(sigs))
	for _, sig := range sigs {
		if _, ok := c.guestSigs[sig.Name]; ok {
			return &ProtocolError{Reason: fmt.Sprintf("function table lists %q twice", sig.Name)}
		}
		c.guestSigs[sig.Name] = sig
	}
	return nil
}

func (c *sandboxCore) emitPrint(s string) {
	if c.printWriter != nil {
		io.WriteString(c.printWriter, s)
	}
}

// finish releases the driver and guest memory. Idempotent.
func (c *sandboxCore) finish() {
	if c.state == StateFinished {
		return
	}
	c.state = StateFinished
	recordFinish()
	if err := c.driver.Close(); err != nil {
		c.log.Warn("closing driver", "sandbox", c.id, "error", err)
	}
	if err := c.shared.Close(); err != nil {
		c.log.Warn("releasing guest memory", "sandbox", c.id, "error", err)
	}
}

func (c *sandboxCore) functions() []string {
	out := make([]string, 0, len(c.guestSigs))
	for name := range c.guestSigs {
		out = append(out, name)
	}
	return out
}
