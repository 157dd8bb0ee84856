package hyperlight

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreiltd/hyperlight/guest"
	"github.com/andreiltd/hyperlight/guestcall"
	"github.com/andreiltd/hyperlight/mem"
)

func testGuestModule(t *testing.T) *guest.Module {
	t.Helper()
	m := guest.NewModule()
	reg := func(sig guestcall.Signature, fn guest.HandlerFunc) {
		t.Helper()
		require.NoError(t, m.Register(sig, fn))
	}

	reg(guestcall.Signature{
		Name:   "Echo",
		Params: []guestcall.ParamKind{guestcall.KindString},
		Return: guestcall.KindString,
	}, func(_ *guest.Runtime, p []guestcall.Value) (guestcall.Value, error) {
		s, _ := p[0].AsString()
		return guestcall.String(s), nil
	})

	reg(guestcall.Signature{
		Name:   "Add",
		Params: []guestcall.ParamKind{guestcall.KindInt32, guestcall.KindInt32},
		Return: guestcall.KindInt32,
	}, func(_ *guest.Runtime, p []guestcall.Value) (guestcall.Value, error) {
		a, _ := p[0].AsInt32()
		b, _ := p[1].AsInt32()
		return guestcall.Int32(a + b), nil
	})

	reg(guestcall.Signature{
		Name:   "PrintOutput",
		Params: []guestcall.ParamKind{guestcall.KindString},
		Return: guestcall.KindVoid,
	}, func(rt *guest.Runtime, p []guestcall.Value) (guestcall.Value, error) {
		s, _ := p[0].AsString()
		if err := rt.Print(s); err != nil {
			return guestcall.Void(), err
		}
		return guestcall.Void(), nil
	})

	reg(guestcall.Signature{Name: "Fails", Return: guestcall.KindVoid},
		func(*guest.Runtime, []guestcall.Value) (guestcall.Value, error) {
			return guestcall.Void(), errors.New("the guest declined")
		})

	reg(guestcall.Signature{Name: "Panics", Return: guestcall.KindVoid},
		func(*guest.Runtime, []guestcall.Value) (guestcall.Value, error) {
			panic("guest invariant broken")
		})

	reg(guestcall.Signature{Name: "Overflow", Return: guestcall.KindVoid},
		func(rt *guest.Runtime, _ []guestcall.Value) (guestcall.Value, error) {
			rt.RaiseFault(guest.VectorPageFault, rt.StackGuardAddr())
			return guestcall.Void(), nil
		})

	reg(guestcall.Signature{Name: "Sleep5Secs", Return: guestcall.KindVoid},
		func(rt *guest.Runtime, _ []guestcall.Value) (guestcall.Value, error) {
			rt.Sleep(5 * time.Second)
			return guestcall.Void(), nil
		})

	reg(guestcall.Signature{
		Name:   "RelayAdd",
		Params: []guestcall.ParamKind{guestcall.KindInt32, guestcall.KindInt32},
		Return: guestcall.KindInt32,
	}, func(rt *guest.Runtime, p []guestcall.Value) (guestcall.Value, error) {
		return rt.CallHost("HostAdd", guestcall.KindInt32, p[0], p[1])
	})

	reg(guestcall.Signature{Name: "RelayMissing", Return: guestcall.KindVoid},
		func(rt *guest.Runtime, _ []guestcall.Value) (guestcall.Value, error) {
			if _, err := rt.CallHost("NoSuchHostFunc", guestcall.KindVoid); err != nil {
				return guestcall.Void(), err
			}
			return guestcall.Void(), nil
		})

	return m
}

type sandboxOpts struct {
	cfg    *Config
	prints *bytes.Buffer
	uninit func(*UninitializedSandbox)
}

func newTestUninit(t *testing.T, o sandboxOpts) *UninitializedSandbox {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Seed = 0x5eed
	cfg.CallTimeout = 5 * time.Second
	if o.cfg != nil {
		cfg = *o.cfg
	}
	opts := []Option{
		WithConfig(cfg),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	if o.prints != nil {
		opts = append(opts, WithPrintWriter(o.prints))
	}
	rt := guest.NewRuntime(testGuestModule(t))
	u, err := NewUninitializedSandbox(InProcess(rt), opts...)
	require.NoError(t, err)
	if o.uninit != nil {
		o.uninit(u)
	}
	return u
}

func newTestSandbox(t *testing.T, o sandboxOpts) *MultiUseSandbox {
	t.Helper()
	sb, err := newTestUninit(t, o).Evolve(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { sb.Close() })
	return sb
}

func TestEvolveAndCall(t *testing.T) {
	sb := newTestSandbox(t, sandboxOpts{})
	assert.Equal(t, StateMultiUse, sb.State())
	assert.Contains(t, sb.Functions(), "Echo")

	v, err := sb.Call(context.Background(), "Echo", guestcall.KindString, guestcall.String("round trip"))
	require.NoError(t, err)
	s, ok := v.AsString()
	require.True(t, ok)
	assert.Equal(t, "round trip", s)

	v, err = sb.Call(context.Background(), "Add", guestcall.KindInt32, guestcall.Int32(40), guestcall.Int32(2))
	require.NoError(t, err)
	n, _ := v.AsInt32()
	assert.Equal(t, int32(42), n)
}

func TestPrintOutputEchoesExactlyOnce(t *testing.T) {
	var prints bytes.Buffer
	sb := newTestSandbox(t, sandboxOpts{prints: &prints, uninit: func(u *UninitializedSandbox) {
		require.NoError(t, u.RegisterHostFunc(
			guestcall.Signature{Name: "Sleep5Secs", Return: guestcall.KindVoid},
			func([]guestcall.Value) (guestcall.Value, error) {
				time.Sleep(5 * time.Second)
				return guestcall.Void(), nil
			}))
	}})

	_, err := sb.Call(context.Background(), "PrintOutput", guestcall.KindVoid, guestcall.String("Hello, World!"))
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", prints.String())

	// The output region must be clean between calls: memory is back at the
	// evolution snapshot, so a second call prints exactly once more.
	sum, err := sb.MemoryChecksum()
	require.NoError(t, err)
	assert.Equal(t, sb.SnapshotChecksum(), sum)

	_, err = sb.Call(context.Background(), "PrintOutput", guestcall.KindVoid, guestcall.String("Hello, World!"))
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!Hello, World!", prints.String())
}

func TestUnknownFunctionKeepsSandboxCallable(t *testing.T) {
	sb := newTestSandbox(t, sandboxOpts{})

	_, err := sb.Call(context.Background(), "DoesNotExist", guestcall.KindVoid)
	var notFound *guestcall.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "DoesNotExist", notFound.Name)
	assert.Equal(t, StateMultiUse, sb.State())

	_, err = sb.Call(context.Background(), "Echo", guestcall.KindString, guestcall.String("still alive"))
	assert.NoError(t, err)
}

func TestTypeMismatchKeepsSandboxCallable(t *testing.T) {
	sb := newTestSandbox(t, sandboxOpts{})

	_, err := sb.Call(context.Background(), "Add", guestcall.KindInt32, guestcall.String("not a number"))
	var mismatch *guestcall.TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, StateMultiUse, sb.State())
}

func TestGuestErrorKeepsSandboxCallable(t *testing.T) {
	sb := newTestSandbox(t, sandboxOpts{})

	_, err := sb.Call(context.Background(), "Fails", guestcall.KindVoid)
	var guestErr *GuestError
	require.ErrorAs(t, err, &guestErr)
	assert.Contains(t, guestErr.Message, "the guest declined")
	assert.Equal(t, StateMultiUse, sb.State())

	_, err = sb.Call(context.Background(), "Echo", guestcall.KindString, guestcall.String("ok"))
	assert.NoError(t, err)
}

func TestGuestPanicRecoversViaRestore(t *testing.T) {
	sb := newTestSandbox(t, sandboxOpts{})

	_, err := sb.Call(context.Background(), "Panics", guestcall.KindVoid)
	var panicErr *GuestPanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Contains(t, panicErr.Message, "guest invariant broken")
	assert.Equal(t, StateMultiUse, sb.State())

	// Restoring the evolution snapshot wiped the panic descriptor along with
	// everything else, so the sandbox keeps taking calls.
	sum, err := sb.MemoryChecksum()
	require.NoError(t, err)
	assert.Equal(t, sb.SnapshotChecksum(), sum)

	v, err := sb.Call(context.Background(), "Echo", guestcall.KindString, guestcall.String("recovered"))
	require.NoError(t, err)
	s, _ := v.AsString()
	assert.Equal(t, "recovered", s)
}

func TestStackOverflowFault(t *testing.T) {
	sb := newTestSandbox(t, sandboxOpts{})

	_, err := sb.Call(context.Background(), "Overflow", guestcall.KindVoid)
	var faultErr *GuestFaultError
	require.ErrorAs(t, err, &faultErr)
	assert.Equal(t, "stack-overflow", faultErr.Kind.String())
	assert.Equal(t, StateMultiUse, sb.State())

	_, err = sb.Call(context.Background(), "Echo", guestcall.KindString, guestcall.String("still here"))
	assert.NoError(t, err)
}

func TestSingleUsePanicFinishes(t *testing.T) {
	u := newTestUninit(t, sandboxOpts{})
	sb, err := u.EvolveSingleUse(context.Background())
	require.NoError(t, err)
	defer sb.Close()

	_, err = sb.Call(context.Background(), "Panics", guestcall.KindVoid)
	var panicErr *GuestPanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, StateFinished, sb.State())
}

func TestKillInterruptsSleep(t *testing.T) {
	sb := newTestSandbox(t, sandboxOpts{})

	go func() {
		time.Sleep(50 * time.Millisecond)
		sb.Kill()
	}()
	start := time.Now()
	_, err := sb.Call(context.Background(), "Sleep5Secs", guestcall.KindVoid)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), 2*time.Second, "Kill did not interrupt the call")
	assert.Equal(t, StateFinished, sb.State())
}

func TestCallTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 0x5eed
	cfg.CallTimeout = 100 * time.Millisecond
	sb := newTestSandbox(t, sandboxOpts{cfg: &cfg})

	_, err := sb.Call(context.Background(), "Sleep5Secs", guestcall.KindVoid)
	require.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMultiUseChecksumStability(t *testing.T) {
	sb := newTestSandbox(t, sandboxOpts{})
	want := sb.SnapshotChecksum()

	for i := 0; i < 10; i++ {
		_, err := sb.Call(context.Background(), "Echo", guestcall.KindString, guestcall.String("mutate the regions"))
		require.NoError(t, err)
		sum, err := sb.MemoryChecksum()
		require.NoError(t, err)
		require.Equal(t, want, sum, "memory diverged after call %d", i+1)
	}
}

func TestHostCall(t *testing.T) {
	u := newTestUninit(t, sandboxOpts{uninit: func(u *UninitializedSandbox) {
		require.NoError(t, u.RegisterHostFunc(guestcall.Signature{
			Name:   "HostAdd",
			Params: []guestcall.ParamKind{guestcall.KindInt32, guestcall.KindInt32},
			Return: guestcall.KindInt32,
		}, func(p []guestcall.Value) (guestcall.Value, error) {
			a, _ := p[0].AsInt32()
			b, _ := p[1].AsInt32()
			return guestcall.Int32(a + b), nil
		}))
	}})
	sb, err := u.Evolve(context.Background())
	require.NoError(t, err)
	defer sb.Close()

	v, err := sb.Call(context.Background(), "RelayAdd", guestcall.KindInt32, guestcall.Int32(20), guestcall.Int32(22))
	require.NoError(t, err)
	n, _ := v.AsInt32()
	assert.Equal(t, int32(42), n)
}

func TestUnknownHostFunction(t *testing.T) {
	sb := newTestSandbox(t, sandboxOpts{})

	_, err := sb.Call(context.Background(), "RelayMissing", guestcall.KindVoid)
	var guestErr *GuestError
	require.ErrorAs(t, err, &guestErr)
	assert.Contains(t, guestErr.Message, "NoSuchHostFunc")
	assert.Equal(t, StateMultiUse, sb.State())
}

func TestSingleUse(t *testing.T) {
	u := newTestUninit(t, sandboxOpts{})
	sb, err := u.EvolveSingleUse(context.Background())
	require.NoError(t, err)
	defer sb.Close()
	assert.Equal(t, StateSingleUse, sb.State())

	v, err := sb.Call(context.Background(), "Echo", guestcall.KindString, guestcall.String("one shot"))
	require.NoError(t, err)
	s, _ := v.AsString()
	assert.Equal(t, "one shot", s)
	assert.Equal(t, StateFinished, sb.State())

	_, err = sb.Call(context.Background(), "Echo", guestcall.KindString, guestcall.String("again"))
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StateFinished, stateErr.State)
}

func TestRegisterHostFuncAfterEvolve(t *testing.T) {
	u := newTestUninit(t, sandboxOpts{})
	sb, err := u.Evolve(context.Background())
	require.NoError(t, err)
	defer sb.Close()

	err = u.RegisterHostFunc(guestcall.Signature{Name: "Late", Return: guestcall.KindVoid},
		func([]guestcall.Value) (guestcall.Value, error) { return guestcall.Void(), nil })
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestEvolveTwice(t *testing.T) {
	u := newTestUninit(t, sandboxOpts{})
	sb, err := u.Evolve(context.Background())
	require.NoError(t, err)
	defer sb.Close()

	_, err = u.Evolve(context.Background())
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestDuplicateHostFunc(t *testing.T) {
	u := newTestUninit(t, sandboxOpts{})
	sig := guestcall.Signature{Name: "Twice", Return: guestcall.KindVoid}
	fn := func([]guestcall.Value) (guestcall.Value, error) { return guestcall.Void(), nil }
	require.NoError(t, u.RegisterHostFunc(sig, fn))
	err := u.RegisterHostFunc(sig, fn)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestTimedCallsDoNotSelfCancel(t *testing.T) {
	// With a single P the scheduler is free to run the expired-timeout
	// callback right after a call completes, which used to latch a cancel
	// the next call consumed.
	prev := runtime.GOMAXPROCS(1)
	defer runtime.GOMAXPROCS(prev)

	cfg := DefaultConfig()
	cfg.Seed = 0x5eed
	cfg.CallTimeout = 5 * time.Second
	sb := newTestSandbox(t, sandboxOpts{cfg: &cfg})

	for i := 0; i < 100; i++ {
		_, err := sb.Call(context.Background(), "Echo", guestcall.KindString, guestcall.String("steady"))
		require.NoError(t, err, "call %d cancelled itself", i+1)
	}
	assert.Equal(t, StateMultiUse, sb.State())
}

func TestMaxHostCallsFailClosed(t *testing.T) {
	m := guest.NewModule()
	require.NoError(t, m.Register(guestcall.Signature{Name: "Chatty", Return: guestcall.KindVoid},
		func(rt *guest.Runtime, _ []guestcall.Value) (guestcall.Value, error) {
			for i := 0; i < 10; i++ {
				if _, err := rt.CallHost("Ping", guestcall.KindVoid); err != nil {
					return guestcall.Void(), err
				}
			}
			return guestcall.Void(), nil
		}))
	require.NoError(t, m.Register(guestcall.Signature{Name: "Quiet", Return: guestcall.KindVoid},
		func(*guest.Runtime, []guestcall.Value) (guestcall.Value, error) {
			return guestcall.Void(), nil
		}))

	cfg := DefaultConfig()
	cfg.Seed = 0x5eed
	cfg.CallTimeout = 5 * time.Second
	cfg.MaxHostCalls = 3

	u, err := NewUninitializedSandbox(InProcess(guest.NewRuntime(m)),
		WithConfig(cfg),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	require.NoError(t, u.RegisterHostFunc(guestcall.Signature{Name: "Ping", Return: guestcall.KindVoid},
		func([]guestcall.Value) (guestcall.Value, error) { return guestcall.Void(), nil }))
	sb, err := u.Evolve(context.Background())
	require.NoError(t, err)
	defer sb.Close()

	_, err = sb.Call(context.Background(), "Chatty", guestcall.KindVoid)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Reason, "host calls")

	// The bound fails the call, not the sandbox.
	_, err = sb.Call(context.Background(), "Quiet", guestcall.KindVoid)
	assert.NoError(t, err)
	assert.Equal(t, StateMultiUse, sb.State())
}

const mutedDispatchAddr = 0xfeed0000

// mutedProgram publishes one function and then halts every dispatch without
// writing a result envelope.
type mutedProgram struct{}

func (mutedProgram) Entry(shared *mem.SharedMemory, _ uint64, _ func(uint16, []byte)) error {
	table, err := guestcall.EncodeSignatures([]guestcall.Signature{{Name: "Mute", Return: guestcall.KindVoid}})
	if err != nil {
		return err
	}
	if err := guestcall.WriteMessage(shared.RegionBytes(mem.RegionOutputData), table); err != nil {
		return err
	}
	shared.SetDispatchPtr(mutedDispatchAddr)
	return nil
}

func (mutedProgram) Dispatch(*mem.SharedMemory, func(uint16, []byte)) error { return nil }

func (mutedProgram) DispatchAddr() uint64 { return mutedDispatchAddr }

func (mutedProgram) Stop() {}

func TestHaltWithoutResultEnvelope(t *testing.T) {
	u, err := NewUninitializedSandbox(InProcess(mutedProgram{}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	sb, err := u.Evolve(context.Background())
	require.NoError(t, err)
	defer sb.Close()

	_, err = sb.Call(context.Background(), "Mute", guestcall.KindVoid)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Reason, "result envelope")
	assert.Equal(t, StateMultiUse, sb.State())
}

func TestSandboxMetrics(t *testing.T) {
	before := GetMetrics()

	sb := newTestSandbox(t, sandboxOpts{})
	_, err := sb.Call(context.Background(), "Echo", guestcall.KindString, guestcall.String("counted"))
	require.NoError(t, err)
	require.NoError(t, sb.Close())

	after := GetMetrics()
	assert.Equal(t, before.Evolutions+1, after.Evolutions)
	assert.Equal(t, before.Calls+1, after.Calls)
	assert.Equal(t, before.Restores+1, after.Restores)
	assert.Equal(t, before.SandboxesFinished+1, after.SandboxesFinished)
	assert.Equal(t, before.CallErrors, after.CallErrors)
}

func TestDeterministicSeed(t *testing.T) {
	m := guest.NewModule()
	require.NoError(t, m.Register(guestcall.Signature{Name: "Seed", Return: guestcall.KindUInt64},
		func(rt *guest.Runtime, _ []guestcall.Value) (guestcall.Value, error) {
			return guestcall.UInt64(rt.Seed()), nil
		}))
	cfg := DefaultConfig()
	cfg.Seed = 0xabcdef

	u, err := NewUninitializedSandbox(InProcess(guest.NewRuntime(m)),
		WithConfig(cfg),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	sb, err := u.Evolve(context.Background())
	require.NoError(t, err)
	defer sb.Close()

	v, err := sb.Call(context.Background(), "Seed", guestcall.KindUInt64)
	require.NoError(t, err)
	seed, _ := v.AsUInt64()
	assert.Equal(t, uint64(0xabcdef), seed)
}
