// Package hyperlight embeds micro-VM sandboxes in a host application and
// calls guest functions in them synchronously.
//
// A sandbox begins uninitialized: host functions are registered, then Evolve
// runs the guest's initialization inside a hypervisor partition and yields a
// callable sandbox. Multi-use sandboxes restore their memory to the
// just-evolved snapshot after every call; single-use sandboxes accept one
// call and finish.
//
//	uninit, err := hyperlight.NewUninitializedSandbox(bin)
//	if err != nil {
//		log.Fatal(err)
//	}
//	sb, err := uninit.Evolve(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sb.Close()
//
//	v, err := sb.Call(ctx, "Echo", guestcall.KindString, guestcall.String("hi"))
//
// Guest and host communicate over shared memory regions using CBOR
// envelopes; the guest signals the host through I/O-port traps that surface
// as VM exits. See the hypervisor package for the backends (KVM, mshv, WHP,
// and an in-process fake for tests) and the guestcall package for the wire
// protocol.
package hyperlight
