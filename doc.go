// Package wasio bridges a sandboxed WebAssembly module's standard I/O
// onto a message channel.
//
// # Overview
//
// A module compiled against WASI preview 1 runs inside a wazero runtime
// with its stdio virtualized: writes to the primary stream are
// line-buffered and surface as discrete stdout events, diagnostic
// writes surface immediately as stderr events, and input text queued
// from the outside world is drained by the module's non-blocking reads.
//
// # Basic Usage
//
//	events := make(chan bridge.Event, 16)
//	ctrl, _ := bridge.NewSession(ctx, bridge.EmitterFunc(func(e bridge.Event) {
//		events <- e
//	}))
//	defer ctrl.Close()
//
//	// The first message names the module and boots it lazily.
//	ctrl.HandleMessage(ctx, bridge.Message{
//		Type:          bridge.MessageStdin,
//		SourceLocator: "./echo.wasm",
//		Data:          "hello\n",
//	})
//
// See the [bridge] and [host] packages for detailed API documentation.
package wasio
