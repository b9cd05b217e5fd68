package host

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

const wasiModuleName = "wasi_snapshot_preview1"

// WASI preview 1 errno values used by the stdio module.
const (
	errnoSuccess uint32 = 0
	errnoAgain   uint32 = 6
	errnoBadf    uint32 = 8
	errnoFault   uint32 = 21
	errnoNosys   uint32 = 52
	errnoSpipe   uint32 = 70
)

// Stream file descriptors.
const (
	fdStdin  uint32 = 0
	fdStdout uint32 = 1
	fdStderr uint32 = 2
)

// stdioModule implements the subset of wasi_snapshot_preview1 a
// freestanding module links against, with fd 0/1/2 routed through a
// Streams implementation instead of real file descriptors. All guest
// memory access is bounds-checked; out-of-range vectors fail the call
// with EFAULT rather than touching host state.
type stdioModule struct {
	streams Streams
	epoch   time.Time
}

func newStdioModule(streams Streams) *stdioModule {
	return &stdioModule{
		streams: streams,
		epoch:   time.Now(),
	}
}

// fdWrite gathers the iovec array at iovs from guest memory, appends the
// referenced bytes to the primary or diagnostic stream, and records the
// total consumed at nwrittenPtr. Unknown descriptors get EBADF and no
// bytes are consumed.
func (s *stdioModule) fdWrite(mem api.Memory, fd, iovs, iovsLen, nwrittenPtr uint32) uint32 {
	if fd != fdStdout && fd != fdStderr {
		return errnoBadf
	}

	data, errno := gatherVectors(mem, iovs, iovsLen)
	if errno != errnoSuccess {
		Logger().Warn("fd_write vector out of bounds",
			zap.Uint32("fd", fd),
			zap.Uint32("iovs", iovs),
			zap.Uint32("iovs_len", iovsLen))
		return errno
	}

	if !mem.WriteUint32Le(nwrittenPtr, uint32(len(data))) {
		return errnoFault
	}

	if fd == fdStdout {
		s.streams.Stdout(data)
	} else {
		s.streams.Stderr(data)
	}
	return errnoSuccess
}

// fdRead fills the iovec array at iovs from the pending input queue,
// each vector up to its capacity, stopping when either side is
// exhausted. With nothing queued it writes zero to nreadPtr and returns
// EAGAIN: the read never blocks. Undelivered queue bytes are retained
// for the next read.
func (s *stdioModule) fdRead(mem api.Memory, fd, iovs, iovsLen, nreadPtr uint32) uint32 {
	if fd != fdStdin {
		return errnoBadf
	}

	views, errno := vectorViews(mem, iovs, iovsLen)
	if errno != errnoSuccess {
		Logger().Warn("fd_read vector out of bounds",
			zap.Uint32("iovs", iovs),
			zap.Uint32("iovs_len", iovsLen))
		return errno
	}

	// Validate the result pointer before draining: a fault after the
	// queue is consumed would silently lose input.
	if !mem.WriteUint32Le(nreadPtr, 0) {
		return errnoFault
	}

	total := 0
	for _, view := range views {
		chunk := s.streams.Stdin(len(view))
		if len(chunk) == 0 {
			break
		}
		copy(view, chunk)
		total += len(chunk)
		if len(chunk) < len(view) {
			break
		}
	}

	if !mem.WriteUint32Le(nreadPtr, uint32(total)) {
		return errnoFault
	}
	if total == 0 {
		return errnoAgain
	}
	return errnoSuccess
}

// gatherVectors decodes iovsLen (pointer, length) pairs starting at iovs
// and concatenates the referenced byte ranges. The result is a copy; the
// guest may reuse its buffers immediately after the call.
func gatherVectors(mem api.Memory, iovs, iovsLen uint32) ([]byte, uint32) {
	views, errno := vectorViews(mem, iovs, iovsLen)
	if errno != errnoSuccess {
		return nil, errno
	}

	total := 0
	for _, view := range views {
		total += len(view)
	}
	data := make([]byte, 0, total)
	for _, view := range views {
		data = append(data, view...)
	}
	return data, errnoSuccess
}

// vectorViews resolves every vector to a view of guest memory before any
// is used, so a fault in a later vector leaves no partial effects.
func vectorViews(mem api.Memory, iovs, iovsLen uint32) ([][]byte, uint32) {
	views := make([][]byte, 0, iovsLen)
	for i := uint32(0); i < iovsLen; i++ {
		base := iovs + 8*i
		ptr, ok := mem.ReadUint32Le(base)
		if !ok {
			return nil, errnoFault
		}
		length, ok := mem.ReadUint32Le(base + 4)
		if !ok {
			return nil, errnoFault
		}
		if length == 0 {
			continue
		}
		view, ok := mem.Read(ptr, length)
		if !ok {
			return nil, errnoFault
		}
		views = append(views, view)
	}
	return views, errnoSuccess
}

// fdFdstatGet reports fds 0-2 as character devices; fd 0 advertises the
// non-blocking flag so libc-level readers expect EAGAIN.
func (s *stdioModule) fdFdstatGet(mem api.Memory, fd, resultPtr uint32) uint32 {
	if fd > fdStderr {
		return errnoBadf
	}
	stat := make([]byte, 24)
	stat[0] = 2 // filetype: character device
	if fd == fdStdin {
		stat[2] = 0x4 // fdflags: nonblock
	}
	if !mem.Write(resultPtr, stat) {
		return errnoFault
	}
	return errnoSuccess
}

func (s *stdioModule) clockTimeGet(mem api.Memory, id uint32, resultPtr uint32) uint32 {
	var ns int64
	switch id {
	case 0: // realtime
		ns = time.Now().UnixNano()
	case 1: // monotonic
		ns = time.Since(s.epoch).Nanoseconds()
	default:
		return errnoNosys
	}
	if !mem.WriteUint64Le(resultPtr, uint64(ns)) {
		return errnoFault
	}
	return errnoSuccess
}

func (s *stdioModule) randomGet(mem api.Memory, bufPtr, bufLen uint32) uint32 {
	if bufLen == 0 {
		return errnoSuccess
	}
	view, ok := mem.Read(bufPtr, bufLen)
	if !ok {
		return errnoFault
	}
	if _, err := rand.Read(view); err != nil {
		return errnoNosys
	}
	return errnoSuccess
}

// instantiate registers the stdio module under the wasi_snapshot_preview1
// name so standard toolchain output links without modification.
func (s *stdioModule) instantiate(ctx context.Context, rt wazero.Runtime) error {
	i32 := api.ValueTypeI32
	i64 := api.ValueTypeI64

	b := rt.NewHostModuleBuilder(wasiModuleName)

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = uint64(s.fdWrite(m.Memory(),
				api.DecodeU32(stack[0]), api.DecodeU32(stack[1]),
				api.DecodeU32(stack[2]), api.DecodeU32(stack[3])))
		}), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		Export("fd_write")

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = uint64(s.fdRead(m.Memory(),
				api.DecodeU32(stack[0]), api.DecodeU32(stack[1]),
				api.DecodeU32(stack[2]), api.DecodeU32(stack[3])))
		}), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		Export("fd_read")

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = uint64(s.fdFdstatGet(m.Memory(),
				api.DecodeU32(stack[0]), api.DecodeU32(stack[1])))
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("fd_fdstat_get")

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			fd := api.DecodeU32(stack[0])
			if fd > fdStderr {
				stack[0] = uint64(errnoBadf)
				return
			}
			stack[0] = uint64(errnoSuccess)
		}), []api.ValueType{i32}, []api.ValueType{i32}).
		Export("fd_close")

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			fd := api.DecodeU32(stack[0])
			if fd > fdStderr {
				stack[0] = uint64(errnoBadf)
				return
			}
			stack[0] = uint64(errnoSpipe)
		}), []api.ValueType{i32, i64, i32, i32}, []api.ValueType{i32}).
		Export("fd_seek")

	// No preopened directories: EBADF ends libc's preopen scan.
	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = uint64(errnoBadf)
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("fd_prestat_get")

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = uint64(errnoBadf)
		}), []api.ValueType{i32, i32, i32}, []api.ValueType{i32}).
		Export("fd_prestat_dir_name")

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			mem := m.Memory()
			ok := mem.WriteUint32Le(api.DecodeU32(stack[0]), 0) &&
				mem.WriteUint32Le(api.DecodeU32(stack[1]), 0)
			if !ok {
				stack[0] = uint64(errnoFault)
				return
			}
			stack[0] = uint64(errnoSuccess)
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("args_sizes_get")

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = uint64(errnoSuccess)
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("args_get")

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			mem := m.Memory()
			ok := mem.WriteUint32Le(api.DecodeU32(stack[0]), 0) &&
				mem.WriteUint32Le(api.DecodeU32(stack[1]), 0)
			if !ok {
				stack[0] = uint64(errnoFault)
				return
			}
			stack[0] = uint64(errnoSuccess)
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("environ_sizes_get")

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = uint64(errnoSuccess)
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("environ_get")

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = uint64(s.clockTimeGet(m.Memory(),
				api.DecodeU32(stack[0]), api.DecodeU32(stack[2])))
		}), []api.ValueType{i32, i64, i32}, []api.ValueType{i32}).
		Export("clock_time_get")

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = uint64(s.randomGet(m.Memory(),
				api.DecodeU32(stack[0]), api.DecodeU32(stack[1])))
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("random_get")

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = uint64(errnoNosys)
		}), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		Export("poll_oneoff")

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			stack[0] = uint64(errnoSuccess)
		}), nil, []api.ValueType{i32}).
		Export("sched_yield")

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(
		func(ctx context.Context, m api.Module, stack []uint64) {
			code := api.DecodeU32(stack[0])
			_ = m.CloseWithExitCode(ctx, code)
			panic(sys.NewExitError(code))
		}), []api.ValueType{i32}, nil).
		Export("proc_exit")

	_, err := b.Instantiate(ctx)
	return err
}
