package vm

import (
	"context"
	"errors"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/go-fvm-core/pkg/vm/engine"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/kernel"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/syscalls"
)

// returnReader is the extra capability defaultkernel.Kernel exposes
// beyond kernel.Kernel: reading back whatever block the guest most
// recently passed to Return.
type returnReader interface {
	ReturnBytes() []byte
}

// wasmInvoker runs actor code through the engine, binding a fresh set
// of host modules (built from the kernel the call manager hands it)
// for every invocation and tearing the instance down afterward. It
// implements callmanager.Invoker.
type wasmInvoker struct {
	eng      *engine.Engine
	loadCode func(ctx context.Context, codeCID cid.Cid) ([]byte, error)
}

func (w *wasmInvoker) Invoke(ctx context.Context, k kernel.Kernel, codeCID cid.Cid, method abi.MethodNum, params []byte) (exitcode.ExitCode, []byte, *kernel.Abort) {
	code, err := w.loadCode(ctx, codeCID)
	if err != nil {
		return 0, nil, kernel.FatalAbort("vm: loading actor code %s: %v", codeCID, err)
	}

	inv, err := w.eng.Instantiate(ctx, codeCID, code, syscalls.Bind(k))
	if err != nil {
		return 0, nil, kernel.FatalAbort("vm: instantiating actor code %s: %v", codeCID, err)
	}
	defer inv.Close(ctx)

	// The guest's linear memory starts zeroed; params are written at
	// its very base, which is safe because wasm page zero is never a
	// meaningful address in the Filecoin actor ABI (no actor addresses
	// its own memory by absolute offset below the entry point).
	if len(params) > 0 {
		if !inv.Memory().Write(0, params) {
			return 0, nil, kernel.FatalAbort("vm: guest memory too small for %d-byte params", len(params))
		}
	}

	results, err := inv.Invoke(ctx, uint64(method), 0, uint32(len(params)))
	if err != nil {
		return 0, nil, abortFromTrap(err)
	}
	if len(results) == 0 {
		return 0, nil, kernel.FatalAbort("vm: actor code returned no exit code")
	}
	exit := exitcode.ExitCode(results[0])

	var ret []byte
	if rr, ok := k.(returnReader); ok {
		ret = rr.ReturnBytes()
	}
	return exit, ret, nil
}

// abortFromTrap turns a wasm trap into a kernel.Abort. A trap can be a
// genuine runtime fault (stack overflow, unreachable, out-of-bounds
// memory access) — none of those are an actor choosing to fail, they're
// this core or the guest module being broken, so they become a fresh
// fatal abort. Or it can be a syscalls.AbortPanic: a Fatal/OutOfGas
// Abort that abortStatus deliberately turned into a panic so it
// unwound every nested WASM frame instead of becoming a status word
// (spec.md §4.7 step 6); that original Abort is recovered as-is.
func abortFromTrap(err error) *kernel.Abort {
	var trapped syscalls.AbortPanic
	if errors.As(err, &trapped) {
		return trapped.Abort
	}
	return kernel.FatalAbort("vm: actor code trapped: %v", err)
}
