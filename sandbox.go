package track17

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

//go:embed browser_mocks.js
var browserMocksJS string

//go:embed chunk_intercept.js
var chunkInterceptJS string

// SignatureSource produces an API signature by running the site's fingerprint
// bundle. Implementations must be safe to call from multiple goroutines or be
// guarded by the caller; the credential cache serializes its calls.
type SignatureSource interface {
	AcquireSignature(ctx context.Context, bundleJS string) (string, error)
}

// maxSignatureLength bounds the decoded signature. Anything larger means the
// payload misbehaved and the result cannot be trusted.
const maxSignatureLength = 100000

const sandboxDefaultTimeout = 15 * time.Second

// Sandbox runs the fingerprint bundle in an embedded ECMAScript interpreter
// with mocked browser globals. Each AcquireSignature call builds a fresh
// interpreter so no state survives between signatures or leaks across
// concurrent callers.
type Sandbox struct {
	logger  Logger
	timeout time.Duration
}

// NewSandbox creates a sandbox with the default execution timeout.
func NewSandbox(logger Logger) *Sandbox {
	if logger == nil {
		logger = NopLogger()
	}
	return &Sandbox{logger: logger, timeout: sandboxDefaultTimeout}
}

// sandboxInitScript locates the fingerprint module among the captured
// factories, executes it, and runs its default() initializer. The bundle
// carries a raw binary payload whose JS wrapper caches typed-array views that
// go stale after the payload's memory grows; the raw exports are saved so the
// extraction step can re-read memory with fresh views.
const sandboxInitScript = `
(function () {
	var g = globalThis;
	var target = null;
	var knownIds = ["4279"];

	for (var i = 0; i < knownIds.length; i++) {
		if (g.__capturedModules[knownIds[i]]) {
			target = g.__runModule(knownIds[i]);
			break;
		}
	}

	if (!target) {
		for (var id in g.__capturedModules) {
			try {
				var exports = g.__runModule(id);
				if (exports && exports.get_fingerprint) {
					target = exports;
					break;
				}
			} catch (e) {}
		}
	}

	if (!target) {
		throw new Error("fingerprint module not found; captured: " +
			Object.keys(g.__capturedModules).join(","));
	}

	g.__signModule = target;

	var finish = function () {
		if (g.__wasmInstance) {
			var exp = g.__wasmInstance.exports;
			g.__rawPayload = {
				get_fingerprint: exp.get_fingerprint,
				stack: exp.__wbindgen_add_to_stack_pointer,
				memory: exp.memory,
				free: exp.__wbindgen_export_2
			};
		}
		return "ok";
	};

	if (typeof target.default === "function") {
		return Promise.resolve(target.default()).then(finish);
	}
	return finish();
})()
`

// sandboxExtractScript reads the signature. The raw payload path calls the
// binary export directly and decodes the result string from linear memory
// using views created after the call, never cached ones. Modules without a
// binary payload expose get_fingerprint as a plain function.
const sandboxExtractScript = `
(function () {
	var g = globalThis;
	var raw = g.__rawPayload;

	if (raw && raw.get_fingerprint && raw.stack && raw.memory) {
		var retptr = raw.stack(-16);
		try {
			raw.get_fingerprint(retptr, 0, 0);

			var i32 = new Int32Array(raw.memory.buffer);
			var ptr = i32[retptr / 4 + 0];
			var len = i32[retptr / 4 + 1];
			if (len <= 0 || len > 100000) {
				throw new Error("invalid signature length: " + len);
			}

			var u8 = new Uint8Array(raw.memory.buffer);
			var sign = new TextDecoder("utf-8").decode(u8.slice(ptr, ptr + len));

			if (raw.free) {
				try { raw.free(ptr, len, 1); } catch (e) {}
			}
			return sign;
		} finally {
			raw.stack(16);
		}
	}

	if (g.__signModule && typeof g.__signModule.get_fingerprint === "function") {
		var result = g.__signModule.get_fingerprint();
		if (typeof result !== "string") {
			throw new Error("get_fingerprint returned " + typeof result);
		}
		return result;
	}

	throw new Error("no signature export available");
})()
`

// AcquireSignature executes bundleJS and returns the generated signature.
// The interpreter is interrupted when ctx is cancelled or the sandbox timeout
// elapses. Failures are returned to the caller; the sandbox never retries on
// its own.
func (s *Sandbox) AcquireSignature(ctx context.Context, bundleJS string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vm := goja.New()

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-watchdogDone:
		}
	}()

	if _, err := vm.RunScript("browser_mocks.js", browserMocksJS); err != nil {
		return "", fmt.Errorf("install browser mocks: %w", sandboxError(ctx, err))
	}
	if _, err := vm.RunScript("chunk_intercept.js", chunkInterceptJS); err != nil {
		return "", fmt.Errorf("install chunk interception: %w", sandboxError(ctx, err))
	}

	if _, err := vm.RunScript("bundle.js", bundleJS); err != nil {
		return "", fmt.Errorf("execute fingerprint bundle: %w", sandboxError(ctx, err))
	}

	initVal, err := vm.RunScript("init.js", sandboxInitScript)
	if err != nil {
		return "", fmt.Errorf("initialize fingerprint module: %w", sandboxError(ctx, err))
	}
	if err := promiseSettled(initVal); err != nil {
		return "", fmt.Errorf("initialize fingerprint module: %w", err)
	}

	val, err := vm.RunScript("extract.js", sandboxExtractScript)
	if err != nil {
		return "", fmt.Errorf("extract signature: %w", sandboxError(ctx, err))
	}

	sign := val.String()
	if sign == "" {
		return "", ErrEmptySignature
	}
	if len(sign) > maxSignatureLength {
		return "", ErrSignatureTooLarge
	}

	s.logger.Log("Signature generated (%d chars)", len(sign))
	return sign, nil
}

// promiseSettled inspects a value that may be a promise. The interpreter has
// no event loop, so a promise still pending after script return can never
// settle and is treated as a failure.
func promiseSettled(v goja.Value) error {
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return nil
	case goja.PromiseStateRejected:
		return fmt.Errorf("rejected: %v", p.Result())
	default:
		return errors.New("asynchronous initialization did not settle")
	}
}

// sandboxError converts interpreter errors into something readable, mapping
// interrupts back to the context error that triggered them.
func sandboxError(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) && ctx.Err() != nil {
		return ctx.Err()
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return errors.New(exception.Value().String())
	}
	return err
}
