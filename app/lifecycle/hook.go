package lifecycle

import (
	"bytes"
	"context"
	"runtime/pprof"
	"time"

	"github.com/vault713/grinbox/app/errors"
	"github.com/vault713/grinbox/app/log"
	"github.com/vault713/grinbox/app/z"
)

// IHookFunc is the life cycle hook function interface.
type IHookFunc interface {
	Call(context.Context) error
}

// HookFunc wraps a standard hook function (context and error) as an IHookFunc.
type HookFunc func(ctx context.Context) error

func (fn HookFunc) Call(ctx context.Context) error {
	return fn(ctx)
}

// HookFuncMin wraps a minimum (no context, no error) hook function as an IHookFunc.
type HookFuncMin func()

func (fn HookFuncMin) Call(context.Context) error {
	fn()
	return nil
}

// HookFuncErr wraps an error-only (no context) hook function as an IHookFunc.
type HookFuncErr func() error

func (fn HookFuncErr) Call(context.Context) error {
	return fn()
}

// HookFuncCtx wraps a context-only (no error) hook function as an IHookFunc.
type HookFuncCtx func(ctx context.Context)

func (fn HookFuncCtx) Call(ctx context.Context) error {
	fn(ctx)
	return nil
}

// HookStartType defines the type of start hook.
type HookStartType int

const (
	// AsyncAppCtx defines a start hook called asynchronously with the application context.
	// Cancellation usually results in a hard shutdown.
	AsyncAppCtx HookStartType = iota + 1

	// SyncBackground defines a start hook called synchronously with a fresh background context.
	SyncBackground

	// AsyncBackground defines a start hook called asynchronously with a fresh background context.
	AsyncBackground
)

// hook represents a life cycle hook; either a start or a stop.
type hook struct {
	Order     int
	Label     string
	StartType HookStartType
	Func      IHookFunc
}

// runHooks starts and stops all provided hooks, bounding the stop phase by stopTimeout.
func runHooks(appCtx context.Context, startHooks []hook, stopHooks []hook, stopTimeout time.Duration) error {
	firstErr := make(chan error, 1)
	cacheErr := func(err error) {
		select {
		case firstErr <- err:
		default:
		}
	}

	startAppCtx, cancel := context.WithCancel(appCtx)
	defer cancel()

	backgroundCtx := log.WithTopic(context.Background(), "app-start")

	if err := startAllHooks(startAppCtx, backgroundCtx, startHooks, cancel, cacheErr); err != nil {
		return err
	}

	<-startAppCtx.Done()

	if appCtx.Err() != nil {
		log.Info(appCtx, "Shutdown signal detected")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	stopCtx = log.WithTopic(stopCtx, "app-stop")
	log.Info(stopCtx, "Shutting down gracefully")

	stopAllHooks(stopCtx, stopHooks, cancel, cacheErr)

	cacheErr(nil)

	return <-firstErr
}

func startHook(ctx context.Context, h hook, cancel context.CancelFunc, cacheErr func(err error)) {
	err := h.Func.Call(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		cacheErr(errors.Wrap(err, "start hook", z.Str("hook", h.Label)))
		cancel()
	}
}

func startAllHooks(
	startAppCtx context.Context,
	backgroundCtx context.Context,
	startHooks []hook,
	cancel context.CancelFunc,
	cacheErr func(err error),
) error {
	for _, h := range startHooks {
		if startAppCtx.Err() != nil {
			return nil //nolint:nilerr // Just return when ctx closed.
		}

		switch h.StartType {
		case AsyncAppCtx:
			go func(h hook) {
				startHook(startAppCtx, h, cancel, cacheErr)
			}(h)
		case SyncBackground:
			startHook(backgroundCtx, h, cancel, cacheErr)
		case AsyncBackground:
			go func(h hook) {
				startHook(backgroundCtx, h, cancel, cacheErr)
			}(h)
		default:
			return errors.New("unexpected hook type", z.Any("type", h.StartType))
		}
	}

	return nil
}

func stopHook(stopCtx context.Context, h hook, cancel context.CancelFunc, cacheErr func(err error)) {
	err := h.Func.Call(stopCtx)
	if errors.Is(stopCtx.Err(), context.DeadlineExceeded) {
		cacheErr(errors.New("shutdown timeout", z.Str("hook", h.Label), z.Str("stack_dump", getStackDump())))
	} else if err != nil && !errors.Is(err, context.Canceled) {
		cacheErr(errors.Wrap(err, "stop hook", z.Str("hook", h.Label)))
		cancel()
	}
}

func stopAllHooks(stopCtx context.Context, stopHooks []hook, cancel context.CancelFunc, cacheErr func(err error)) {
	for _, h := range stopHooks {
		if stopCtx.Err() != nil {
			break
		}

		stopHook(stopCtx, h, cancel, cacheErr)
	}
}

// getStackDump returns a stack dump of all goroutines, handy when diagnosing shutdown timeouts.
func getStackDump() string {
	var buf bytes.Buffer

	_ = pprof.Lookup("goroutine").WriteTo(&buf, 2)

	return buf.String()
}
