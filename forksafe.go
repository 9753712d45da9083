/* SPDX-License-Identifier: BSD-2-Clause */

package forksafe

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ProbeAllocator returns a page-aligned buffer of at least size bytes and a
// function releasing it. It backs the Initialize self-test.
type ProbeAllocator func(size int) (buf []byte, free func() error, err error)

func mmapProbe(size int) ([]byte, func() error, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, err
	}
	return buf, func() error { return unix.Munmap(buf) }, nil
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default is logrus.StandardLogger().
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Controller) { c.log = log }
}

// WithAdvisor replaces the madvise(2) backend.
func WithAdvisor(a Advisor) Option {
	return func(c *Controller) { c.advisor = a }
}

// WithLookupEnv replaces os.LookupEnv for reading EnvHugePagesSafe.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(c *Controller) { c.lookupEnv = lookup }
}

// WithSafeMode forces safe mode on or off regardless of the environment.
func WithSafeMode(enabled bool) Option {
	return func(c *Controller) { c.safeMode = &enabled }
}

// WithSystemPageSize overrides the page size reported by the kernel.
func WithSystemPageSize(size uintptr) Option {
	return func(c *Controller) { c.systemPageSize = size }
}

// WithMapsOpener replaces the reader of /proc/self/smaps.
func WithMapsOpener(open MapsOpener) Option {
	return func(c *Controller) { c.openMaps = open }
}

// WithProbeAllocator replaces the allocator used by the self-test.
func WithProbeAllocator(alloc ProbeAllocator) Option {
	return func(c *Controller) { c.allocProbe = alloc }
}

type registration struct {
	addr   uintptr
	length int
}

// Controller excludes registered memory from fork(2) children. It holds
// the tracked ranges and the process fork-safety state; a process should
// create one and share it with everything registering memory.
//
// Every method holds one mutex for its whole duration, including the
// madvise calls. Methods must not be called from an Advisor or MapsOpener.
type Controller struct {
	mu      sync.Mutex
	state   State
	lockout bool
	initErr error

	resolver *PageSizeResolver
	tracker  *Tracker
	// Aligned ranges of live Protect calls, so Unprotect aligns the same
	// way even if the mappings changed in between.
	registered map[registration][]Range

	log            logrus.FieldLogger
	advisor        Advisor
	lookupEnv      func(string) (string, bool)
	safeMode       *bool
	systemPageSize uintptr
	openMaps       MapsOpener
	allocProbe     ProbeAllocator
}

// New returns an uninitialized Controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		tracker:    NewTracker(),
		registered: make(map[registration][]Range),
		log:        logrus.StandardLogger(),
		advisor:    Madvisor{},
		lookupEnv:  os.LookupEnv,
		allocProbe: mmapProbe,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.systemPageSize == 0 {
		c.systemPageSize = SystemPageSize()
	}
	return c
}

// Initialize reads the safe mode toggle and checks that the kernel
// accepts fork advice. Calling it again after success does nothing; after
// failure it returns the original error.
func (c *Controller) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateReady:
		return nil
	case StateFailed:
		return c.initErr
	}
	if c.lockout {
		return ErrTooLate
	}

	c.state = StateInitializing
	safe := envEnabled(c.lookupEnv(EnvHugePagesSafe))
	if c.safeMode != nil {
		safe = *c.safeMode
	}
	resolver := NewPageSizeResolver(safe, c.systemPageSize, c.openMaps)
	if err := c.selfTest(resolver); err != nil {
		c.state = StateFailed
		c.initErr = err
		c.log.WithError(err).Warn("fork safety self-test failed")
		return err
	}
	c.resolver = resolver
	c.state = StateReady
	c.log.WithFields(logrus.Fields{
		"page_size": c.systemPageSize,
		"safe_mode": safe,
	}).Debug("fork safety initialized")
	return nil
}

func (c *Controller) selfTest(resolver *PageSizeResolver) error {
	buf, free, err := c.allocProbe(int(resolver.SystemPageSize()))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoMemory, err)
	}
	defer func() {
		if err := free(); err != nil {
			c.log.WithError(err).Warn("releasing self-test probe")
		}
	}()

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	rng, ok := Align(addr, len(buf), resolver.PageSize(addr))
	if !ok {
		return fmt.Errorf("%w: empty probe buffer", ErrNoMemory)
	}
	if err := c.advisor.DontFork(rng.Start, int(rng.Length())); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	if err := c.advisor.DoFork(rng.Start, int(rng.Length())); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	return nil
}

// ready must be called with mu held.
func (c *Controller) ready() error {
	switch c.state {
	case StateReady:
		return nil
	case StateFailed:
		return fmt.Errorf("%w: %w", ErrNotInitialized, c.initErr)
	}
	if !c.lockout {
		c.log.Warn("memory registered before fork safety was initialized")
	}
	c.lockout = true
	return ErrNotInitialized
}

func checkRange(addr uintptr, length int) error {
	if length < 0 || addr+uintptr(length) < addr {
		return fmt.Errorf("%w: %#x+%d", ErrInvalidRange, addr, length)
	}
	return nil
}

// Protect excludes the pages spanning [addr, addr+length) from fork(2)
// children. Pages already protected by an earlier call are only
// reference-counted. On failure nothing changes.
func (c *Controller) Protect(addr uintptr, length int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}
	if err := checkRange(addr, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}

	res := c.resolver.Resolve(addr)
	if res.Source == SourceFallback {
		c.log.WithError(res.Err).WithField("addr", fmt.Sprintf("%#x", addr)).
			Warn("page size unresolved, using system page size")
	}
	rng, ok := Align(addr, length, res.PageSize)
	if !ok {
		return fmt.Errorf("%w: %#x+%d", ErrInvalidRange, addr, length)
	}

	trans := c.tracker.Fold(rng)
	if err := c.advise(trans, Protected, MADV_DONTFORK); err != nil {
		// Cannot fail: every byte of rng was just referenced.
		_, _ = c.tracker.Unfold(rng)
		return err
	}

	key := registration{addr: addr, length: length}
	c.registered[key] = append(c.registered[key], rng)
	c.log.WithFields(logrus.Fields{
		"range":     rng.String(),
		"page_size": res.PageSize,
		"source":    res.Source.String(),
	}).Debug("protected")
	return nil
}

// Unprotect releases a Protect(addr, length). Pages no other registration
// covers are returned to fork(2) children. On failure nothing changes.
func (c *Controller) Unprotect(addr uintptr, length int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}
	if err := checkRange(addr, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}

	key := registration{addr: addr, length: length}
	rng, known := c.lastRegistered(key)
	if !known {
		var ok bool
		if rng, ok = Align(addr, length, c.resolver.PageSize(addr)); !ok {
			return fmt.Errorf("%w: %#x+%d", ErrInvalidRange, addr, length)
		}
	}

	trans, err := c.tracker.Unfold(rng)
	if err != nil {
		return err
	}
	if err := c.advise(trans, Unprotected, MADV_DOFORK); err != nil {
		c.tracker.Fold(rng)
		return err
	}

	if known {
		c.forget(key)
	}
	c.log.WithField("range", rng.String()).Debug("unprotected")
	return nil
}

func (c *Controller) lastRegistered(key registration) (Range, bool) {
	rngs := c.registered[key]
	if len(rngs) == 0 {
		return Range{}, false
	}
	return rngs[len(rngs)-1], true
}

func (c *Controller) forget(key registration) {
	rngs := c.registered[key]
	if len(rngs) <= 1 {
		delete(c.registered, key)
		return
	}
	c.registered[key] = rngs[:len(rngs)-1]
}

func (c *Controller) adviceFunc(advice int) func(uintptr, int) error {
	if advice == MADV_DONTFORK {
		return c.advisor.DontFork
	}
	return c.advisor.DoFork
}

func inverse(advice int) int {
	if advice == MADV_DONTFORK {
		return MADV_DOFORK
	}
	return MADV_DONTFORK
}

// advise applies advice to every transition of kind want in order. If one
// fails, the ones already applied are reverted before returning.
func (c *Controller) advise(trans []Transition, want TransitionKind, advice int) error {
	apply, revert := c.adviceFunc(advice), c.adviceFunc(inverse(advice))
	var done []Range
	for _, tr := range trans {
		if tr.Kind != want {
			continue
		}
		if err := apply(tr.Start, int(tr.Length())); err != nil {
			failed := &AdviceError{Advice: advice, Range: tr.Range, Err: err}
			var errs []error
			for _, r := range done {
				if err := revert(r.Start, int(r.Length())); err != nil {
					errs = append(errs, &AdviceError{Advice: inverse(advice), Range: r, Err: err})
				}
			}
			if len(errs) > 0 {
				rerr := errors.Join(errs...)
				c.log.WithError(rerr).Error("fork advice rollback failed")
				return errors.Join(failed, ErrRollback, rerr)
			}
			c.log.WithError(failed).WithField("reverted", len(done)).Debug("fork advice rolled back")
			return failed
		}
		done = append(done, tr.Range)
	}
	return nil
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SafeMode reports whether page sizes are resolved per mapping. It is
// fixed by Initialize.
func (c *Controller) SafeMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolver != nil && c.resolver.SafeMode()
}

// Lockout reports whether memory was registered before Initialize.
func (c *Controller) Lockout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockout
}

// PageSize returns the page size Protect would align addr to. Before
// initialization it is the system page size.
func (c *Controller) PageSize(addr uintptr) uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolver == nil {
		return c.systemPageSize
	}
	return c.resolver.PageSize(addr)
}

// Ranges returns the protected ranges in ascending order.
func (c *Controller) Ranges() []ProtectedRange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.Ranges()
}
