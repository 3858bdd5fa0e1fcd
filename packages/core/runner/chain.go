package runner

import (
	"errors"

	"github.com/abdul-hamid-achik/specrun/packages/sharedworker"
)

// Chain declares tasks. Modifier methods return a new Chain and never
// change the receiver, so partial chains can be stored and reused:
//
//	serial := test.Serial()
//	serial.Test("first", first)
//	serial.Test("second", second)
//
// The flags are checked against the table of legal combinations when a
// task is declared. Invalid declarations panic with *DeclarationError.
type Chain struct {
	r     *Runner
	flags Flags
}

func (c *Chain) with(set func(*Flags)) *Chain {
	f := c.flags
	set(&f)
	return &Chain{r: c.r, flags: f}
}

func (c *Chain) Serial() *Chain  { return c.with(func(f *Flags) { f.Serial = true }) }
func (c *Chain) Only() *Chain    { return c.with(func(f *Flags) { f.Only = true }) }
func (c *Chain) Skip() *Chain    { return c.with(func(f *Flags) { f.Skip = true }) }
func (c *Chain) Failing() *Chain { return c.with(func(f *Flags) { f.Failing = true }) }
func (c *Chain) Always() *Chain  { return c.with(func(f *Flags) { f.Always = true }) }

func (c *Chain) Before() *Chain     { return c.with(func(f *Flags) { f.Type = TypeBefore }) }
func (c *Chain) BeforeEach() *Chain { return c.with(func(f *Flags) { f.Type = TypeBeforeEach }) }
func (c *Chain) After() *Chain      { return c.with(func(f *Flags) { f.Type = TypeAfter }) }
func (c *Chain) AfterEach() *Chain  { return c.with(func(f *Flags) { f.Type = TypeAfterEach }) }

// Flags returns the modifiers accumulated so far.
func (c *Chain) Flags() Flags { return c.flags }

// Test declares a titled test, or a titled hook on a hook chain.
func (c *Chain) Test(title string, fn Func) {
	var impl Macro
	if fn != nil {
		impl = func(t *T, _ ...any) { fn(t) }
	}
	c.r.declare(c.flags, title, true, impl, nil)
}

// Macro declares a titled task whose implementation receives args.
func (c *Chain) Macro(title string, m Macro, args ...any) {
	c.r.declare(c.flags, title, true, m, args)
}

// Do declares an untitled hook.
func (c *Chain) Do(fn Func) {
	var impl Macro
	if fn != nil {
		impl = func(t *T, _ ...any) { fn(t) }
	}
	c.r.declare(c.flags, "", false, impl, nil)
}

// Todo declares a test that is planned but not written yet.
func (c *Chain) Todo(title string) {
	f := c.flags
	f.Todo = true
	c.r.declare(f, title, true, nil, nil)
}

// Connector opens links to shared workers.
type Connector interface {
	Connect(name string, initialData any) (*sharedworker.Link, error)
}

// ErrNoSharedWorkers is returned when the file runs without a controller
// that can host shared workers.
var ErrNoSharedWorkers = errors.New("shared workers are not available in this run")

// SharedWorker opens a link to the shared worker registered as name. The
// link is usable once its Ready method returns nil.
func (c *Chain) SharedWorker(name string, initialData any) (*sharedworker.Link, error) {
	if c.r.opts.SharedWorkers == nil {
		return nil, ErrNoSharedWorkers
	}
	return c.r.opts.SharedWorkers.Connect(name, initialData)
}
