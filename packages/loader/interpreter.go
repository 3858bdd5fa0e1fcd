package loader

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"reflect"
	"strings"

	"github.com/abdul-hamid-achik/specrun/packages/core/runner"
	lru "github.com/hashicorp/golang-lru"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const (
	// EntryPoint is the function an interpreted test file must define.
	EntryPoint = "Tests"
	// DefaultCacheSize bounds the number of cached sources.
	DefaultCacheSize = 256
)

// Symbols exposes the declaration API to interpreted files.
var Symbols = interp.Exports{
	"github.com/abdul-hamid-achik/specrun/packages/core/runner/runner": {
		"Chain":     reflect.ValueOf((*runner.Chain)(nil)),
		"T":         reflect.ValueOf((*runner.T)(nil)),
		"Func":      reflect.ValueOf((*runner.Func)(nil)),
		"Macro":     reflect.ValueOf((*runner.Macro)(nil)),
		"TryResult": reflect.ValueOf((*runner.TryResult)(nil)),
		"Flags":     reflect.ValueOf((*runner.Flags)(nil)),
		"Values":    reflect.ValueOf((*runner.Values)(nil)),
		"NewValues": reflect.ValueOf(runner.NewValues),
	},
}

// Interpreter evaluates Go test files with yaegi. Sources are cached by
// path and modification time, so a reused worker reads each file once.
type Interpreter struct {
	cache *lru.Cache
}

type source struct {
	path string
	code string
	pkg  string
}

// NewInterpreter returns an interpreter caching up to size sources.
func NewInterpreter(size int) (*Interpreter, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("loader: creating source cache: %w", err)
	}
	return &Interpreter{cache: cache}, nil
}

func (i *Interpreter) read(file string) (*source, error) {
	info, err := os.Stat(file)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	key := fmt.Sprintf("%s@%d", normalize(file), info.ModTime().UnixNano())
	if cached, ok := i.cache.Get(key); ok {
		return cached.(*source), nil
	}

	code, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("loader: read %s: %w", file, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("loader: %s is empty", file)
	}
	parsed, err := parser.ParseFile(token.NewFileSet(), file, code, parser.PackageClauseOnly)
	if err != nil {
		return nil, fmt.Errorf("loader: parse %s: %w", file, err)
	}

	src := &source{path: file, code: string(code), pkg: parsed.Name.Name}
	i.cache.Add(key, src)
	return src, nil
}

// Cached reports how many sources are cached.
func (i *Interpreter) Cached() int {
	return i.cache.Len()
}

func (i *Interpreter) Load(ctx context.Context, file string, test *runner.Chain) error {
	src, err := i.read(file)
	if err != nil {
		return err
	}

	it := interp.New(interp.Options{})
	if err := it.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	if err := it.Use(Symbols); err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	if _, err := it.EvalWithContext(ctx, src.code); err != nil {
		return fmt.Errorf("loader: interpret %s: %w", file, err)
	}

	fnValue, err := it.Eval(src.pkg + "." + EntryPoint)
	if err != nil {
		fnValue, err = it.Eval(EntryPoint)
	}
	if err != nil {
		return fmt.Errorf("loader: %s must define func %s(test *runner.Chain): %w", file, EntryPoint, err)
	}
	suite, err := asSuite(fnValue)
	if err != nil {
		return fmt.Errorf("loader: %s: %w", file, err)
	}
	return declare(file, suite, test)
}

func (i *Interpreter) Dependencies(file string) []string {
	return []string{normalize(file)}
}

func asSuite(value reflect.Value) (Suite, error) {
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", EntryPoint)
	}
	switch fn := value.Interface().(type) {
	case func(*runner.Chain):
		return fn, nil
	case Suite:
		return fn, nil
	}
	typ := value.Type()
	chainType := reflect.TypeOf((*runner.Chain)(nil))
	if typ.NumIn() != 1 || typ.In(0) != chainType || typ.NumOut() != 0 {
		return nil, fmt.Errorf("%s must have the signature func(*runner.Chain)", EntryPoint)
	}
	return func(test *runner.Chain) {
		value.Call([]reflect.Value{reflect.ValueOf(test)})
	}, nil
}
