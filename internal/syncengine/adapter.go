package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/uisync/uisync/internal/ir"
)

// ErrUnsupported is returned by converters for constructs they cannot
// express in the intermediate representation.
var ErrUnsupported = errors.New("conversion unsupported")

// ErrorKind classifies converter and generator failures.
type ErrorKind string

const (
	ErrParse ErrorKind = "parse"
	ErrIO    ErrorKind = "io"
)

// ConversionError carries the failure kind alongside the offending path so
// callers can report it without string matching.
type ConversionError struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s error converting %s: %v", e.Kind, e.Path, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Converter parses one source file into IR. Generator renders IR into a
// source file at outPath. The engine never interprets source text itself;
// these two functions are the whole framework surface. Both honor context
// cancellation so batch shutdown does not wait on slow conversions.
type (
	Converter func(ctx context.Context, path string) (*ir.Document, error)
	Generator func(ctx context.Context, doc *ir.Document, outPath string) error
)

// Adapter is the per-framework codec registered with the engine.
type Adapter struct {
	Convert  Converter
	Generate Generator

	// ConvertTest handles test sources. Nil means test conversion is
	// unsupported and the opposite side receives a stub instead.
	ConvertTest Converter

	// TestStub renders a placeholder test body for componentName in this
	// adapter's target language. Used when the source side cannot convert
	// its tests.
	TestStub func(componentName string) []byte
}
