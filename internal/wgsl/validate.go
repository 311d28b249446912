package wgsl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"

	"github.com/gogpu/naga"
	"golang.org/x/sync/errgroup"
)

// ErrInvalid is returned when naga rejects a program.
var ErrInvalid = errors.New("wgsl: invalid program")

// SPIRVMagic is the first word of every SPIR-V module.
const SPIRVMagic = 0x07230203

// Compile translates WGSL source to SPIR-V words.
func Compile(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	if len(words) == 0 || words[0] != SPIRVMagic {
		return nil, fmt.Errorf("%w: compiler produced no SPIR-V module", ErrInvalid)
	}
	return words, nil
}

// Validate reports whether source compiles.
func Validate(source string) error {
	_, err := Compile(source)
	return err
}

// Program is a named source for ValidateAll.
type Program struct {
	Name   string
	Source string
}

// ValidateAll compiles programs concurrently and returns the first failure,
// annotated with the program name. Cancelling ctx stops scheduling new
// compilations.
func ValidateAll(ctx context.Context, programs []Program) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, p := range programs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := Validate(p.Source); err != nil {
				return fmt.Errorf("program %q: %w", p.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
