//go:build linux && amd64

package tracer

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"

	"simdguard/engine"
)

// Symbol is a function of an image at its run-time address.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// Image is the main executable of the traced process.
type Image struct {
	path  string
	bias  uint64
	low   uint64
	entry uint64

	byName map[string]Symbol
	sorted []Symbol

	// replace installs a replacement; nil for images of attached
	// processes.
	replace func(addr uint64, fn engine.ReplacementFunc, opts engine.ReplaceOptions) error
}

var _ engine.Image = (*Image)(nil)

const pageMask = 0xfff

// OpenImage reads the function symbols of the ELF file at path and
// relocates them with the load address found in maps.
func OpenImage(path string, maps []Mapping) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%s: not an x86-64 ELF executable", path)
	}

	lowVaddr := ^uint64(0)
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr < lowVaddr {
			lowVaddr = p.Vaddr
		}
	}
	if lowVaddr == ^uint64(0) {
		return nil, fmt.Errorf("%s: no loadable segments", path)
	}
	lowVaddr &^= pageMask

	img := &Image{path: path, byName: make(map[string]Symbol)}
	if f.Type == elf.ET_DYN {
		start, ok := loadAddress(maps, path)
		if !ok {
			return nil, fmt.Errorf("%s: not mapped", path)
		}
		img.bias = start - lowVaddr
	}
	img.low = img.bias + lowVaddr
	img.entry = img.bias + f.Entry

	if err := img.loadSymbols(f.Symbols); err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("%s: .symtab: %w", path, err)
	}
	if err := img.loadSymbols(f.DynamicSymbols); err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("%s: .dynsym: %w", path, err)
	}

	for _, s := range img.byName {
		img.sorted = append(img.sorted, s)
	}
	sort.Slice(img.sorted, func(i, j int) bool { return img.sorted[i].Addr < img.sorted[j].Addr })
	return img, nil
}

func (img *Image) loadSymbols(read func() ([]elf.Symbol, error)) error {
	syms, err := read()
	if err != nil {
		return err
	}
	for _, s := range syms {
		if s.Name == "" || s.Value == 0 || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		if s.Section == elf.SHN_UNDEF {
			continue
		}
		if _, dup := img.byName[s.Name]; dup {
			continue
		}
		img.byName[s.Name] = Symbol{Name: s.Name, Addr: img.bias + s.Value, Size: s.Size}
	}
	return nil
}

func (img *Image) Name() string       { return img.path }
func (img *Image) LowAddress() uint64 { return img.low }

// Entry is the run-time address of the ELF entry point.
func (img *Image) Entry() uint64 { return img.entry }

// Bias is what was added to the link-time addresses.
func (img *Image) Bias() uint64 { return img.bias }

func (img *Image) FindRoutine(name string) (engine.Routine, bool) {
	s, ok := img.byName[name]
	if !ok {
		return nil, false
	}
	return &routine{img: img, sym: s}, true
}

// Symbolize returns the function containing addr and the offset into it.
func (img *Image) Symbolize(addr uint64) (string, uint64, bool) {
	i := sort.Search(len(img.sorted), func(i int) bool { return img.sorted[i].Addr > addr })
	if i == 0 {
		return "", 0, false
	}
	s := img.sorted[i-1]
	if s.Size != 0 && addr >= s.Addr+s.Size {
		return "", 0, false
	}
	return s.Name, addr - s.Addr, true
}

type routine struct {
	img *Image
	sym Symbol
}

func (r *routine) Name() string    { return r.sym.Name }
func (r *routine) Address() uint64 { return r.sym.Addr }

func (r *routine) ReplaceSignature(fn engine.ReplacementFunc, opts engine.ReplaceOptions) error {
	if r.img.replace == nil {
		return fmt.Errorf("%s: image is not instrumented", r.sym.Name)
	}
	return r.img.replace(r.sym.Addr, fn, opts)
}
