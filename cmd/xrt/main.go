// Package main provides the xrt command, which brings up the translation
// runtime for a guest image and reports on it.
package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/sarchlab/xrt/backend"
	"github.com/sarchlab/xrt/backend/profstore"
	"github.com/sarchlab/xrt/config"
	"github.com/sarchlab/xrt/emu"
	"github.com/sarchlab/xrt/fault"
	"github.com/sarchlab/xrt/loader"
)

var (
	configPath = flag.String("config", "", "Path to backend configuration JSON file")
	verbose    = flag.Bool("v", false, "Verbose output")
	layout     = flag.Bool("layout", false, "Print the thread context layout and exit")
	disasm     = flag.Bool("disasm", false, "Disassemble the generated thunks and helpers")
	profileDB  = flag.String("profile-db", "", "Directory of the profile database")
	listRuns   = flag.Bool("list-runs", false, "List saved profile runs and exit")
)

func main() {
	flag.Parse()

	log := newLogger()
	defer func() { _ = log.Sync() }()
	backend.SetLogger(log)

	if *layout {
		printLayout()
		return
	}

	if *listRuns {
		if err := printRuns(); err != nil {
			log.Fatal("failed to list profile runs", zap.Error(err))
		}
		return
	}

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: xrt [options] <image.elf>\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	if err := run(log, cfg, flag.Arg(0)); err != nil {
		log.Fatal("runtime failed", zap.Error(err))
	}
}

func newLogger() *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if *verbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	return log
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnvironment()
	return cfg, cfg.Validate()
}

func run(log *zap.Logger, cfg *config.Config, imagePath string) error {
	prog, err := loader.Load(imagePath)
	if err != nil {
		return err
	}

	mem := emu.NewMemory()
	prog.LoadInto(mem)

	b, err := backend.New(mem, backend.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	dispatcher := fault.NewDispatcher(func(ex *fault.Exception, err error) {
		log.Error("unhandled host exception", zap.Stringer("exception", ex), zap.Error(err))
	})
	removeHandler := b.InstallExceptionHandler(dispatcher)
	defer removeHandler()

	for _, r := range prog.ExecutableRanges() {
		if err := b.CommitExecutableRange(r.Low, r.High); err != nil {
			return err
		}
		log.Info("committed executable range",
			zap.String("low", fmt.Sprintf("%#x", r.Low)),
			zap.String("high", fmt.Sprintf("%#x", r.High)))
	}

	t := b.NewThread(0)
	defer t.Close()
	t.Guest().R[1] = uint64(prog.InitialSP)
	t.Guest().PC = prog.EntryPoint

	fmt.Printf("Image:       %s\n", imagePath)
	fmt.Printf("Entry point: 0x%08X\n", prog.EntryPoint)
	fmt.Printf("Segments:    %d\n", len(prog.Segments))
	fmt.Printf("Features:    %s\n", b.Features())
	fmt.Printf("Code cache:  %d / %d bytes\n", b.CodeCache().Used(), b.CodeCache().Size())
	fmt.Printf("Trampolines: %d slots at 0x%08X\n", b.Trampolines().Slots(), b.Trampolines().Base())

	for _, e := range b.Emitted() {
		fmt.Printf("  %-40s %#x (%d bytes)\n", e.Name, e.Address, e.Size)
		if *disasm {
			text, err := b.DisassembleEmitted(e)
			if err != nil {
				return err
			}
			fmt.Print(text)
		}
	}

	if *profileDB != "" && b.Profiler() != nil {
		store, err := profstore.Open(*profileDB)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		id, err := store.SaveRun(imagePath, b.Profiler().Snapshot())
		if err != nil {
			return err
		}
		log.Info("saved profile run", zap.String("id", id.String()))
	}

	return nil
}

func printLayout() {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	fmt.Fprintf(w, "field\toffset\tguest-relative\n")
	for _, f := range []struct {
		name   string
		offset int
	}{
		{"helper_scratch", backend.OffsetHelperScratch},
		{"reserve_helper", backend.OffsetReserveHelper},
		{"cached_reserve_value", backend.OffsetCachedReserveValue},
		{"guest_tick_count", backend.OffsetGuestTickCount},
		{"stackpoints", backend.OffsetStackpoints},
		{"cached_reserve_offset", backend.OffsetCachedReserveOffset},
		{"cached_reserve_bit", backend.OffsetCachedReserveBit},
		{"current_stackpoint_depth", backend.OffsetCurrentStackpointDepth},
		{"mxcsr_fpu", backend.OffsetMXCSRFPU},
		{"mxcsr_vmx", backend.OffsetMXCSRVMX},
		{"flags", backend.OffsetFlags},
		{"Ox1000", backend.OffsetOx1000},
		{"max_stackpoints", backend.OffsetMaxStackpoints},
	} {
		fmt.Fprintf(w, "%s\t%d\t%d\n", f.name, f.offset, backend.GuestRelativeOffset(f.offset))
	}
	fmt.Fprintf(w, "size\t%d\t\n", backend.ThreadContextSize)
}

func printRuns() error {
	if *profileDB == "" {
		return errors.New("-list-runs needs -profile-db")
	}
	store, err := profstore.Open(*profileDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.Runs()
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s  %s  %4d functions  %s\n",
			r.ID, r.SavedAt.Format("2006-01-02 15:04:05"), r.Functions, r.Label)
	}
	return nil
}
