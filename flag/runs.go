package flag

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/govmx/control"
	"github.com/bobuhiro11/govmx/cpuid"
	"github.com/bobuhiro11/govmx/exit"
	"github.com/bobuhiro11/govmx/iodev"
	"github.com/bobuhiro11/govmx/pci"
	"github.com/bobuhiro11/govmx/probe"
	"github.com/bobuhiro11/govmx/serial"
	"github.com/bobuhiro11/govmx/sim"
	"github.com/bobuhiro11/govmx/vcpu"
	"github.com/bobuhiro11/govmx/vmm"
	"github.com/bobuhiro11/govmx/x86"
)

const (
	// loaderSize is the loader memory of a simulated platform; the memory
	// descriptor list is written at mdlAddr.
	loaderSize = 1 << 20
	mdlAddr    = 0x1000

	dialTimeout = 5 * time.Second
)

// New returns the parser of the govmx command line. Commands write their
// output to out.
func New(cli *CLI, out io.Writer, options ...kong.Option) (*kong.Kong, error) {
	programName := "govmx"
	programDesc := "govmx is the control core of a small VMX hypervisor, with a simulated platform to drive it"

	options = append([]kong.Option{
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		kong.BindTo(out, (*io.Writer)(nil)),
	}, options...)

	return kong.New(cli, options...)
}

func Parse() error {
	c := CLI{}

	parser, err := New(&c, os.Stdout)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	return ctx.Run()
}

func (d *ProbeCMD) Run(out io.Writer) error {
	return probe.Run(out, d.Core)
}

func (v *VersionCMD) Run(out io.Writer) error {
	_, err := fmt.Fprintf(out, "govmx %s\n", Version)

	return err
}

func (s *SimulateCMD) config() (vmm.Config, error) {
	cfg := vmm.DefaultConfig()

	if s.Config != "" {
		var err error
		if cfg, err = vmm.LoadConfig(s.Config); err != nil {
			return cfg, err
		}
	}

	if s.Cores > 0 {
		cfg.Cores = s.Cores
	}

	if s.PoolSize != "" {
		cfg.PoolSize = s.PoolSize
	}

	return cfg, cfg.Validate()
}

// claimer is an extension claiming every exit whose reason is in reasons.
func claimer(reasons []int) vmm.Extension {
	return func(c *vcpu.VCPU) error {
		for _, r := range reasons {
			err := c.Exits().AddForReason(x86.ExitReason(r), func(exit.VCPU, *exit.Info) (bool, error) {
				return true, nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	}
}

// instrLen is the length of the instruction that causes an exit, for the
// reasons where it is fixed.
func instrLen(r x86.ExitReason) uint64 {
	switch r {
	case x86.ExitHLT, x86.ExitPAUSE:
		return 1
	case x86.ExitCPUID, x86.ExitRDMSR, x86.ExitWRMSR, x86.ExitRDTSC, x86.ExitINVD, x86.ExitWBINVD:
		return 2
	case x86.ExitVMCALL, x86.ExitXSETBV, x86.ExitRDTSCP:
		return 3
	}

	return 0
}

// seedCPUID copies the host's vendor and feature leaves into cpu with VMX
// forced on.
func seedCPUID(cpu *sim.Processor) error {
	ids := []cpuid.Entry{
		cpuid.Read(cpuid.LeafVendor, 0),
		cpuid.Read(cpuid.LeafFeatures, 0),
	}

	vmxPatch := &cpuid.CPUIDPatch{Function: cpuid.LeafFeatures, Reg: cpuid.ECX, Bit: uint8(cpuid.VMX)}
	if err := cpuid.Patch(ids, []*cpuid.CPUIDPatch{vmxPatch}); err != nil {
		return err
	}

	for _, e := range ids {
		cpu.SetCPUID(e.Function, e.Regs[cpuid.EAX], e.Regs[cpuid.EBX], e.Regs[cpuid.ECX], e.Regs[cpuid.EDX])
	}

	return nil
}

func (s *SimulateCMD) Run(out io.Writer) error {
	cfg, err := s.config()
	if err != nil {
		return err
	}

	log := logrus.StandardLogger()

	p := sim.NewPlatform(cfg.Cores, loaderSize)

	if s.HostCPUID {
		for core := 0; core < cfg.Cores; core++ {
			cpu, err := p.Processor(core)
			if err != nil {
				return err
			}

			if err := seedCPUID(cpu); err != nil {
				return err
			}
		}
	}

	opts := append(cfg.Options(), vmm.WithExtension(claimer(s.Claim)))

	if s.Serial || s.Console != "" {
		bus, err := devices(out, log)
		if err != nil {
			return err
		}

		opts = append(opts, vmm.WithExtension(bus.Extension()))
	}

	if s.Verbose {
		opts = append(opts, vmm.WithLogOutput(os.Stderr), vmm.WithLogLevel(logrus.DebugLevel))
	}

	v := vmm.New(p, opts...)
	defer v.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := v.Boot(ctx, cfg, p, mdlAddr); err != nil {
		return fmt.Errorf("boot: %w\n%s", err, v.Dump())
	}

	for _, core := range v.Cores() {
		for i := 0; i < s.Guests; i++ {
			if _, err := v.AddGuest(core); err != nil {
				return err
			}
		}
	}

	if err := s.inject(p, v, cfg.Cores, log); err != nil {
		return err
	}

	if err := s.console(p, v, log); err != nil {
		return err
	}

	if err := v.Stats().Write(out); err != nil {
		return err
	}

	if s.Dump {
		fmt.Fprint(out, v.Dump())
	}

	if !s.Serve {
		return nil
	}

	return s.serve(ctx, v, out)
}

// inject delivers the requested exits, dealt round robin over the cores.
// An exit on a halted core is reported and skipped.
func (s *SimulateCMD) inject(p *sim.Platform, v *vmm.VMM, cores int, log logrus.FieldLogger) error {
	for i, r := range s.Exits {
		core := i % cores
		reason := x86.ExitReason(r)

		cpu, err := p.Processor(core)
		if err != nil {
			return err
		}

		if err := cpu.InjectExit(uint64(reason), 0, instrLen(reason)); err != nil {
			return err
		}

		if err := v.Exit(core); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"core": core, "reason": reason}).Warn("exit not delivered")
		}
	}

	return nil
}

// devices builds the port I/O bus of the simulated machine.
func devices(out io.Writer, log logrus.FieldLogger) (*iodev.Bus, error) {
	com1, err := serial.New(out, log)
	if err != nil {
		return nil, err
	}

	pciBus, err := pci.New(log)
	if err != nil {
		return nil, err
	}

	bus := iodev.NewBus(log)

	for _, d := range []iodev.Device{
		com1,
		pciBus,
		iodev.PowerControl{},
		&iodev.Discard{Base: 0x80, Len: 1},
	} {
		if err := bus.Register(d); err != nil {
			return nil, err
		}
	}

	return bus, nil
}

// console has core 0 write s.Console to COM1 one OUT at a time, the way a
// guest without a FIFO driver does.
func (s *SimulateCMD) console(p *sim.Platform, v *vmm.VMM, log logrus.FieldLogger) error {
	if s.Console == "" {
		return nil
	}

	cpu, err := p.Processor(0)
	if err != nil {
		return err
	}

	host, ok := v.VCPU(0)
	if !ok {
		return fmt.Errorf("core 0 is not running")
	}

	q := iodev.NewQualification(serial.COM1Addr, 1, false)

	for _, c := range []byte(s.Console) {
		if err := cpu.InjectExit(uint64(x86.ExitIOInstruction), uint64(q), 1); err != nil {
			return err
		}

		// The exit stub saves the guest's general purpose registers.
		host.State().RAX = uint64(c)

		if err := v.Exit(0); err != nil {
			log.WithError(err).Warn("console write not delivered")

			break
		}
	}

	return nil
}

func (s *SimulateCMD) serve(ctx context.Context, v *vmm.VMM, out io.Writer) error {
	path := s.Socket
	if path == "" {
		path = vmm.ControlSocketPath(os.Getpid())
	}

	l, err := v.StartControlSocket(path)
	if err != nil {
		return err
	}
	defer l.Close()

	fmt.Fprintf(out, "control socket %s\n", path)

	<-ctx.Done()

	return nil
}

func (d *DumpCMD) Run(out io.Writer) error {
	c, err := control.Dial(d.Socket, dialTimeout)
	if err != nil {
		return err
	}
	defer c.Close()

	text, err := c.Dump()
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(out, text)

	return err
}

func (st *StatsCMD) Run(out io.Writer) error {
	c, err := control.Dial(st.Socket, dialTimeout)
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.Stats()
	if err != nil {
		return err
	}

	return stats.Write(out)
}

func (f *FiniCMD) Run(out io.Writer) error {
	c, err := control.Dial(f.Socket, dialTimeout)
	if err != nil {
		return err
	}
	defer c.Close()

	status, err := c.Request(uint64(vmm.FiniVMM), uint64(f.Core), 0)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "core %d: %v\n", f.Core, vmm.Status(status))

	return vmm.Status(status).Err()
}
