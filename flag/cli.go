package flag

// CLI is the command line of govmx.
type CLI struct {
	Probe    ProbeCMD    `cmd:"" help:"Report the VMX capabilities of a core without entering VMX operation."`
	Simulate SimulateCMD `cmd:"" help:"Boot the hypervisor core on simulated processors and inject exits."`
	Dump     DumpCMD     `cmd:"" help:"Print the debug ring of a running simulation."`
	Stats    StatsCMD    `cmd:"" help:"Print the exit counters of a running simulation."`
	Fini     FiniCMD     `cmd:"" help:"Stop the vCPUs of one core of a running simulation."`
	Version  VersionCMD  `cmd:"" help:"Print the version."`
}

type ProbeCMD struct {
	Core int `short:"c" default:"0" help:"core to probe"`
}

type SimulateCMD struct {
	Config    string `short:"f" help:"yaml boot config"`
	Cores     int    `short:"c" help:"number of cores, overrides the config"`
	PoolSize  string `short:"m" help:"memory pool size as number[gGmMkK], overrides the config"`
	Exits     []int  `short:"e" help:"basic exit reasons to inject, dealt round robin over the cores"`
	Claim     []int  `help:"exit reasons an extension claims and resumes"`
	Guests    int    `default:"0" help:"guest vCPUs to create per core"`
	HostCPUID bool   `name:"host-cpuid" help:"seed the simulated CPUID from the host, with VMX patched in"`
	Serial    bool   `help:"emulate COM1, PCI config space, ACPI shutdown and the POST port on every vCPU"`
	Console   string `help:"bytes core 0 writes to COM1 after boot (implies --serial)"`
	Dump      bool   `short:"d" help:"print the debug ring before exiting"`
	Serve     bool   `help:"serve the control socket until interrupted"`
	Socket    string `short:"s" help:"control socket path (default /tmp/govmx-<pid>.sock)"`
	Verbose   bool   `short:"v" help:"copy debug level logs to stderr"`
}

type DumpCMD struct {
	Socket string `short:"s" required:"" help:"control socket path"`
}

type StatsCMD struct {
	Socket string `short:"s" required:"" help:"control socket path"`
}

type FiniCMD struct {
	Socket string `short:"s" required:"" help:"control socket path"`
	Core   int    `short:"c" default:"0" help:"core to stop"`
}

type VersionCMD struct{}

// Version is set at link time.
//
//nolint:gochecknoglobals
var Version = "devel"
