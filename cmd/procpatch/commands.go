package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/ianlancetaylor/demangle"
	"github.com/spf13/cobra"

	"github.com/pboyd/procpatch"
)

type tool struct {
	pid      int
	name     string
	procFS   string
	logLevel string

	handle *procpatch.Handle
}

// execute runs the command line in args and closes the target afterwards,
// whether or not the command succeeded.
func (t *tool) execute(args []string, out io.Writer) error {
	root := t.rootCommand()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return errors.Join(root.Execute(), t.detach())
}

func (t *tool) rootCommand() *cobra.Command {
	root := cobra.Command{
		Use:           "procpatch [command]",
		Short:         "Inspect and patch the memory of a running process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().IntVarP(&t.pid, "pid", "p", 0, "target process ID")
	root.PersistentFlags().StringVarP(&t.name, "name", "n", "", "target process name, matched against the first cmdline record")
	root.PersistentFlags().StringVar(&t.procFS, "procfs", "/proc", "procfs mount point")
	root.PersistentFlags().StringVar(&t.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	root.AddCommand(
		t.newMapsCommand(),
		t.newBaseCommand(),
		t.newSymbolCommand(),
		t.newCaveCommand(),
		t.newChainCommand(),
		t.newReadCommand(),
		t.newDetourCommand(),
		t.newHookCommand(),
	)

	return &root
}

func (t *tool) options() (procpatch.Options, error) {
	logger, err := newLogger(t.logLevel)
	if err != nil {
		return procpatch.Options{}, err
	}
	return procpatch.Options{
		ProcFS: t.procFS,
		Logger: logger,
	}, nil
}

func (t *tool) attach(opts procpatch.Options) (*procpatch.Handle, error) {
	var err error
	switch {
	case t.pid != 0:
		t.handle, err = procpatch.AttachPID(t.pid, opts)
	case t.name != "":
		t.handle, err = procpatch.Attach(t.name, opts)
	default:
		return nil, errors.New("one of --pid or --name is required")
	}
	return t.handle, err
}

func (t *tool) attachDefault() (*procpatch.Handle, error) {
	opts, err := t.options()
	if err != nil {
		return nil, err
	}
	return t.attach(opts)
}

func (t *tool) detach() error {
	if t.handle == nil {
		return nil
	}
	if err := t.handle.Close(); err != nil {
		return fmt.Errorf("closing process handle: %w", err)
	}
	return nil
}

func (t *tool) newMapsCommand() *cobra.Command {
	var prot string
	cmd := &cobra.Command{
		Use:   "maps",
		Short: "List memory segments",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			h, err := t.attachDefault()
			if err != nil {
				return err
			}

			var segments []procpatch.Segment
			if prot == "" {
				segments, err = h.AllSegments()
			} else {
				var p procpatch.Protection
				p, err = procpatch.ParseProtection(prot)
				if err != nil {
					return err
				}
				segments, err = h.Segments(p)
			}
			if err != nil {
				return err
			}

			for _, seg := range segments {
				fmt.Fprintln(c.OutOrStdout(), seg)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prot, "prot", "", "only list segments with this exact protection, e.g. r-xp")
	return cmd
}

func (t *tool) newBaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "base <module>",
		Short: "Print the base address and path of a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			h, err := t.attachDefault()
			if err != nil {
				return err
			}

			path, err := h.FullModulePath(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "%#x %s\n", h.ModuleBaseAddress(args[0]), path)
			return nil
		},
	}
}

func (t *tool) newSymbolCommand() *cobra.Command {
	var demangled, miniDebugInfo bool
	cmd := &cobra.Command{
		Use:   "symbol <module> <name>",
		Short: "Resolve the address of a symbol in a loaded module",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			opts, err := t.options()
			if err != nil {
				return err
			}
			if demangled {
				opts.DemangleOptions = []demangle.Option{}
			}
			opts.MiniDebugInfo = miniDebugInfo

			h, err := t.attach(opts)
			if err != nil {
				return err
			}

			addr, err := h.FindExternalSymbol(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "%#x\n", addr)
			return nil
		},
	}
	cmd.Flags().BoolVar(&demangled, "demangle", false, "also match demangled C++ and Rust names")
	cmd.Flags().BoolVar(&miniDebugInfo, "minidebuginfo", false, "also search .gnu_debugdata")
	return cmd
}

func (t *tool) newCaveCommand() *cobra.Command {
	var (
		prot   string
		stream bool
	)
	cmd := &cobra.Command{
		Use:   "cave <size>",
		Short: "Find a run of zero bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			size, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			p, err := procpatch.ParseProtection(prot)
			if err != nil {
				return err
			}

			h, err := t.attachDefault()
			if err != nil {
				return err
			}

			scan := procpatch.BulkScan
			if stream {
				scan = procpatch.StreamScan
			}
			addr, err := h.FindCaveWith(size, p, scan)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "%#x\n", addr)
			return nil
		},
	}
	cmd.Flags().StringVar(&prot, "prot", "r-xp", "protection of the segments to search")
	cmd.Flags().BoolVar(&stream, "stream", false, "read segments in chunks")
	return cmd
}

func (t *tool) newChainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chain <base> <offset>...",
		Short: "Follow a multi-level pointer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			addrs, err := parseAddrs(args)
			if err != nil {
				return err
			}

			h, err := t.attachDefault()
			if err != nil {
				return err
			}

			fmt.Fprintf(c.OutOrStdout(), "%#x\n", h.ResolvePointerChain(addrs[0], addrs[1:]...))
			return nil
		},
	}
}

func (t *tool) newReadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "read <addr> <length>",
		Short: "Hex dump target memory",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			addr, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid length %q: %w", args[1], err)
			}

			h, err := t.attachDefault()
			if err != nil {
				return err
			}

			buf, err := h.Read(addr, n)
			if err != nil {
				return err
			}
			fmt.Fprint(c.OutOrStdout(), hex.Dump(buf))
			if len(buf) < n {
				return fmt.Errorf("short read: %d of %d bytes", len(buf), n)
			}
			return nil
		},
	}
}

func (t *tool) newDetourCommand() *cobra.Command {
	var arch string
	cmd := &cobra.Command{
		Use:   "detour <src> <dst>",
		Short: "Print the jump from src to dst without writing it",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			addrs, err := parseAddrs(args)
			if err != nil {
				return err
			}
			a, err := procpatch.ParseArch(arch)
			if err != nil {
				return err
			}

			code, minSize, err := procpatch.EncodeDetour(addrs[0], addrs[1], a)
			if err != nil {
				return err
			}
			text, err := procpatch.DisassembleDetour(code, addrs[0], a)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.OutOrStdout(), "# %s, %d bytes minimum\n%s", a, minSize, text)
			return nil
		},
	}
	cmd.Flags().StringVar(&arch, "arch", "host", "instruction set: arm, x86 or host")
	return cmd
}

func (t *tool) newHookCommand() *cobra.Command {
	var (
		arch   string
		frozen bool
	)
	cmd := &cobra.Command{
		Use:   "hook <src> <dst> <size>",
		Short: "Overwrite size bytes at src with a jump to dst",
		Args:  cobra.ExactArgs(3),
		RunE: func(c *cobra.Command, args []string) error {
			addrs, err := parseAddrs(args[:2])
			if err != nil {
				return err
			}
			size, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", args[2], err)
			}
			a, err := procpatch.ParseArch(arch)
			if err != nil {
				return err
			}

			h, err := t.attachDefault()
			if err != nil {
				return err
			}

			hook := func() error {
				return h.HookArch(addrs[0], addrs[1], size, a)
			}
			if frozen {
				return h.Frozen(hook)
			}
			return hook()
		},
	}
	cmd.Flags().StringVar(&arch, "arch", "host", "instruction set: arm, x86 or host")
	cmd.Flags().BoolVar(&frozen, "freeze", false, "stop the target while writing")
	return cmd
}

func parseAddr(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uintptr(v), nil
}

func parseAddrs(args []string) ([]uintptr, error) {
	addrs := make([]uintptr, len(args))
	for i, arg := range args {
		var err error
		addrs[i], err = parseAddr(arg)
		if err != nil {
			return nil, err
		}
	}
	return addrs, nil
}
