package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/log"
	"github.com/evanphx/rvos/platform"
	"github.com/evanphx/rvos/platform/fdt"
	"github.com/evanphx/rvos/syscalls"
	"github.com/evanphx/rvos/trace"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

var (
	logLevel string

	bootOpts bootOptions

	dtbCPUs     int
	dtbTimebase uint64
	dtbOut      string

	traceTask int
)

var RootCmd = &cobra.Command{
	Use:   "rvos",
	Short: "riscv64 syscall dispatch engine",
	Long:  `Boots a simulated riscv64 machine and runs syscall scripts against its Linux ABI.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Setup(os.Stderr, logLevel, term.IsTerminal(int(os.Stderr.Fd())))
	},
	SilenceUsage: true,
}

var bootCmd = &cobra.Command{
	Use:   "boot [script] [-- argv...]",
	Short: "Boot the machine and run a script as init",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = os.Stdin

		path := "-"
		if len(args) > 0 {
			path = args[0]
		}

		if path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			in = f
		}

		opts := bootOpts
		opts.Argv = append([]string{path}, argsAfter(args)...)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		code, err := boot(ctx, opts, in, os.Stdin, os.Stdout)
		if err != nil {
			return err
		}

		os.Exit(code)
		return nil
	},
}

func argsAfter(args []string) []string {
	if len(args) <= 1 {
		return nil
	}

	return args[1:]
}

var syscallsCmd = &cobra.Command{
	Use:   "syscalls",
	Short: "List the operation table",
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

		fmt.Fprintln(tw, "ID\tNAME\tHANDLED")

		for _, s := range linux.Sysnos() {
			handled := "no"
			if syscalls.Syscalls[s.Number()] != nil {
				handled = "yes"
			}

			fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Number(), s.String(), handled)
		}

		return tw.Flush()
	},
}

var mkdtbCmd = &cobra.Command{
	Use:   "mkdtb",
	Short: "Write a qemu virt style devicetree blob",
	RunE: func(cmd *cobra.Command, args []string) error {
		blob, err := fdt.QemuVirt(dtbCPUs, dtbTimebase)
		if err != nil {
			return err
		}

		fp := platform.FingerprintOf(blob)
		fmt.Fprintf(cmd.ErrOrStderr(), "dtb fingerprint %x\n", fp[:8])

		if dtbOut == "" || dtbOut == "-" {
			_, err = cmd.OutOrStdout().Write(blob)
			return err
		}

		return os.WriteFile(dtbOut, blob, 0644)
	},
}

var traceCmd = &cobra.Command{
	Use:   "trace <db>",
	Short: "Print the records of a trace database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := trace.Open(args[0])
		if err != nil {
			return err
		}
		defer store.Close()

		recs, err := store.Records(cmd.Context(), traceTask)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

		fmt.Fprintln(tw, "TIME\tPHASE\tCPU\tTASK\tID\tNAME\tRESULT")

		for _, rec := range recs {
			result := ""
			if rec.Phase == trace.Exit {
				result = fmt.Sprint(rec.Result)
			}

			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				rec.Time.Format("15:04:05.000000"), rec.Phase, rec.CPU, rec.Task, rec.Sysno, rec.Name, result)
		}

		return tw.Flush()
	},
}

func addBootFlags(fs *pflag.FlagSet) {
	def := platform.DefaultConfig()

	fs.StringVar(&bootOpts.DTB, "dtb", "", "devicetree blob handed to the primary cpu (default: generated)")
	fs.IntVar(&bootOpts.SMP, "smp", def.SMP, "number of harts to bring up")
	fs.BoolVar(&bootOpts.IRQ, "irq", def.IRQ, "route external interrupts through the PLIC")
	fs.StringVar(&bootOpts.Initrd, "initrd", "", "tar archive unpacked into the root filesystem")
	fs.StringVar(&bootOpts.TraceDB, "trace-db", "", "SQLite database to record syscall traces into")
	fs.StringVar(&bootOpts.HostRoot, "host-root", "", "host directory mounted at "+HostMount)
	fs.BoolVar(&bootOpts.Echo, "echo", false, "print every script line's result")
}

func init() {
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	addBootFlags(bootCmd.Flags())

	mkdtbCmd.Flags().IntVar(&dtbCPUs, "smp", 1, "number of cpu nodes")
	mkdtbCmd.Flags().Uint64Var(&dtbTimebase, "timebase", platform.DefaultTimerFrequency, "timebase-frequency of the cpus node")
	mkdtbCmd.Flags().StringVarP(&dtbOut, "output", "o", "", "output file (default: stdout)")

	traceCmd.Flags().IntVar(&traceTask, "task", -1, "only show records of this task")

	RootCmd.AddCommand(bootCmd, syscallsCmd, mkdtbCmd, traceCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}
