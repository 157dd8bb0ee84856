// Command hyperlight inspects and exercises micro-VM sandboxes from the
// command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andreiltd/hyperlight"
	"github.com/andreiltd/hyperlight/guestcall"
	"github.com/andreiltd/hyperlight/hypervisor"
	"github.com/andreiltd/hyperlight/mem"
)

var (
	configPath string
	cfg        hyperlight.Config
)

func loadConfig(*cobra.Command, []string) error {
	if configPath == "" {
		cfg = hyperlight.DefaultConfig()
		return nil
	}
	var err error
	cfg, err = hyperlight.LoadConfig(configPath)
	return err
}

var rootCmd = &cobra.Command{
	Use:               "hyperlight",
	Short:             "Inspect and exercise micro-VM sandboxes",
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report hypervisor availability on this host",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !hypervisor.Available() {
			fmt.Println("no hardware hypervisor backend available")
			return nil
		}
		drv, err := hypervisor.New(hypervisor.BackendAuto)
		if err != nil {
			return err
		}
		defer drv.Close()
		fmt.Printf("hypervisor available: %s\n", drv.Backend())
		return nil
	},
}

var layoutImageSize int

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Print the guest memory layout for the current configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		layout, err := mem.NewLayout(cfg.Memory, layoutImageSize)
		if err != nil {
			return err
		}
		fmt.Print(layout)
		fmt.Printf("total: %d bytes\n", layout.Total())
		return nil
	},
}

// backendFlag validates --backend at parse time instead of failing later
// inside sandbox construction.
type backendFlag string

var _ pflag.Value = (*backendFlag)(nil)

func (b *backendFlag) String() string { return string(*b) }
func (b *backendFlag) Type() string   { return "backend" }

func (b *backendFlag) Set(s string) error {
	switch s {
	case "auto", "kvm", "mshv", "whp":
		*b = backendFlag(s)
		return nil
	}
	return fmt.Errorf("unknown backend %q (want auto, kvm, mshv or whp)", s)
}

var (
	runEntry   uint64
	runCall    string
	runArgs    []string
	runBackend backendFlag = "auto"
)

var runCmd = &cobra.Command{
	Use:   "run <guest-binary>",
	Short: "Evolve a sandbox around a guest binary and optionally call a function",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bin, err := hyperlight.BinaryFromFile(args[0], runEntry)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("backend") {
			cfg.Backend = string(runBackend)
		}
		uninit, err := hyperlight.NewUninitializedSandbox(bin, hyperlight.WithConfig(cfg))
		if err != nil {
			return err
		}
		sb, err := uninit.Evolve(cmd.Context())
		if err != nil {
			return err
		}
		defer sb.Close()

		fmt.Printf("sandbox %s evolved, guest functions: %v\n", sb.ID(), sb.Functions())
		if runCall == "" {
			return nil
		}

		params := make([]guestcall.Value, len(runArgs))
		for i, a := range runArgs {
			params[i] = guestcall.String(a)
		}
		v, err := sb.Call(cmd.Context(), runCall, guestcall.KindString, params...)
		if err != nil {
			return err
		}
		s, _ := v.AsString()
		fmt.Println(s)
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print driver metrics for this process",
	Run: func(*cobra.Command, []string) {
		s := hyperlight.GetMetrics()
		fmt.Printf("evolutions:       %d\n", s.Evolutions)
		fmt.Printf("calls:            %d\n", s.Calls)
		fmt.Printf("call errors:      %d\n", s.CallErrors)
		fmt.Printf("restores:         %d\n", s.Restores)
		fmt.Printf("host calls:       %d\n", s.HostCalls)
		fmt.Printf("finished:         %d\n", s.SandboxesFinished)

		m := hypervisor.GetMetrics()
		fmt.Printf("drivers created:  %d\n", m.DriversCreated)
		fmt.Printf("drivers closed:   %d\n", m.DriversClosed)
		fmt.Printf("map operations:   %d\n", m.MapOperations)
		fmt.Printf("run operations:   %d\n", m.RunOperations)
		fmt.Printf("host call exits:  %d\n", m.HostCallExits)
		fmt.Printf("print exits:      %d\n", m.PrintExits)
		fmt.Printf("abort exits:      %d\n", m.AbortExits)
		fmt.Printf("fault exits:      %d\n", m.FaultExits)
		fmt.Printf("halt exits:       %d\n", m.HaltExits)
		fmt.Printf("cancellations:    %d\n", m.Cancellations)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	layoutCmd.Flags().IntVar(&layoutImageSize, "image-size", 4096, "guest image size to lay out, in bytes")
	runCmd.Flags().Uint64Var(&runEntry, "entry", 0, "entry point offset into the guest image")
	runCmd.Flags().StringVar(&runCall, "call", "", "guest function to call after evolving")
	runCmd.Flags().StringArrayVar(&runArgs, "arg", nil, "string argument for --call, repeatable")
	runCmd.Flags().Var(&runBackend, "backend", "hypervisor backend: auto, kvm, mshv or whp")

	rootCmd.AddCommand(checkCmd, layoutCmd, runCmd, metricsCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
