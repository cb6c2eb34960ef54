package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/arduino/go-paths-helper"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/serial-bootloader/internal/config"
	"github.com/bigbag/serial-bootloader/internal/detect"
	"github.com/bigbag/serial-bootloader/internal/flash"
	"github.com/bigbag/serial-bootloader/internal/logging"
	"github.com/bigbag/serial-bootloader/internal/programmer"
	"github.com/bigbag/serial-bootloader/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultReadFile = "read_file.bin"

const commandHelp = `Commands:
  write <file>    program <file> at --address (default: start of application flash)
  read [file]     read --length bytes (default: all application flash) into file
                  (default: ` + defaultReadFile + `)
  verify <file>   compare device flash with <file>
  erase           erase all application flash
  reset           reset the device
  jump            start the installed application
  version         print the bootloader version
  help            print this summary`

var (
	configFlag     string
	profileFlag    string
	addressFlag    uint32
	lengthFlag     int
	chunkFlag      int
	outputFlag     string
	enterFlag      bool
	minVersionFlag string
	verboseFlag    bool
	logLevelFlag   string
	logFormatFlag  string
	logFileFlag    string
	detectBaudFlag int
)

var (
	cfg       *config.Config
	logCloser io.Closer
	log       = logrus.StandardLogger()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "program <port> <baud> <command> [file]",
		Short: "Program STM32 devices through the serial bootloader",
		Long: `program talks to the resident serial bootloader to write, read, verify
and erase application flash, and to start the installed application.

<port> is a serial device such as /dev/ttyUSB0, tcp://host:port to reach
a bootloader emulator, or auto to use the first port that answers.

` + commandHelp,
		Example:           "  program /dev/ttyUSB0 115200 write firmware.bin",
		Args:              cobra.RangeArgs(3, 4),
		SilenceUsage:      true,
		PersistentPreRunE: preRun,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
		RunE: runProgram,
	}

	flags := rootCmd.Flags()
	flags.StringVar(&profileFlag, "profile", flash.DefaultProfile, "Device profile (memory map)")
	flags.Uint32Var(&addressFlag, "address", 0, "Start address (default: start of application flash)")
	flags.IntVar(&lengthFlag, "length", 0, "Bytes to read (default: rest of application flash)")
	flags.IntVar(&chunkFlag, "chunk", 0, "Data bytes per frame, a multiple of 4 up to 244")
	flags.StringVarP(&outputFlag, "output", "o", "", "Output file for read")
	flags.BoolVar(&enterFlag, "enter-bootloader", false, "Use DTR (BOOT0) and RTS (NRST) to reset into the bootloader")
	flags.StringVar(&minVersionFlag, "min-version", "", "Refuse bootloaders older than this version")

	persistent := rootCmd.PersistentFlags()
	persistent.StringVar(&configFlag, "config", "", "YAML configuration file")
	persistent.BoolVarP(&verboseFlag, "verbose", "v", false, "Print the logs on the standard output")
	persistent.StringVar(&logLevelFlag, "log-level", "info", "Messages with this level and above will be logged: trace, debug, info, warn, error")
	persistent.StringVar(&logFormatFlag, "log-format", "", "The output format for the logs, can be {text|json}")
	persistent.StringVar(&logFileFlag, "log-file", "", "Path to the file where logs will be written")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Probe every serial port for a bootloader",
		Args:  cobra.NoArgs,
		RunE:  runDetect,
	}
	detectCmd.Flags().IntVarP(&detectBaudFlag, "baud", "b", 0, "Baud rate (default from config, 115200)")

	versionCmd := &cobra.Command{
		Use:   "tool-version",
		Short: "Show version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("program %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(listCmd, detectCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func preRun(cmd *cobra.Command, args []string) error {
	var path *paths.Path
	if configFlag != "" {
		path = paths.New(configFlag)
	}

	var err error
	cfg, err = config.Load(path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	opts := logging.Options{
		Verbose: verboseFlag,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
	}
	if flags.Changed("log-level") {
		opts.Level = logLevelFlag
	}
	if flags.Changed("log-format") {
		opts.Format = logFormatFlag
	}
	if flags.Changed("log-file") {
		opts.File = logFileFlag
	}

	logCloser, err = logging.Setup(log, opts)
	return err
}

func runProgram(cmd *cobra.Command, args []string) error {
	portName, command := args[0], strings.ToLower(args[2])
	baud, err := strconv.Atoi(args[1])
	if err != nil || baud <= 0 {
		return fmt.Errorf("invalid baud rate %q", args[1])
	}

	var file string
	if len(args) == 4 {
		file = args[3]
	}

	switch command {
	case "help":
		fmt.Println(commandHelp)
		return nil
	case "write", "verify":
		if file == "" {
			return fmt.Errorf("%s needs a file", command)
		}
	case "read", "erase", "reset", "jump", "version":
	default:
		return fmt.Errorf("unknown command %q\n\n%s", command, commandHelp)
	}

	flags := cmd.Flags()
	if flags.Changed("profile") {
		cfg.Profile = profileFlag
	}
	if flags.Changed("chunk") {
		cfg.ChunkSize = chunkFlag
	}
	if flags.Changed("min-version") {
		cfg.MinVersion = minVersionFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	profiles, err := cfg.Profiles()
	if err != nil {
		return err
	}
	_, layout, err := profiles.Lookup(cfg.Profile)
	if err != nil {
		return err
	}
	log.WithField("layout", layout.String()).Debug("Profile loaded")

	address := layout.WritableStart()
	if flags.Changed("address") {
		address = addressFlag
	}

	var image []byte
	if command == "write" || command == "verify" {
		image, err = paths.New(file).ReadFile()
		if err != nil {
			return fmt.Errorf("failed to read firmware file: %w", err)
		}
		if !layout.Contains(address, len(image)) {
			return fmt.Errorf("%s (%d bytes) does not fit application flash at 0x%08X (0x%08X-0x%08X)",
				file, len(image), address, layout.WritableStart(), layout.WritableEnd())
		}
		fmt.Printf("Firmware: %s (%d bytes)\n", file, len(image))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if portName == detect.AutoPort {
		fmt.Println("Scanning serial ports for a bootloader...")
		found, err := detect.DetectDevice(ctx, baud, log)
		if err != nil {
			return err
		}
		portName = found.Port
		fmt.Printf("Found bootloader %s on %s\n", found.Version, portName)
	}

	port, err := serial.Open(portName, baud)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()

	fmt.Printf("Port: %s @ %d baud\n", portName, baud)

	if enterFlag {
		if err := port.EnterBootloader(); err != nil {
			return fmt.Errorf("failed to reset into bootloader: %w", err)
		}
	}

	p := programmer.New(port,
		programmer.WithChunkSize(cfg.ChunkSize),
		programmer.WithConnectRetry(cfg.ConnectAttempts, cfg.ConnectInterval),
		programmer.WithReplyTimeout(cfg.ReplyTimeout),
		programmer.WithEraseTimeout(cfg.EraseTimeout),
		programmer.WithLogger(log.WithField("port", portName)),
	)

	fmt.Println("Connecting to bootloader...")
	if err := p.Connect(ctx); err != nil {
		return err
	}
	fmt.Println("Connected!")

	if cfg.MinVersion != "" || command == "version" {
		v, err := p.GetVersion(ctx)
		if err != nil {
			return err
		}
		if command == "version" {
			fmt.Printf("Bootloader version: %s\n", v)
			return nil
		}
		if !v.AtLeast(cfg.MinVersion) {
			return fmt.Errorf("bootloader %s is older than required %s", v, cfg.MinVersion)
		}
	}

	switch command {
	case "write":
		return runWrite(ctx, p, image, address)
	case "verify":
		return runVerify(ctx, p, image, address)
	case "read":
		return runRead(ctx, p, layout, address, file)
	case "erase":
		fmt.Println("Erasing application flash...")
		if err := p.Erase(ctx); err != nil {
			return err
		}
		fmt.Println("Erase complete!")
	case "reset":
		if err := p.Reset(ctx); err != nil {
			return err
		}
		fmt.Println("Device reset.")
	case "jump":
		if err := p.Jump(ctx); err != nil {
			return err
		}
		fmt.Println("Jump requested.")
	}
	return nil
}

func newBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func runWrite(ctx context.Context, p *programmer.Programmer, image []byte, address uint32) error {
	bar := newBar(len(image), "Writing")
	p.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})

	fmt.Printf("\nWriting %d bytes at 0x%08X...\n", len(image), address)
	stats, err := p.Write(ctx, image, address)
	bar.Finish()
	if err != nil {
		return err
	}

	fmt.Printf("\nWrite complete: %s\n", stats)
	return nil
}

func runVerify(ctx context.Context, p *programmer.Programmer, image []byte, address uint32) error {
	bar := newBar(len(image), "Verifying")
	p.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})

	stats, err := p.Verify(ctx, image, address)
	bar.Finish()
	if err != nil {
		return err
	}

	fmt.Printf("\nVerify OK: %s\n", stats)
	return nil
}

func runRead(ctx context.Context, p *programmer.Programmer, layout flash.Layout, address uint32, file string) error {
	length := lengthFlag
	if length == 0 {
		if address < layout.WritableStart() || address >= layout.WritableEnd() {
			return fmt.Errorf("address 0x%08X is outside application flash", address)
		}
		length = int(layout.WritableEnd() - address)
	}
	if length < 0 {
		return fmt.Errorf("invalid length %d", length)
	}

	out := outputFlag
	if out == "" {
		out = file
	}
	if out == "" {
		out = defaultReadFile
	}

	bar := newBar(length, "Reading")
	p.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})

	data, stats, err := p.Read(ctx, address, length)
	bar.Finish()
	if err != nil {
		return err
	}

	if err := paths.New(out).WriteFile(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	fmt.Printf("\nRead complete: %s -> %s\n", stats, out)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListDetailed()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	baud := cfg.Baud
	if detectBaudFlag > 0 {
		baud = detectBaudFlag
	}

	fmt.Println("Scanning for bootloaders...")
	devices, err := detect.ListDevices(cmd.Context(), baud, log)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No bootloader found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n", len(devices))
	for _, d := range devices {
		fmt.Printf("  %s  bootloader %s\n", d.Port, d.Version)
	}

	return nil
}
