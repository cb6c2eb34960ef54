package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/arduino/go-paths-helper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/serial-bootloader/internal/bootloader"
	"github.com/bigbag/serial-bootloader/internal/config"
	"github.com/bigbag/serial-bootloader/internal/flash"
	"github.com/bigbag/serial-bootloader/internal/logging"
	"github.com/bigbag/serial-bootloader/internal/protocol"
	"github.com/bigbag/serial-bootloader/internal/serial"
	"github.com/bigbag/serial-bootloader/internal/sim"
	"github.com/bigbag/serial-bootloader/internal/transport"
)

var (
	configFlag    string
	profileFlag   string
	serialFlag    string
	baudFlag      int
	tcpFlag       string
	imageFlag     string
	bootPinFlag   bool
	magicFlag     bool
	debugFlag     bool
	autoBaudFlag  bool
	clockFlag     uint32
	verboseFlag   bool
	logLevelFlag  string
	logFormatFlag string
	logFileFlag   string
)

var log = logrus.StandardLogger()

func main() {
	rootCmd := &cobra.Command{
		Use:   "bootsim",
		Short: "Run the serial bootloader on an emulated device",
		Long: `bootsim runs the bootloader state machine against an in-memory flash
model, so the host programmer can be exercised without hardware.

The UART side listens on a real serial port (--serial); the USB virtual
serial side accepts TCP connections (--tcp). The flash contents can be
persisted in an image file (--image).`,
		Example:      "  bootsim --profile stm32f401xe --tcp :7000 --image flash.bin --boot-pin",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runSim,
	}

	flags := rootCmd.Flags()
	flags.StringVar(&configFlag, "config", "", "YAML configuration file")
	flags.StringVar(&profileFlag, "profile", flash.DefaultProfile, "Device profile (memory map)")
	flags.StringVar(&serialFlag, "serial", "", "Serial port for the UART transport")
	flags.IntVar(&baudFlag, "baud", protocol.DefaultBaudRate, "UART baud rate, or the auto-baud fallback")
	flags.StringVar(&tcpFlag, "tcp", "", "Listen address for the USB CDC transport, e.g. :7000")
	flags.StringVar(&imageFlag, "image", "", "Flash image file, loaded at start and saved on every reset and on exit")
	flags.BoolVar(&bootPinFlag, "boot-pin", false, "Hold the boot pin in the bootloader position")
	flags.BoolVar(&magicFlag, "magic", false, "Set the boot intent register before the first boot")
	flags.BoolVar(&debugFlag, "debug", false, "Always stay in the bootloader")
	flags.BoolVar(&autoBaudFlag, "auto-baud", false, "Measure the UART rate from the connect byte (profiles with auto_baud)")
	flags.Uint32Var(&clockFlag, "clock", 0, "Simulated timer clock in Hz for auto-baud")
	flags.BoolVarP(&verboseFlag, "verbose", "v", false, "Print the logs on the standard output")
	flags.StringVar(&logLevelFlag, "log-level", "info", "Messages with this level and above will be logged")
	flags.StringVar(&logFormatFlag, "log-format", "", "The output format for the logs, can be {text|json}")
	flags.StringVar(&logFileFlag, "log-file", "", "Path to the file where logs will be written")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// settings merges the config file with the flags that were set.
func settings(cmd *cobra.Command) (*config.Config, error) {
	var path *paths.Path
	if configFlag != "" {
		path = paths.New(configFlag)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	emu := &cfg.Emulator
	if flags.Changed("profile") || cfg.Profile == "" {
		cfg.Profile = profileFlag
	}
	if flags.Changed("serial") {
		emu.Serial = serialFlag
	}
	if flags.Changed("baud") {
		emu.Baud = baudFlag
	}
	if flags.Changed("tcp") {
		emu.TCP = tcpFlag
	}
	if flags.Changed("image") {
		emu.Image = imageFlag
	}
	if flags.Changed("clock") {
		emu.ClockHz = clockFlag
	}
	emu.BootPin = emu.BootPin || bootPinFlag
	emu.Magic = emu.Magic || magicFlag
	emu.Debug = emu.Debug || debugFlag
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevelFlag
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormatFlag
	}
	if flags.Changed("log-file") {
		cfg.Log.File = logFileFlag
	}
	return cfg, nil
}

func runSim(cmd *cobra.Command, args []string) error {
	cfg, err := settings(cmd)
	if err != nil {
		return err
	}
	emu := cfg.Emulator

	closer, err := logging.Setup(log, logging.Options{
		Verbose: verboseFlag,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	if emu.Serial == "" && emu.TCP == "" {
		return errors.New("nothing to listen on: set --serial and/or --tcp")
	}

	profiles, err := cfg.Profiles()
	if err != nil {
		return err
	}
	prof, layout, err := profiles.Lookup(cfg.Profile)
	if err != nil {
		return err
	}

	mem := flash.NewMemory(layout)
	image := imagePath(emu.Image)
	if image != nil {
		if err := loadImage(mem, image); err != nil {
			return err
		}
	}
	defer saveImage(mem, image)

	fc := flash.NewController(mem, layout, log)

	var intent byte
	if emu.Magic {
		intent = bootloader.BootMagic
	}
	platform := sim.NewPlatform(emu.BootPin, intent, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var bus *sim.USBBus
	if emu.TCP != "" {
		if !prof.USBCDC {
			log.WithField("profile", cfg.Profile).Warn("Profile has no USB device, emulating CDC anyway")
		}
		ln, err := net.Listen("tcp", emu.TCP)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", emu.TCP, err)
		}
		defer ln.Close()

		bus = sim.NewUSBBus(log)
		go bus.Serve(ln)
		fmt.Printf("USB CDC: tcp://%s\n", ln.Addr())
	}

	fmt.Printf("Device: %s\n", layout)

	for cycle := 1; ; cycle++ {
		res, err := bootCycle(ctx, cfg, prof, fc, platform, bus, cycle)
		saveImage(mem, image)

		if errors.Is(err, context.Canceled) {
			fmt.Println("Stopped.")
			return nil
		}
		if err != nil {
			return err
		}

		log.WithFields(logrus.Fields{
			"cycle":     cycle,
			"exit":      res.Exit.String(),
			"transport": res.Transport,
			"frames":    res.Stats.Frames,
			"nacks":     res.Stats.Nacks,
			"dropped":   res.Stats.BadCRC + res.Stats.Timeouts + res.Stats.BadLength + res.Stats.Malformed,
		}).Info("Boot cycle ended")

		switch res.Exit {
		case bootloader.ExitJump:
			jumps := platform.Jumps()
			target := jumps[len(jumps)-1]
			fmt.Printf("Application started (sp=0x%08X pc=0x%08X)\n", target.SP, target.PC)
			return nil
		case bootloader.ExitReset:
			fmt.Println("Device reset.")
		default:
			return nil
		}
	}
}

func bootCycle(ctx context.Context, cfg *config.Config, prof flash.Profile, fc *flash.Controller, platform *sim.Platform, bus *sim.USBBus, cycle int) (bootloader.Result, error) {
	emu := cfg.Emulator
	bcfg := bootloader.Config{
		Platform: platform,
		Flash:    fc,
		BaudRate: emu.Baud,
		Debug:    emu.Debug,
		Log:      log.WithField("cycle", cycle),
	}

	if bus != nil {
		bcfg.Transports = append(bcfg.Transports, bus.Attach("usb"))
	}

	if emu.Serial != "" {
		port, err := serial.Open(emu.Serial, emu.Baud)
		if err != nil {
			return bootloader.Result{}, err
		}
		defer port.Close()

		sniffed := make(chan struct{})
		if prof.AutoBaud && autoBaudFlag {
			capture := sim.NewCapture(emu.ClockHz)
			bcfg.Capture = capture
			listenCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				defer close(sniffed)
				capture.Listen(listenCtx, port, protocol.CmdConnect, port.BaudRate())
			}()
		} else {
			close(sniffed)
		}

		bcfg.UART = func(baud int) (transport.Transport, error) {
			<-sniffed
			if err := port.SetBaudRate(baud); err != nil {
				return nil, err
			}
			return transport.NewStream("uart", port), nil
		}
	}

	return bootloader.Boot(ctx, bcfg)
}

func imagePath(name string) *paths.Path {
	if name == "" {
		return nil
	}
	return paths.New(name)
}

func loadImage(mem *flash.Memory, image *paths.Path) error {
	if !image.Exist() {
		log.WithField("image", image.String()).Info("No flash image yet, starting erased")
		return nil
	}
	data, err := image.ReadFile()
	if err != nil {
		return fmt.Errorf("failed to read flash image: %w", err)
	}
	return mem.Load(data)
}

func saveImage(mem *flash.Memory, image *paths.Path) {
	if image == nil {
		return
	}
	if err := image.WriteFile(mem.Bytes()); err != nil {
		log.WithError(err).Error("Failed to save flash image")
	}
}
