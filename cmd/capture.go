package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lierdakil/hoip/internal/capture"
	"github.com/lierdakil/hoip/internal/config"
	"github.com/lierdakil/hoip/internal/device"
	"github.com/lierdakil/hoip/internal/discovery"
	"github.com/lierdakil/hoip/internal/logger"
	"github.com/lierdakil/hoip/internal/magic"
)

var (
	captureDevices     []string
	captureTargets     []string
	captureMagic       []string
	captureGrabOnStart bool
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Run the capture side",
	Long: `Read events from physical input devices and stream them to replay hosts.
Devices start in passthrough; pressing the magic combo grabs them exclusively
and forwards every event to the configured targets, pressing it again releases
them back to the local host. With one target all devices share its stream;
with one target per device the n-th device maps to the n-th target.`,
	RunE: runCapture,
}

func init() {
	captureCmd.Flags().StringSliceVarP(&captureDevices, "device", "d", nil,
		"Device to capture: /dev/input/event* path, name, or unique id (repeatable)")
	captureCmd.Flags().StringSliceVarP(&captureTargets, "connect", "c", nil,
		"Replay host to stream to, host:port (repeatable; discovered if omitted)")
	captureCmd.Flags().StringSliceVarP(&captureMagic, "magic", "m", nil,
		"Magic combo key (repeatable, default KEY_LEFTCTRL KEY_LEFTSHIFT KEY_F12)")
	captureCmd.Flags().BoolVar(&captureGrabOnStart, "grab-on-start", false,
		"Grab devices immediately instead of waiting for the magic combo")

	// Bind flags to viper
	_ = viper.BindPFlag("capture.devices", captureCmd.Flags().Lookup("device"))
	_ = viper.BindPFlag("capture.targets", captureCmd.Flags().Lookup("connect"))
	_ = viper.BindPFlag("capture.magic", captureCmd.Flags().Lookup("magic"))
	_ = viper.BindPFlag("capture.grab_on_start", captureCmd.Flags().Lookup("grab-on-start"))
}

func runCapture(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	combo, err := magic.ParseCombo(cfg.Capture.Magic)
	if err != nil {
		return fmt.Errorf("invalid magic combo: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	targets := cfg.Capture.Targets
	if len(targets) == 0 {
		if !cfg.Discovery.Enabled {
			return fmt.Errorf("no targets configured and discovery is disabled")
		}
		logger.Infof("no targets configured, probing %s", cfg.Discovery.Multicast)
		peer, err := discovery.Discover(ctx, cfg.Discovery.Multicast,
			cfg.Discovery.RequestPeriod(), cfg.Discovery.Timeout())
		if err != nil {
			return fmt.Errorf("peer discovery: %w", err)
		}
		targets = []string{peer}
	}

	handles, err := openDevices(cfg.Capture.Devices)
	if err != nil {
		return err
	}
	defer func() {
		for _, h := range handles {
			_ = h.Close()
		}
	}()

	devices := make([]capture.Device, len(handles))
	for i, h := range handles {
		devices[i] = h
		logger.Infof("opened %s (%s)", h.Path(), h.Name())
	}

	initial, max := cfg.Capture.ReconnectBackoff()
	backoff := capture.Backoff{Initial: initial, Max: max}
	sinks := make([]capture.EventSink, len(targets))
	senders := make([]*capture.Sender, len(targets))
	for i, addr := range targets {
		s := capture.NewSender(addr, backoff)
		senders[i] = s
		sinks[i] = s
	}

	router, err := capture.NewRouter(devices, sinks, combo)
	if err != nil {
		return err
	}

	for _, s := range senders {
		s.Start(ctx)
	}
	defer func() {
		for _, s := range senders {
			s.Stop()
		}
	}()

	if cfg.Capture.GrabOnStart {
		if err := router.GrabAll(); err != nil {
			// Not fatal: the user can retry with the combo.
			logger.Errorf("grab on start failed: %v", err)
		}
	}

	return router.Run(ctx)
}

// openDevices resolves and opens every configured identity. Any failure
// here is fatal: it happens at startup, before any grab is attempted.
func openDevices(identities []string) ([]*device.Handle, error) {
	if len(identities) == 0 {
		return nil, fmt.Errorf("no devices configured (use --device, see 'hoip list')")
	}
	seen := make(map[string]string) // path -> identity that claimed it
	var handles []*device.Handle
	for _, id := range identities {
		h, err := device.Open(id)
		if err != nil {
			for _, open := range handles {
				_ = open.Close()
			}
			return nil, err
		}
		if prev, dup := seen[h.Path()]; dup {
			_ = h.Close()
			for _, open := range handles {
				_ = open.Close()
			}
			return nil, fmt.Errorf("%q and %q are the same device (%s)", prev, id, h.Path())
		}
		seen[h.Path()] = id
		handles = append(handles, h)
	}
	return handles, nil
}
