package cmd

import (
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lierdakil/hoip/internal/config"
	"github.com/lierdakil/hoip/internal/discovery"
	"github.com/lierdakil/hoip/internal/logger"
	"github.com/lierdakil/hoip/internal/replay"
)

var (
	replayListen          string
	replayName            string
	replayBus             uint16
	replayVendorID        uint16
	replayProductID       uint16
	replayProductVersion  uint16
	replayNoHighResScroll bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run the replay side",
	Long: `Create a virtual input device and inject every event received over TCP
into it, as if the remote keyboard and mouse were plugged into this host.
One capture connection is served at a time; when it drops, any keys it left
pressed are released and the listener waits for the next one.`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVarP(&replayListen, "listen", "l", "",
		"Address to listen on (default [::]:27056)")
	replayCmd.Flags().StringVarP(&replayName, "name", "n", "",
		"Name of the virtual input device")
	replayCmd.Flags().Uint16Var(&replayBus, "bus", config.DefaultConfig.Replay.BusType,
		"Bus type the virtual device reports")
	replayCmd.Flags().Uint16Var(&replayVendorID, "vendor-id", config.DefaultConfig.Replay.VendorID,
		"Vendor id the virtual device reports")
	replayCmd.Flags().Uint16Var(&replayProductID, "product-id", config.DefaultConfig.Replay.ProductID,
		"Product id the virtual device reports")
	replayCmd.Flags().Uint16Var(&replayProductVersion, "product-version", config.DefaultConfig.Replay.ProductVersion,
		"Product version the virtual device reports")
	replayCmd.Flags().BoolVar(&replayNoHighResScroll, "no-high-res-scroll", false,
		"Do not advertise high-resolution scroll axes")

	_ = viper.BindPFlag("replay.listen", replayCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("replay.device_name", replayCmd.Flags().Lookup("name"))
	_ = viper.BindPFlag("replay.bus_type", replayCmd.Flags().Lookup("bus"))
	_ = viper.BindPFlag("replay.vendor_id", replayCmd.Flags().Lookup("vendor-id"))
	_ = viper.BindPFlag("replay.product_id", replayCmd.Flags().Lookup("product-id"))
	_ = viper.BindPFlag("replay.product_version", replayCmd.Flags().Lookup("product-version"))
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	devCfg := replay.DeviceConfig{
		Name:           cfg.Replay.DeviceName,
		BusType:        cfg.Replay.BusType,
		VendorID:       cfg.Replay.VendorID,
		ProductID:      cfg.Replay.ProductID,
		ProductVersion: cfg.Replay.ProductVersion,
		HighResScroll:  cfg.Replay.HighResScroll && !replayNoHighResScroll,
	}
	vd, err := replay.NewVirtualDevice(devCfg)
	if err != nil {
		return fmt.Errorf("creating virtual device: %w", err)
	}
	defer func() { _ = vd.Close() }()
	logger.Infof("virtual device %q ready", devCfg.Name)

	loop := replay.NewLoop(cfg.Replay.Listen, vd)

	if cfg.Discovery.Enabled {
		port, err := listenPort(cfg.Replay.Listen)
		if err != nil {
			return err
		}
		responder, err := discovery.NewResponder(cfg.Discovery.Multicast, port)
		if err != nil {
			// Discovery is an extra, a direct --connect still works.
			logger.Warnf("discovery disabled: %v", err)
		} else {
			defer func() { _ = responder.Close() }()
			go responder.Serve(ctx)
			loop.OnWaiting(responder.Advertise)
		}
	}

	return loop.Run(ctx)
}

func listenPort(addr string) (uint16, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parsing listen address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("listen address %q has no usable port for discovery", addr)
	}
	return uint16(port), nil
}
