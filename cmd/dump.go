package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lierdakil/hoip/internal/device"
	"github.com/lierdakil/hoip/internal/logger"
)

var dumpDevices []string

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print events from input devices",
	Long: `Read events from the given devices and print them, one per line. Useful
for checking that a device identity resolves and for finding the key codes
to put in a magic combo. Nothing is grabbed or forwarded.`,
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().StringSliceVarP(&dumpDevices, "device", "d", nil,
		"Device to read: /dev/input/event* path, name, or unique id (repeatable)")
	_ = dumpCmd.MarkFlagRequired("device")
}

func runDump(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	handles := make([]*device.Handle, 0, len(dumpDevices))
	defer func() {
		for _, h := range handles {
			_ = h.Close()
		}
	}()
	for _, id := range dumpDevices {
		h, err := device.Open(id)
		if err != nil {
			return err
		}
		handles = append(handles, h)
		fmt.Printf("reading %s (%s)\n", h.Path(), h.Name())
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *device.Handle) {
			defer wg.Done()
			for {
				ev, err := h.ReadEvent()
				if err != nil {
					if ctx.Err() == nil && !errors.Is(err, device.ErrClosed) {
						logger.Errorf("reading %s: %v", h.Path(), err)
					}
					return
				}
				fmt.Printf("%s: %s\n", h.Path(), ev)
			}
		}(h)
	}

	// Closing the handles unblocks the readers.
	<-ctx.Done()
	for _, h := range handles {
		_ = h.Close()
	}
	wg.Wait()
	handles = nil
	return nil
}
