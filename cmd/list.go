package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lierdakil/hoip/internal/device"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List input devices",
	Long: `Enumerate the input devices visible under /dev/input, with the name and
unique id each one reports. Any of the three identifiers works as a
--device argument to the capture command.`,
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	infos, err := device.List()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no input devices found (are you in the input group?)")
		return nil
	}
	for _, info := range infos {
		fmt.Println(info.String())
	}
	return nil
}
