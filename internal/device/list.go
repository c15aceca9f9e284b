package device

import (
	"fmt"
	"strings"

	"github.com/holoplot/go-evdev"
)

// Info is a human-oriented snapshot of one input device, used by the list
// command.
type Info struct {
	Path  string
	Name  string
	Uniq  string
	Types []string
}

func (i Info) String() string {
	name := i.Name
	if name == "" {
		name = "unset"
	}
	uniq := i.Uniq
	if uniq == "" {
		uniq = "unset"
	}
	return fmt.Sprintf("%s: name=%q uniq=%q types=%s",
		i.Path, name, uniq, strings.Join(i.Types, ","))
}

// List enumerates all visible input devices. Devices that cannot be opened
// (usually a permission problem) are listed by path alone.
func List() ([]Info, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}
	infos := make([]Info, 0, len(paths))
	for _, p := range paths {
		info := Info{Path: p.Path, Name: p.Name}
		if d, err := evdev.Open(p.Path); err == nil {
			info.Uniq, _ = d.UniqueID()
			for _, t := range d.CapableTypes() {
				info.Types = append(info.Types, evdev.TypeName(t))
			}
			_ = d.Close()
		}
		infos = append(infos, info)
	}
	return infos, nil
}
