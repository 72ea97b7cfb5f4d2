package device

import (
	"os"
	"path/filepath"
	"strings"
)

// PortLister enumerates candidate serial ports. No serial-enumeration
// library appears anywhere in the retrieval pack this core was grounded on,
// so the default implementation below is a justified, narrow use of the
// standard library (see DESIGN.md).
type PortLister interface {
	ListPorts() ([]PortInfo, error)
}

// udevPortLister scans /dev/serial/by-id (populated by udev on Linux with
// USB vendor:product encoded in the symlink name) for entries whose name
// contains one of a configured set of hardware-id substrings.
type udevPortLister struct {
	dir   string
	hwids []string
}

// NewPortLister builds the default PortLister, filtering by hwids
// (vendor:product substrings, e.g. "16C0:0483").
func NewPortLister(hwids []string) PortLister {
	return &udevPortLister{dir: "/dev/serial/by-id", hwids: hwids}
}

func (l *udevPortLister) ListPorts() ([]PortInfo, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var found []PortInfo
	for _, e := range entries {
		name := e.Name()
		for _, hwid := range l.hwids {
			if strings.Contains(strings.ToLower(name), strings.ToLower(strings.ReplaceAll(hwid, ":", "_"))) ||
				strings.Contains(strings.ToLower(name), strings.ToLower(hwid)) {
				path, err := filepath.EvalSymlinks(filepath.Join(l.dir, name))
				if err != nil {
					continue
				}
				found = append(found, PortInfo{Path: path, HWID: hwid})
				break
			}
		}
	}
	return found, nil
}

// staticPortLister always returns the same single port, used when an
// operator pins a device path in configuration instead of relying on
// discovery.
type staticPortLister struct{ port string }

// NewStaticPortLister builds a PortLister that always reports port, useful
// for a configured serial-port override or for tests.
func NewStaticPortLister(port string) PortLister {
	return &staticPortLister{port: port}
}

func (l *staticPortLister) ListPorts() ([]PortInfo, error) {
	if l.port == "" {
		return nil, nil
	}
	return []PortInfo{{Path: l.port}}, nil
}
