//go:build !linux

package actuator

// LinuxHardware is only functional on Linux.
type LinuxHardware struct{}

func NewLinuxHardware() *LinuxHardware { return &LinuxHardware{} }

func (*LinuxHardware) Enumerate() ([]Device, error) { return nil, ErrUnsupported }
func (*LinuxHardware) HasPermission(Device) bool { return false }
func (*LinuxHardware) RequestPermission(Device, func()) {}
func (*LinuxHardware) OpenPort(Device, LineConfig) (Port, error) { return nil, ErrUnsupported }
func (*LinuxHardware) Close() error { return nil }
