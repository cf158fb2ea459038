//go:build linux

package actuator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	defaultPermissionPoll = time.Second
	maxSysfsParentWalk    = 4
)

// LinuxHardware finds USB CDC/serial adapters through sysfs and drives them
// as raw termios lines.
type LinuxHardware struct {
	sysRoot        string
	devRoot        string
	permissionPoll time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLinuxHardware() *LinuxHardware {
	return newLinuxHardware("/sys", "/dev", defaultPermissionPoll)
}

func newLinuxHardware(sysRoot, devRoot string, poll time.Duration) *LinuxHardware {
	ctx, cancel := context.WithCancel(context.Background())
	return &LinuxHardware{
		sysRoot:        sysRoot,
		devRoot:        devRoot,
		permissionPoll: poll,
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (h *LinuxHardware) Enumerate() ([]Device, error) {
	base := filepath.Join(h.sysRoot, "class", "tty")
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Device
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "ttyACM") && !strings.HasPrefix(name, "ttyUSB") {
			continue
		}
		vendor, product, ok := usbIDs(filepath.Join(base, name, "device"))
		if !ok {
			continue
		}
		out = append(out, Device{
			ID:        name,
			Path:      filepath.Join(h.devRoot, name),
			VendorID:  vendor,
			ProductID: product,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// usbIDs walks up from a tty's device node to the USB device that carries
// idVendor/idProduct.
func usbIDs(devicePath string) (uint16, uint16, bool) {
	dir, err := filepath.EvalSymlinks(devicePath)
	if err != nil {
		return 0, 0, false
	}
	for i := 0; i <= maxSysfsParentWalk; i++ {
		vendor, verr := readHexID(filepath.Join(dir, "idVendor"))
		product, perr := readHexID(filepath.Join(dir, "idProduct"))
		if verr == nil && perr == nil {
			return vendor, product, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return 0, 0, false
}

func readHexID(path string) (uint16, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func (h *LinuxHardware) HasPermission(dev Device) bool {
	return unix.Access(dev.Path, unix.R_OK|unix.W_OK) == nil
}

// RequestPermission waits for an external agent (udev rule, group change)
// to make the device node accessible.
func (h *LinuxHardware) RequestPermission(dev Device, onGrant func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.permissionPoll)
		defer ticker.Stop()
		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				if h.HasPermission(dev) {
					onGrant()
					return
				}
			}
		}
	}()
}

func (h *LinuxHardware) OpenPort(dev Device, line LineConfig) (Port, error) {
	fd, err := unix.Open(dev.Path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dev.Path, err)
	}
	if err := configureLine(fd, line); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("configure %s: %w", dev.Path, err)
	}
	// A non-blocking fd is registered with the runtime poller, which is what
	// makes SetReadDeadline work.
	f := os.NewFile(uintptr(fd), dev.Path)
	if f == nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("open %s: invalid descriptor", dev.Path)
	}
	return serialPort{f}, nil
}

type serialPort struct {
	*os.File
}

func (p serialPort) Flush() error {
	rc, err := p.SyscallConn()
	if err != nil {
		return err
	}
	var flushErr error
	if err := rc.Control(func(fd uintptr) {
		flushErr = unix.IoctlSetInt(int(fd), unix.TCFLSH, unix.TCIFLUSH)
	}); err != nil {
		return err
	}
	return flushErr
}

// Close stops outstanding permission waits.
func (h *LinuxHardware) Close() error {
	h.cancel()
	h.wg.Wait()
	return nil
}

var baudRates = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

var dataBits = map[int]uint32{
	5: unix.CS5,
	6: unix.CS6,
	7: unix.CS7,
	8: unix.CS8,
}

func configureLine(fd int, line LineConfig) error {
	speed, ok := baudRates[line.BaudRate]
	if !ok {
		return fmt.Errorf("%w: baud rate %d", ErrUnsupported, line.BaudRate)
	}
	size, ok := dataBits[line.DataBits]
	if !ok {
		return fmt.Errorf("%w: %d data bits", ErrUnsupported, line.DataBits)
	}

	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	// Raw mode.
	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CBAUD
	tio.Cflag |= size | unix.CREAD | unix.CLOCAL | speed
	switch line.Parity {
	case ParityOdd:
		tio.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		tio.Cflag |= unix.PARENB
	}
	if line.StopBits == 2 {
		tio.Cflag |= unix.CSTOPB
	}
	tio.Ispeed = speed
	tio.Ospeed = speed
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0

	return unix.IoctlSetTermios(fd, unix.TCSETS, tio)
}
