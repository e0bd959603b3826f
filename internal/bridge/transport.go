package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/verdantlabs/canopy/internal/bcc"
	"github.com/verdantlabs/canopy/internal/twin"
)

var (
	// ErrNotConnected rejects reads and writes before Connect.
	ErrNotConnected = errors.New("transport not connected")
	// ErrWriteRejected means the plant refused the setpoint.
	ErrWriteRejected = errors.New("setpoint write rejected")
)

// Transport is the plant-facing side of the bridge. Implementations
// must tolerate repeated Connect and Disconnect calls.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	ReadSensors(ctx context.Context) (map[string]float64, error)
	WriteSetpoint(ctx context.Context, id string, value float64, user bool) error
	Disconnect() error
}

// SimDriver serves plant reads and writes from the digital twin.
type SimDriver struct {
	twin *twin.Twin
}

// NewSimDriver wraps the twin as a transport.
func NewSimDriver(tw *twin.Twin) *SimDriver {
	return &SimDriver{twin: tw}
}

func (d *SimDriver) Name() string                      { return "sim" }
func (d *SimDriver) Connect(ctx context.Context) error { return nil }
func (d *SimDriver) Disconnect() error                 { return nil }

func (d *SimDriver) ReadSensors(ctx context.Context) (map[string]float64, error) {
	return d.twin.Snapshot().Sensors, nil
}

func (d *SimDriver) WriteSetpoint(ctx context.Context, id string, value float64, user bool) error {
	source := twin.SourceAgent
	if user {
		source = twin.SourceUser
	}
	if !d.twin.SetActuator(id, value, source) {
		return fmt.Errorf("%w: %s", ErrWriteRejected, id)
	}
	return nil
}

// HardwareDriver talks to a PLC station over a line-oriented TCP
// protocol with checksummed frames. Each exchange is one frame out,
// one frame back.
type HardwareDriver struct {
	endpoint string
	unitNo   int

	mu   sync.Mutex
	conn net.Conn
	rw   *bufio.ReadWriter
}

// NewHardwareDriver targets a station at host:port.
func NewHardwareDriver(endpoint string, unitNo int) *HardwareDriver {
	return &HardwareDriver{endpoint: endpoint, unitNo: unitNo}
}

func (d *HardwareDriver) Name() string { return "hardware" }

func (d *HardwareDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.endpoint)
	if err != nil {
		return fmt.Errorf("failed to dial station %s: %w", d.endpoint, err)
	}
	d.conn = conn
	d.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	return nil
}

func (d *HardwareDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	d.rw = nil
	return err
}

// exchange writes one frame and reads the CR-terminated reply.
func (d *HardwareDriver) exchange(ctx context.Context, command, data string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return "", ErrNotConnected
	}

	if deadline, ok := ctx.Deadline(); ok {
		d.conn.SetDeadline(deadline)
	} else {
		d.conn.SetDeadline(time.Now().Add(5 * time.Second))
	}

	frame := bcc.BuildFrame(d.unitNo, command, data)
	if _, err := d.rw.WriteString(frame); err != nil {
		return "", fmt.Errorf("failed to send %s frame: %w", command, err)
	}
	if err := d.rw.Flush(); err != nil {
		return "", fmt.Errorf("failed to flush %s frame: %w", command, err)
	}

	reply, err := d.rw.ReadString('\r')
	if err != nil {
		return "", fmt.Errorf("failed to read %s reply: %w", command, err)
	}
	if !bcc.VerifyFrame(reply) {
		return "", fmt.Errorf("corrupt reply frame for %s: %q", command, reply)
	}
	// Strip envelope, unit number, and check code.
	body := reply[1 : len(reply)-3]
	if i := strings.IndexByte(body, '#'); i >= 0 {
		body = body[i+1:]
	}
	return body, nil
}

// ReadSensors issues a bulk read. The station replies with
// comma-separated id=value pairs.
func (d *HardwareDriver) ReadSensors(ctx context.Context) (map[string]float64, error) {
	body, err := d.exchange(ctx, "RD", "ALL")
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, pair := range strings.Split(body, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(k)] = f
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("station returned no readings: %q", body)
	}
	return out, nil
}

func (d *HardwareDriver) WriteSetpoint(ctx context.Context, id string, value float64, user bool) error {
	who := "AGENT"
	if user {
		who = "USER"
	}
	data := fmt.Sprintf("%s_%s=%s", who, id, strconv.FormatFloat(value, 'f', -1, 64))
	body, err := d.exchange(ctx, "WD", data)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(body, "OK") {
		return fmt.Errorf("%w: station said %q", ErrWriteRejected, body)
	}
	return nil
}
