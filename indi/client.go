/*Package indi is a client for INDI device servers, exposing a CCD as a
camera.Device.

The client keeps one TCP connection to the server.  A reader goroutine decodes
the XML stream into a property cache and writes every image BLOB it receives
to a spool directory, announcing the file on the Frames channel.  Control
methods send new*Vector requests and, when asked to, wait on the cache for
the driver to acknowledge them.
*/
package indi

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/speetb/indi-allsky/camera"
	"github.com/speetb/indi-allsky/comm"
)

const (
	// DefaultAddr is where indiserver listens by default
	DefaultAddr = "localhost:7624"

	// DefaultDeviceTimeout bounds the wait for the CCD to be announced
	DefaultDeviceTimeout = 10 * time.Second

	// DefaultPropertyTimeout bounds the wait for a property to be defined or
	// acknowledged
	DefaultPropertyTimeout = 10 * time.Second

	// NoTemperature is reported by sensors without a thermometer
	NoTemperature = -273.15
)

// Defaults are written to the device by ApplyDefaults, property name to
// member name to value
type Defaults map[string]map[string]interface{}

// Client is an INDI connection to one CCD.  It implements camera.Device.
type Client struct {
	// Addr is host:port of indiserver
	Addr string

	// CameraName selects the device; empty uses the first CCD announced
	CameraName string

	Defaults Defaults

	// SpoolDir receives the frames; empty means os.TempDir()
	SpoolDir string

	DialTimeout     time.Duration
	DeviceTimeout   time.Duration
	PropertyTimeout time.Duration

	Logger *log.Logger

	stream  *comm.Stream
	mu      sync.Mutex
	props   map[string]map[string]*Property
	changed chan struct{}
	device  string
	readErr error
	done    chan struct{}
	frames  chan camera.Delivery
}

// NewClient returns a client for the server at addr
func NewClient(addr, cameraName string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Client{
		Addr:       addr,
		CameraName: cameraName,
		frames:     make(chan camera.Delivery, 1),
	}
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Connect dials the server, waits for the CCD, connects it and reads its
// capabilities
func (c *Client) Connect(ctx context.Context) (camera.Info, error) {
	var info camera.Info
	if c.frames == nil {
		c.frames = make(chan camera.Delivery, 1)
	}

	c.logf("Connecting to indiserver at %s", c.Addr)
	s, err := comm.Open(ctx, c.Addr, durationOr(c.DialTimeout, 3*time.Second))
	if err != nil {
		if errors.Is(err, comm.ErrRefused) {
			return info, fmt.Errorf("no indiserver running on %s: %w", c.Addr, err)
		}
		return info, err
	}

	c.mu.Lock()
	c.stream = s
	c.props = make(map[string]map[string]*Property)
	c.changed = make(chan struct{})
	c.done = make(chan struct{})
	c.readErr = nil
	c.device = ""
	c.mu.Unlock()
	go c.read(s.Reader())

	if err := s.Send([]byte(`<getProperties version="1.7"/>`)); err != nil {
		c.Close()
		return info, err
	}

	err = c.waitFor(ctx, durationOr(c.DeviceTimeout, DefaultDeviceTimeout), func() bool {
		c.device = c.findCCD()
		return c.device != ""
	})
	if err != nil {
		c.Close()
		if errors.Is(err, camera.ErrTimeout) {
			if c.CameraName != "" {
				return info, fmt.Errorf("%w: %s", camera.ErrNoCamera, c.CameraName)
			}
			return info, camera.ErrNoCamera
		}
		return info, err
	}
	c.logf("Connecting to device %s", c.device)

	if err := c.connectDevice(ctx); err != nil {
		c.Close()
		return info, err
	}
	blob := fmt.Sprintf(`<enableBLOB device=%q>Also</enableBLOB>`, c.device)
	if err := s.Send([]byte(blob)); err != nil {
		c.Close()
		return info, err
	}
	if _, err := c.property(ctx, "CCD_INFO"); err != nil {
		c.Close()
		return info, err
	}

	info = c.info()

	if err := c.set(ctx, "CCD_FRAME_TYPE", map[string]string{"FRAME_DARK": On}, true, c.propertyTimeout()); err != nil {
		c.logf("Unable to set CCD_FRAME_TYPE to Dark: %v", err)
	}
	return info, nil
}

func (c *Client) propertyTimeout() time.Duration {
	return durationOr(c.PropertyTimeout, DefaultPropertyTimeout)
}

// findCCD is called with mu held
func (c *Client) findCCD() string {
	if c.CameraName != "" {
		if _, ok := c.props[c.CameraName]["CCD_EXPOSURE"]; ok {
			return c.CameraName
		}
		return ""
	}
	names := make([]string, 0, len(c.props))
	for name := range c.props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := c.props[name]["CCD_EXPOSURE"]; ok {
			return name
		}
	}
	return ""
}

func (c *Client) connectDevice(ctx context.Context) error {
	p, err := c.property(ctx, "CONNECTION")
	if err != nil {
		return err
	}
	if e, ok := p.Element("CONNECT"); ok && e.Switch {
		return nil
	}
	return c.set(ctx, "CONNECTION", map[string]string{"CONNECT": On, "DISCONNECT": Off}, true, c.propertyTimeout())
}

// info assembles the capabilities from the cache
func (c *Client) info() camera.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	props := c.props[c.device]
	num := func(prop, elem string) (Element, bool) {
		p, ok := props[prop]
		if !ok {
			return Element{}, false
		}
		return p.Element(elem)
	}

	info := camera.Info{Name: c.device}
	if e, ok := num("DRIVER_INFO", "DRIVER_EXEC"); ok {
		info.Driver = e.Text
	}
	if e, ok := num("CCD_INFO", "CCD_BITSPERPIXEL"); ok {
		info.Bits = int(e.Number)
	}
	if e, ok := num("CCD_INFO", "CCD_PIXEL_SIZE"); ok {
		info.PixelSize = e.Number
	}
	if e, ok := num("CCD_FRAME", "WIDTH"); ok {
		info.Width = int(e.Max)
	} else if e, ok := num("CCD_INFO", "CCD_MAX_X"); ok {
		info.Width = int(e.Number)
	}
	if e, ok := num("CCD_FRAME", "HEIGHT"); ok {
		info.Height = int(e.Max)
	} else if e, ok := num("CCD_INFO", "CCD_MAX_Y"); ok {
		info.Height = int(e.Number)
	}
	if e, ok := num("CCD_EXPOSURE", "CCD_EXPOSURE_VALUE"); ok {
		info.MinExposure = e.Min
		info.MaxExposure = e.Max
	}
	if e, ok := num("CCD_GAIN", "GAIN"); ok {
		info.MinGain, info.MaxGain = int(e.Min), int(e.Max)
	} else if e, ok := num("CCD_CONTROLS", "Gain"); ok {
		info.MinGain, info.MaxGain = int(e.Min), int(e.Max)
	}
	if e, ok := num("CCD_CFA", "CFA_TYPE"); ok {
		info.CFA = e.Text
	}
	return info
}

// waitFor blocks until pred, called with mu held, returns true
func (c *Client) waitFor(ctx context.Context, timeout time.Duration, pred func() bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if pred() {
			c.mu.Unlock()
			return nil
		}
		changed, done, readErr := c.changed, c.done, c.readErr
		c.mu.Unlock()
		if readErr != nil {
			return readErr
		}

		select {
		case <-changed:
		case <-done:
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				err = camera.ErrNotConnected
			}
			return err
		case <-timer.C:
			return camera.ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// property waits for name to be defined on the device
func (c *Client) property(ctx context.Context, name string) (Property, error) {
	var p Property
	err := c.waitFor(ctx, c.propertyTimeout(), func() bool {
		if x, ok := c.props[c.device][name]; ok {
			p = x.clone()
			return true
		}
		return false
	})
	if errors.Is(err, camera.ErrTimeout) {
		return p, camera.ErrPropertyNotFound{Device: c.device, Property: name}
	}
	return p, err
}

// lookup returns the cached property without waiting
func (c *Client) lookup(name string) (Property, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.props[c.device][name]
	if !ok {
		return Property{}, false
	}
	return p.clone(), true
}

// set sends new values for a property.  With wait it blocks until the
// driver answers with a state other than Busy.
func (c *Client) set(ctx context.Context, name string, values map[string]string, wait bool, timeout time.Duration) error {
	return c.setUntil(ctx, name, values, wait, timeout, func(p *Property) bool {
		return p.State != StateBusy
	})
}

func (c *Client) setUntil(ctx context.Context, name string, values map[string]string, wait bool, timeout time.Duration, done func(*Property) bool) error {
	c.mu.Lock()
	p, ok := c.props[c.device][name]
	if !ok {
		c.mu.Unlock()
		return camera.ErrPropertyNotFound{Device: c.device, Property: name}
	}
	kind, gen := p.Kind, p.gen
	c.mu.Unlock()

	b, err := newVector(kind, c.device, name, values)
	if err != nil {
		return err
	}
	if err := c.send(b); err != nil {
		return err
	}
	if !wait {
		return nil
	}

	var alert bool
	err = c.waitFor(ctx, timeout, func() bool {
		p, ok := c.props[c.device][name]
		if !ok || p.gen == gen {
			return false
		}
		if p.State == StateAlert {
			alert = true
			return true
		}
		return done(p)
	})
	if err != nil {
		if errors.Is(err, camera.ErrTimeout) {
			return fmt.Errorf("%w: %s", camera.ErrTimeout, name)
		}
		return err
	}
	if alert {
		return fmt.Errorf("%s on %s reported an alert", name, c.device)
	}
	return nil
}

func (c *Client) send(b []byte) error {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return camera.ErrNotConnected
	}
	return s.Send(b)
}

// ApplyDefaults writes Defaults.  Properties the device does not have are
// logged and skipped.
func (c *Client) ApplyDefaults(ctx context.Context) error {
	names := make([]string, 0, len(c.Defaults))
	for name := range c.Defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, ok := c.lookup(name)
		if !ok {
			c.logf("Property %s not found on %s, skipping default", name, c.device)
			continue
		}
		values := make(map[string]string, len(c.Defaults[name]))
		for elem, v := range c.Defaults[name] {
			s, err := formatValue(p.Kind, v)
			if err != nil {
				return fmt.Errorf("default %s.%s: %w", name, elem, err)
			}
			values[elem] = s
		}
		c.logf("Setting %s: %v", name, values)
		if err := c.set(ctx, name, values, true, c.propertyTimeout()); err != nil {
			return err
		}
	}
	return nil
}

// Configure sets the gain and binning
func (c *Client) Configure(ctx context.Context, cond camera.Condition) error {
	gain := fmt.Sprint(cond.Gain)
	switch {
	case c.has("CCD_GAIN"):
		if err := c.set(ctx, "CCD_GAIN", map[string]string{"GAIN": gain}, true, c.propertyTimeout()); err != nil {
			return err
		}
	case c.has("CCD_CONTROLS"):
		if err := c.set(ctx, "CCD_CONTROLS", map[string]string{"Gain": gain}, true, c.propertyTimeout()); err != nil {
			return err
		}
	default:
		return camera.ErrPropertyNotFound{Device: c.device, Property: "CCD_GAIN"}
	}

	bin := fmt.Sprint(cond.Binning)
	return c.set(ctx, "CCD_BINNING", map[string]string{"HOR_BIN": bin, "VER_BIN": bin}, true, c.propertyTimeout())
}

func (c *Client) has(name string) bool {
	_, ok := c.lookup(name)
	return ok
}

// SetCooler enables or disables the cooler.  A device without one is not
// an error.
func (c *Client) SetCooler(ctx context.Context, on bool) error {
	if !c.has("CCD_COOLER") {
		c.logf("%s has no cooler", c.device)
		return nil
	}
	values := map[string]string{"COOLER_ON": Off, "COOLER_OFF": On}
	if on {
		values = map[string]string{"COOLER_ON": On, "COOLER_OFF": Off}
	}
	return c.set(ctx, "CCD_COOLER", values, true, c.propertyTimeout())
}

// SetTemperature sets the cooler target.  With sync it waits until the
// driver reports the target reached or the sensor is within 1C of it.
func (c *Client) SetTemperature(ctx context.Context, celsius float64, sync bool, timeout time.Duration) error {
	if !c.has("CCD_TEMPERATURE") {
		c.logf("%s has no temperature control", c.device)
		return nil
	}
	values := map[string]string{"CCD_TEMPERATURE_VALUE": fmt.Sprint(celsius)}
	return c.setUntil(ctx, "CCD_TEMPERATURE", values, sync, timeout, func(p *Property) bool {
		if p.State == StateOk {
			return true
		}
		e, ok := p.Element("CCD_TEMPERATURE_VALUE")
		return ok && math.Abs(e.Number-celsius) <= 1
	})
}

// Expose starts an exposure.  With sync it waits until the driver reports
// the exposure finished.
func (c *Client) Expose(ctx context.Context, seconds float64, sync bool, timeout time.Duration) error {
	values := map[string]string{"CCD_EXPOSURE_VALUE": fmt.Sprint(seconds)}
	return c.setUntil(ctx, "CCD_EXPOSURE", values, sync, timeout, func(p *Property) bool {
		return p.State == StateOk || p.State == StateIdle
	})
}

// Temperature is the sensor temperature.  Sensors without a thermometer
// report NoTemperature.
func (c *Client) Temperature(ctx context.Context) (float64, error) {
	p, ok := c.lookup("CCD_TEMPERATURE")
	if !ok {
		return NoTemperature, nil
	}
	e, ok := p.Element("CCD_TEMPERATURE_VALUE")
	if !ok {
		return NoTemperature, nil
	}
	return e.Number, nil
}

// Frames implements camera.Device
func (c *Client) Frames() <-chan camera.Delivery {
	return c.frames
}

// Property returns a copy of a cached property of the connected device
func (c *Client) Property(name string) (Property, bool) {
	return c.lookup(name)
}

// Close drops the connection and waits for the reader to exit
func (c *Client) Close() error {
	c.mu.Lock()
	s, done := c.stream, c.done
	c.stream = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	err := s.Close()
	if done != nil {
		<-done
	}
	return err
}

// read decodes the server stream until it fails
func (c *Client) read(r io.Reader) {
	dec := xml.NewDecoder(r)
	var err error
	defer func() {
		c.mu.Lock()
		if c.stream != nil {
			c.readErr = fmt.Errorf("indiserver connection lost: %w", err)
		}
		close(c.done)
		c.mu.Unlock()
	}()

	for {
		var tok xml.Token
		tok, err = dec.Token()
		if err != nil {
			return
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var v xmlVector
		switch se.Name.Local {
		case "message":
			if err = dec.DecodeElement(&v, &se); err != nil {
				return
			}
			c.logf("[%s] %s", v.Device, v.Message)
			continue
		case "delProperty":
			if err = dec.DecodeElement(&v, &se); err != nil {
				return
			}
			c.remove(&v)
			continue
		}

		op, kind, ok := parseTag(se.Name.Local)
		if !ok || op == "new" {
			if err = dec.Skip(); err != nil {
				return
			}
			continue
		}
		if err = dec.DecodeElement(&v, &se); err != nil {
			return
		}
		if kind == BLOB && op == "set" {
			c.spool(&v)
		}
		c.apply(op == "def", kind, &v)
	}
}

func (c *Client) apply(def bool, kind Kind, v *xmlVector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, ok := c.props[v.Device]
	if !ok {
		if !def {
			return
		}
		dev = make(map[string]*Property)
		c.props[v.Device] = dev
	}
	p, ok := dev[v.Name]
	if !ok {
		if !def {
			return
		}
		p = &Property{Device: v.Device, Name: v.Name, Kind: kind}
		dev[v.Name] = p
	}
	p.update(v, def)
	if v.Message != "" {
		c.logf("[%s] %s", v.Device, v.Message)
	}
	c.notify()
}

func (c *Client) remove(v *xmlVector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.Name == "" {
		delete(c.props, v.Device)
	} else {
		delete(c.props[v.Device], v.Name)
	}
	c.notify()
}

// notify wakes every waiter; called with mu held
func (c *Client) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// spool writes the image members of a BLOB vector to files and announces
// them.  A frame nobody is waiting for is dropped.
func (c *Client) spool(v *xmlVector) {
	c.mu.Lock()
	device := c.device
	c.mu.Unlock()
	if device != "" && v.Device != device {
		return
	}
	for _, e := range v.Elements {
		data := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\n', '\r', '\t':
				return -1
			}
			return r
		}, e.Value)
		if data == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			c.logf("Undecodable BLOB %s.%s: %v", v.Name, e.Name, err)
			continue
		}
		ext := e.Format
		if ext == "" {
			ext = ".fits"
		}
		f, err := os.CreateTemp(c.SpoolDir, "indi_*"+ext)
		if err != nil {
			c.logf("Unable to spool frame: %v", err)
			continue
		}
		_, err = f.Write(raw)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			c.logf("Unable to spool frame: %v", err)
			os.Remove(f.Name())
			continue
		}

		select {
		case c.frames <- camera.Delivery{Path: f.Name()}:
		default:
			c.logf("Frame queue full, dropping %s", f.Name())
			os.Remove(f.Name())
		}
	}
}
