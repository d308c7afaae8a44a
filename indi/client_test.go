package indi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speetb/indi-allsky/camera"
	"github.com/speetb/indi-allsky/fitsimg"
)

const simCCD = "CCD Simulator"

// fakeServer speaks enough of the INDI protocol to drive one simulated CCD
type fakeServer struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	requests []string
	conn     net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{t: t, ln: ln}
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	return s
}

func (s *fakeServer) Addr() string {
	return s.ln.Addr().String()
}

func (s *fakeServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *fakeServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	dec := xml.NewDecoder(conn)
	for {
		tok, err := dec.Token()
		if err != nil {
			return
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch {
		case se.Name.Local == "getProperties":
			dec.Skip()
			s.write(conn, initialDefs)
		case strings.HasPrefix(se.Name.Local, "new"):
			var v xmlVector
			if err := dec.DecodeElement(&v, &se); err != nil {
				return
			}
			_, kind, _ := parseTag(se.Name.Local)
			s.handle(conn, kind, &v)
		default:
			dec.Skip()
		}
	}
}

func (s *fakeServer) write(w io.Writer, frags ...string) {
	for _, f := range frags {
		if _, err := io.WriteString(w, f); err != nil {
			return
		}
	}
}

func vector(op string, k Kind, name, state string, values map[string]string) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "<%s%sVector device=%q name=%q state=%q>", op, k, simCCD, name, state)
	for _, key := range keys {
		fmt.Fprintf(&b, "<one%s name=%q>%s</one%s>", k, key, values[key], k)
	}
	fmt.Fprintf(&b, "</%s%sVector>\n", op, k)
	return b.String()
}

func (s *fakeServer) handle(w io.Writer, k Kind, v *xmlVector) {
	values := make(map[string]string)
	var parts []string
	for _, e := range v.Elements {
		values[e.Name] = strings.TrimSpace(e.Value)
		parts = append(parts, e.Name+"="+values[e.Name])
	}
	sort.Strings(parts)
	s.mu.Lock()
	s.requests = append(s.requests, v.Name+" "+strings.Join(parts, " "))
	s.mu.Unlock()

	switch v.Name {
	case "CONNECTION":
		s.write(w, vector("set", k, v.Name, StateOk, values))
		if values["CONNECT"] == On {
			s.write(w, connectedDefs)
		}
	case "CCD_EXPOSURE":
		sec, _ := strconv.ParseFloat(values["CCD_EXPOSURE_VALUE"], 64)
		if sec > 1000 {
			s.write(w, vector("set", k, v.Name, StateAlert, values))
			return
		}
		s.write(w, vector("set", k, v.Name, StateBusy, values))
		s.write(w, blobVector(s.t))
		s.write(w, vector("set", k, v.Name, StateOk, map[string]string{"CCD_EXPOSURE_VALUE": "0"}))
	case "CCD_TEMPERATURE":
		s.write(w, vector("set", k, v.Name, StateBusy, map[string]string{"CCD_TEMPERATURE_VALUE": "5"}))
		s.write(w, vector("set", k, v.Name, StateOk, values))
	default:
		s.write(w, vector("set", k, v.Name, StateOk, values))
	}
}

func blobVector(t *testing.T) string {
	im := fitsimg.New(4, 2, 16)
	for i := range im.Pix {
		im.Pix[i] = uint16(100 + i)
	}
	var buf bytes.Buffer
	if err := fitsimg.WriteFITS(&buf, im); err != nil {
		t.Error(err)
	}
	enc := base64.StdEncoding.EncodeToString(buf.Bytes())
	// drivers wrap the payload
	var wrapped strings.Builder
	for len(enc) > 72 {
		wrapped.WriteString(enc[:72] + "\n")
		enc = enc[72:]
	}
	wrapped.WriteString(enc)
	return fmt.Sprintf(`<setBLOBVector device=%q name="CCD1" state="Ok"><oneBLOB name="CCD1" size="%d" format=".fits">%s</oneBLOB></setBLOBVector>`,
		simCCD, buf.Len(), wrapped.String())
}

var initialDefs = `<defSwitchVector device="Alpha Focuser" name="CONNECTION" state="Idle" perm="rw" rule="OneOfMany">
<defSwitch name="CONNECT">Off</defSwitch><defSwitch name="DISCONNECT">On</defSwitch>
</defSwitchVector>
<defTextVector device="CCD Simulator" name="DRIVER_INFO" state="Idle" perm="ro">
<defText name="DRIVER_EXEC">indi_simulator_ccd</defText>
</defTextVector>
<defSwitchVector device="CCD Simulator" name="CONNECTION" state="Idle" perm="rw" rule="OneOfMany">
<defSwitch name="CONNECT">Off</defSwitch><defSwitch name="DISCONNECT">On</defSwitch>
</defSwitchVector>
<defNumberVector device="CCD Simulator" name="CCD_EXPOSURE" state="Idle" perm="rw">
<defNumber name="CCD_EXPOSURE_VALUE" format="%5.2f" min="0.001" max="3600" step="1">1</defNumber>
</defNumberVector>
`

var connectedDefs = `<defNumberVector device="CCD Simulator" name="CCD_INFO" state="Idle" perm="ro">
<defNumber name="CCD_MAX_X" min="1" max="16000" step="0">4</defNumber>
<defNumber name="CCD_MAX_Y" min="1" max="16000" step="0">2</defNumber>
<defNumber name="CCD_PIXEL_SIZE" min="1" max="40" step="0">3.75</defNumber>
<defNumber name="CCD_BITSPERPIXEL" min="8" max="64" step="0">16</defNumber>
</defNumberVector>
<defNumberVector device="CCD Simulator" name="CCD_FRAME" state="Idle" perm="rw">
<defNumber name="X" min="0" max="4" step="0">0</defNumber>
<defNumber name="Y" min="0" max="2" step="0">0</defNumber>
<defNumber name="WIDTH" min="1" max="4" step="0">4</defNumber>
<defNumber name="HEIGHT" min="1" max="2" step="0">2</defNumber>
</defNumberVector>
<defNumberVector device="CCD Simulator" name="CCD_GAIN" state="Idle" perm="rw">
<defNumber name="GAIN" min="0" max="300" step="1">0</defNumber>
</defNumberVector>
<defNumberVector device="CCD Simulator" name="CCD_BINNING" state="Idle" perm="rw">
<defNumber name="HOR_BIN" min="1" max="4" step="1">1</defNumber>
<defNumber name="VER_BIN" min="1" max="4" step="1">1</defNumber>
</defNumberVector>
<defSwitchVector device="CCD Simulator" name="CCD_COOLER" state="Idle" perm="rw" rule="OneOfMany">
<defSwitch name="COOLER_ON">Off</defSwitch><defSwitch name="COOLER_OFF">On</defSwitch>
</defSwitchVector>
<defNumberVector device="CCD Simulator" name="CCD_TEMPERATURE" state="Idle" perm="rw">
<defNumber name="CCD_TEMPERATURE_VALUE" min="-50" max="50" step="0">20</defNumber>
</defNumberVector>
<defTextVector device="CCD Simulator" name="CCD_CFA" state="Idle" perm="ro">
<defText name="CFA_OFFSET_X">0</defText><defText name="CFA_OFFSET_Y">0</defText><defText name="CFA_TYPE">RGGB</defText>
</defTextVector>
<defSwitchVector device="CCD Simulator" name="CCD_FRAME_TYPE" state="Idle" perm="rw" rule="OneOfMany">
<defSwitch name="FRAME_LIGHT">On</defSwitch><defSwitch name="FRAME_DARK">Off</defSwitch>
</defSwitchVector>
<defBLOBVector device="CCD Simulator" name="CCD1" state="Idle" perm="ro">
<defBLOB name="CCD1"/>
</defBLOBVector>
`

var quietLog = log.New(io.Discard, "", 0)

func connectClient(t *testing.T, s *fakeServer) *Client {
	t.Helper()
	c := NewClient(s.Addr(), "")
	c.SpoolDir = t.TempDir()
	c.Logger = quietLog
	c.PropertyTimeout = 2 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectReportsInfo(t *testing.T) {
	s := newFakeServer(t)
	c := NewClient(s.Addr(), "")
	c.SpoolDir = t.TempDir()
	c.Logger = quietLog
	defer c.Close()

	info, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, camera.Info{
		Name:        simCCD,
		Driver:      "indi_simulator_ccd",
		Bits:        16,
		CFA:         "RGGB",
		MinGain:     0,
		MaxGain:     300,
		MinExposure: 0.001,
		MaxExposure: 3600,
		Width:       4,
		Height:      2,
		PixelSize:   3.75,
	}, info)

	reqs := s.Requests()
	assert.Contains(t, reqs, "CONNECTION CONNECT=On DISCONNECT=Off")
	assert.Contains(t, reqs, "CCD_FRAME_TYPE FRAME_DARK=On")

	p, ok := c.Property("CCD_FRAME_TYPE")
	require.True(t, ok)
	e, _ := p.Element("FRAME_DARK")
	assert.True(t, e.Switch)
}

func TestConnectNamedCameraMissing(t *testing.T) {
	s := newFakeServer(t)
	c := NewClient(s.Addr(), "QHY CCD")
	c.Logger = quietLog
	c.DeviceTimeout = 200 * time.Millisecond

	_, err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, camera.ErrNoCamera), "got %v", err)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient(addr, "")
	c.Logger = quietLog
	_, err = c.Connect(context.Background())
	assert.Error(t, err)
}

func TestConfigure(t *testing.T) {
	s := newFakeServer(t)
	c := connectClient(t, s)

	require.NoError(t, c.Configure(context.Background(), camera.Condition{Gain: 120, Binning: 2}))
	reqs := s.Requests()
	assert.Contains(t, reqs, "CCD_GAIN GAIN=120")
	assert.Contains(t, reqs, "CCD_BINNING HOR_BIN=2 VER_BIN=2")

	p, ok := c.Property("CCD_GAIN")
	require.True(t, ok)
	e, _ := p.Element("GAIN")
	assert.Equal(t, 120.0, e.Number)
}

func TestExposeDeliversFrame(t *testing.T) {
	s := newFakeServer(t)
	c := connectClient(t, s)

	require.NoError(t, c.Expose(context.Background(), 1.5, true, 2*time.Second))
	assert.Contains(t, s.Requests(), "CCD_EXPOSURE CCD_EXPOSURE_VALUE=1.5")

	select {
	case d := <-c.Frames():
		assert.True(t, strings.HasPrefix(d.Path, c.SpoolDir), d.Path)
		assert.True(t, strings.HasSuffix(d.Path, ".fits"), d.Path)
		im, err := fitsimg.ReadFile(d.Path)
		require.NoError(t, err)
		assert.Equal(t, 4, im.Width)
		assert.Equal(t, 2, im.Height)
		assert.EqualValues(t, 100, im.Pix[0])
		assert.EqualValues(t, 107, im.Pix[7])
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestExposeAlert(t *testing.T) {
	s := newFakeServer(t)
	c := connectClient(t, s)

	err := c.Expose(context.Background(), 2000, true, 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alert")
}

func TestCoolerAndTemperature(t *testing.T) {
	s := newFakeServer(t)
	c := connectClient(t, s)
	ctx := context.Background()

	temp, err := c.Temperature(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20.0, temp)

	require.NoError(t, c.SetCooler(ctx, true))
	require.NoError(t, c.SetTemperature(ctx, -10, true, 2*time.Second))
	temp, err = c.Temperature(ctx)
	require.NoError(t, err)
	assert.Equal(t, -10.0, temp)
	require.NoError(t, c.SetCooler(ctx, false))

	reqs := s.Requests()
	assert.Contains(t, reqs, "CCD_COOLER COOLER_OFF=Off COOLER_ON=On")
	assert.Contains(t, reqs, "CCD_TEMPERATURE CCD_TEMPERATURE_VALUE=-10")
	assert.Contains(t, reqs, "CCD_COOLER COOLER_OFF=On COOLER_ON=Off")
}

func TestApplyDefaults(t *testing.T) {
	s := newFakeServer(t)
	c := connectClient(t, s)
	c.Defaults = Defaults{
		"CCD_GAIN":   {"GAIN": 50},
		"CCD_COOLER": {"COOLER_ON": true, "COOLER_OFF": false},
		"MISSING":    {"X": 1},
	}

	require.NoError(t, c.ApplyDefaults(context.Background()))
	reqs := s.Requests()
	assert.Contains(t, reqs, "CCD_GAIN GAIN=50")
	assert.Contains(t, reqs, "CCD_COOLER COOLER_OFF=Off COOLER_ON=On")
	for _, r := range reqs {
		assert.False(t, strings.HasPrefix(r, "MISSING"), r)
	}
}

func TestClosedClient(t *testing.T) {
	s := newFakeServer(t)
	c := connectClient(t, s)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Expose(context.Background(), 1, false, time.Second)
	assert.True(t, errors.Is(err, camera.ErrNotConnected), "got %v", err)
}

func TestParseNumber(t *testing.T) {
	cases := map[string]float64{
		"1.5":      1.5,
		" 20 ":     20,
		"-10":      -10,
		"12:30":    12.5,
		"-1:30:00": -1.5,
		"10 15 36": 10.26,
		"1e-3":     0.001,
	}
	for in, want := range cases {
		got, err := parseNumber(in)
		if assert.NoError(t, err, in) {
			assert.InDelta(t, want, got, 1e-9, in)
		}
	}
	_, err := parseNumber("abc")
	assert.Error(t, err)
}

func TestNewVector(t *testing.T) {
	b, err := newVector(Number, simCCD, "CCD_BINNING", map[string]string{"VER_BIN": "2", "HOR_BIN": "2"})
	require.NoError(t, err)
	assert.Equal(t,
		`<newNumberVector device="CCD Simulator" name="CCD_BINNING"><oneNumber name="HOR_BIN">2</oneNumber><oneNumber name="VER_BIN">2</oneNumber></newNumberVector>`,
		string(b))

	_, err = formatValue(Light, 1)
	assert.Error(t, err)
	v, err := formatValue(Switch, "true")
	require.NoError(t, err)
	assert.Equal(t, On, v)
}
