package indi

import (
	"encoding/xml"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Property states
const (
	StateIdle  = "Idle"
	StateOk    = "Ok"
	StateBusy  = "Busy"
	StateAlert = "Alert"
)

// Switch values
const (
	On  = "On"
	Off = "Off"
)

// Kind is the type of a property vector
type Kind int

const (
	Number Kind = iota
	Switch
	Text
	Light
	BLOB
)

var kindNames = map[string]Kind{
	"Number": Number,
	"Switch": Switch,
	"Text":   Text,
	"Light":  Light,
	"BLOB":   BLOB,
}

func (k Kind) String() string {
	for s, v := range kindNames {
		if v == k {
			return s
		}
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// parseTag splits a vector tag such as defNumberVector into its operation
// (def, set or new) and kind
func parseTag(local string) (op string, k Kind, ok bool) {
	if !strings.HasSuffix(local, "Vector") {
		return "", 0, false
	}
	body := strings.TrimSuffix(local, "Vector")
	for _, prefix := range []string{"def", "set", "new"} {
		if strings.HasPrefix(body, prefix) {
			k, ok = kindNames[strings.TrimPrefix(body, prefix)]
			return prefix, k, ok
		}
	}
	return "", 0, false
}

// xmlElement is any def*, one* member of a vector
type xmlElement struct {
	XMLName xml.Name
	Name    string `xml:"name,attr"`
	Label   string `xml:"label,attr"`
	Format  string `xml:"format,attr"`
	Min     string `xml:"min,attr"`
	Max     string `xml:"max,attr"`
	Step    string `xml:"step,attr"`
	Size    string `xml:"size,attr"`
	Value   string `xml:",chardata"`
}

// xmlVector is any def*Vector, set*Vector, new*Vector, delProperty or
// message
type xmlVector struct {
	XMLName   xml.Name
	Device    string       `xml:"device,attr"`
	Name      string       `xml:"name,attr"`
	Label     string       `xml:"label,attr"`
	Group     string       `xml:"group,attr"`
	State     string       `xml:"state,attr"`
	Perm      string       `xml:"perm,attr"`
	Rule      string       `xml:"rule,attr"`
	Timeout   string       `xml:"timeout,attr"`
	Timestamp string       `xml:"timestamp,attr"`
	Message   string       `xml:"message,attr"`
	Elements  []xmlElement `xml:",any"`
}

// Element is one member of a property
type Element struct {
	Name  string
	Label string

	// Text is the raw value; Number and Switch hold the parsed forms
	Text   string
	Number float64
	Switch bool

	Min, Max, Step float64
	Format         string
}

// Property is the cached state of a property vector
type Property struct {
	Device   string
	Name     string
	Group    string
	Kind     Kind
	State    string
	Perm     string
	Rule     string
	Elements []Element

	// gen increments on every update from the server
	gen uint64
}

// Element looks up a member by name
func (p *Property) Element(name string) (Element, bool) {
	for _, e := range p.Elements {
		if e.Name == name {
			return e, true
		}
	}
	return Element{}, false
}

func (p *Property) clone() Property {
	cp := *p
	cp.Elements = append([]Element(nil), p.Elements...)
	return cp
}

func (p *Property) element(name string) *Element {
	for i := range p.Elements {
		if p.Elements[i].Name == name {
			return &p.Elements[i]
		}
	}
	p.Elements = append(p.Elements, Element{Name: name})
	return &p.Elements[len(p.Elements)-1]
}

// update merges the members of v into p
func (p *Property) update(v *xmlVector, def bool) {
	if v.State != "" {
		p.State = v.State
	}
	if def {
		p.Group = v.Group
		p.Perm = v.Perm
		p.Rule = v.Rule
	}
	for _, x := range v.Elements {
		e := p.element(x.Name)
		if x.Label != "" {
			e.Label = x.Label
		}
		if x.Format != "" {
			e.Format = x.Format
		}
		if x.Min != "" {
			e.Min, _ = parseNumber(x.Min)
		}
		if x.Max != "" {
			e.Max, _ = parseNumber(x.Max)
		}
		if x.Step != "" {
			e.Step, _ = parseNumber(x.Step)
		}
		if p.Kind == BLOB {
			continue
		}
		e.Text = strings.TrimSpace(x.Value)
		switch p.Kind {
		case Number:
			e.Number, _ = parseNumber(e.Text)
		case Switch:
			e.Switch = e.Text == On
		}
	}
	p.gen++
}

// parseNumber reads a decimal or sexagesimal (d:m:s) number
func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ' ' })
	if len(parts) == 0 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	neg := strings.HasPrefix(parts[0], "-")
	var v float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimPrefix(p, "-"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", s)
		}
		v += f / math.Pow(60, float64(i))
	}
	if neg {
		v = -v
	}
	return v, nil
}

// outElement is a one* member of an outbound new*Vector
type outElement struct {
	XMLName xml.Name
	Name    string `xml:"name,attr"`
	Value   string `xml:",chardata"`
}

type outVector struct {
	XMLName  xml.Name
	Device   string       `xml:"device,attr"`
	Name     string       `xml:"name,attr"`
	Elements []outElement `xml:",any"`
}

// newVector encodes a client request to change a property.  Members are
// written in name order.
func newVector(k Kind, device, name string, values map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	v := outVector{
		XMLName: xml.Name{Local: "new" + k.String() + "Vector"},
		Device:  device,
		Name:    name,
	}
	for _, key := range keys {
		v.Elements = append(v.Elements, outElement{
			XMLName: xml.Name{Local: "one" + k.String()},
			Name:    key,
			Value:   values[key],
		})
	}
	return xml.Marshal(v)
}

// formatValue renders a configuration value for a member of kind k
func formatValue(k Kind, v interface{}) (string, error) {
	switch k {
	case Switch:
		switch t := v.(type) {
		case bool:
			if t {
				return On, nil
			}
			return Off, nil
		case string:
			if strings.EqualFold(t, On) || strings.EqualFold(t, "true") {
				return On, nil
			}
			if strings.EqualFold(t, Off) || strings.EqualFold(t, "false") {
				return Off, nil
			}
		case int:
			if t != 0 {
				return On, nil
			}
			return Off, nil
		}
		return "", fmt.Errorf("invalid switch value %v", v)
	case Number:
		switch t := v.(type) {
		case int:
			return strconv.Itoa(t), nil
		case int64:
			return strconv.FormatInt(t, 10), nil
		case float64:
			return strconv.FormatFloat(t, 'g', -1, 64), nil
		case string:
			if _, err := parseNumber(t); err != nil {
				return "", err
			}
			return t, nil
		}
		return "", fmt.Errorf("invalid number value %v", v)
	case Text:
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("%s properties are read only", k)
}
