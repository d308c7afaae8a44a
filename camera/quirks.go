package camera

import (
	"strings"
	"time"
)

// WarmUp is a throw-away exposure taken once before a run
type WarmUp struct {
	Seconds float64
	Timeout time.Duration
}

// Quirks are per-model workarounds, looked up once at connect time
type Quirks struct {
	// WarmUp, if not nil, is taken and discarded before the first exposure
	WarmUp *WarmUp

	// ReapplyDefaults re-sends the driver defaults before every exposure
	ReapplyDefaults bool
}

type quirkRule struct {
	driver     string
	namePrefix string
	quirks     Quirks
}

var quirkTable = []quirkRule{
	// the Raspberry Pi HQ camera needs a throw away exposure over 6s before
	// it will take exposures longer than 7s
	{driver: "indi_rpicam", quirks: Quirks{WarmUp: &WarmUp{Seconds: 7, Timeout: 20 * time.Second}}},

	// ASI120 firmware fails exposures after gain changes; the driver drops to
	// 8 bit mode to recover unless the defaults are written again
	{driver: "indi_asi_ccd", namePrefix: "ZWO CCD ASI120", quirks: Quirks{ReapplyDefaults: true}},
	{driver: "indi_asi_single_ccd", namePrefix: "ZWO ASI120", quirks: Quirks{ReapplyDefaults: true}},
}

// LookupQuirks merges every rule matching the driver and device name
func LookupQuirks(info Info) Quirks {
	var q Quirks
	for _, r := range quirkTable {
		if r.driver != info.Driver {
			continue
		}
		if !strings.HasPrefix(info.Name, r.namePrefix) {
			continue
		}
		if r.quirks.WarmUp != nil {
			q.WarmUp = r.quirks.WarmUp
		}
		q.ReapplyDefaults = q.ReapplyDefaults || r.quirks.ReapplyDefaults
	}
	return q
}
