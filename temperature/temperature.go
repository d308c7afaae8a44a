// Package temperature holds the sensor temperature type and the fallback
// used when a camera cannot report its own temperature.
package temperature

// Celsius is a temperature in C
type Celsius float64

// Unsupported is the floor below which a camera reported temperature is
// treated as "the driver has no sensor".  INDI drivers without a thermometer
// commonly report absolute zero or a large negative placeholder.
const Unsupported Celsius = -100

// Plausible returns true if c looks like a real reading
func (c Celsius) Plausible() bool {
	return c >= Unsupported
}
