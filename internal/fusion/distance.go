// v0
// internal/fusion/distance.go
package fusion

import "math"

// Path-loss defaults: RSSI at one metre and the free-space exponent.
const (
	DefaultReferencePower   = -59.0
	DefaultPathLossExponent = 2.0
)

// EstimateDistance converts an RSSI in dBm to metres with the log-distance
// path loss model d = 10^((P0 - rssi) / (10 n)). An RSSI of exactly zero
// is the receivers' "no reading" marker; it yields 0 and ok=false and must
// not make the anchor active.
func EstimateDistance(rssi int, referencePower, exponent float64) (distance float64, ok bool) {
	if rssi == 0 {
		return 0, false
	}
	if exponent <= 0 {
		exponent = DefaultPathLossExponent
	}
	return math.Pow(10, (referencePower-float64(rssi))/(10*exponent)), true
}
