// Package version holds the application name and version string. Only
// cmd/dcclient reads it (Vers, for its version banner): the ADC session
// writes its AP value as a literal and sends no VE, and neither the NMDC
// session nor hbri uses this package.
package version

const (
	Name = "dcpp-engine"
	Vers = "0.1.0"
)
