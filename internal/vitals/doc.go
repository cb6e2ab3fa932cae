// Package vitals holds the domain records shared by the pipeline:
// readings, alerts, bus events and the abnormality rule.
package vitals
