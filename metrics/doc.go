// Package metrics defines the prometheus collectors of the execution service.
package metrics
