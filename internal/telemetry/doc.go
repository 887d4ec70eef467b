// Package telemetry polls the brick's battery on a cron schedule through the
// low-priority lane, so polling never delays interactive commands.
package telemetry
