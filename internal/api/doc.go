// Package api exposes the trigger surface consumed by the external
// scheduler and by operators: job triggers, dispute resolution, escrow
// lookup and the health report.
package api
