// Package authority resolves cited source ids to governance tiers and
// strengths. The registry is an explicit value constructed once at process
// start and injected into the engine; there is no process-global table.
package authority
