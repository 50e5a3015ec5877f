// Package sim provides the discrete-time building facility simulation engine.
//
// # Reading Guide
//
// Start with these files to understand the simulation kernel:
//   - facility.go: the Facility interface, per-kind dispatch table and physical Effect
//   - hvac.go, storage.go, pv.go: the three facility state machines
//   - area.go: lumped-capacitance thermal model composing facility effects
//   - building.go: BuildingState snapshots and positional BuildingAction decoding
//   - simulator.go: the clock, Step, and reward computation
//
// # Architecture
//
// The sim package owns the physics; everything distributed lives in sub-packages:
//   - sim/scenario/: topology and environment loading (YAML/JSON, CSV series)
//   - sim/model/: the Model capability consumed by workers and the reference policy
//   - sim/trace/: bounded per-segment history records
//   - sim/wire/: length-prefixed framing and the versioned message envelope
//   - sim/federation/: the round coordinator
//   - sim/worker/: the worker runtime
//
// One tick is one simulated minute. Step is fully deterministic: the same
// environment series, starting areas and action sequence always produce the
// same BuildingState sequence.
package sim
