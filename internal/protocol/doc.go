// Package protocol defines executable protocols for Praxis Core.
//
// A protocol is an ordered list of steps plus the resolved asset
// requirements those steps run against. Protocols are registered as Go code
// at startup; script parsing and static analysis happen upstream, so this
// package only ever sees already-resolved requirement lists.
//
// Architecture:
//
//	┌──────────────────────────────────────────────────────┐
//	│                    Registry                          │
//	│  name → Protocol{Requirements, Steps}                │
//	└──────────────────────────────────────────────────────┘
//	          │ Get(name)                    ▲ Register
//	          ▼                              │
//	┌──────────────┐   builds   ┌─────────────────────────┐
//	│ Orchestrator │───────────▶│ Env                     │
//	│              │            │  handles by requirement │
//	│  step loop   │──Run(ctx)─▶│  params, SetVar, Log    │
//	└──────────────┘            └─────────────────────────┘
//
// # Key Types
//
//   - Protocol: named step list with asset requirements
//   - Step / StepFunc: one unit of work against the bound environment
//   - Env: per-run view of granted handles, parameters, and the recorder
//   - Recorder: sink for durable SetVar/Log writes (run state store)
//   - Registry: thread-safe name → protocol map
//
// # Thread Safety
//
// Registry is safe for concurrent use. Env is read-only during execution.
//
// # Usage
//
//	registry := protocol.NewRegistry()
//	registry.SetLogger(log)
//
//	if err := registry.Register(protocol.SelfTest()); err != nil {
//	    return err
//	}
//
//	p, err := registry.Get("self_test")
//	if err != nil {
//	    return err
//	}
//	for _, step := range p.Steps {
//	    if err := step.Run(ctx, env); err != nil {
//	        return err
//	    }
//	}
package protocol
