// Package orchestrator provides the automation controller: it drives a
// workflow instance step by step and decides after every step whether to
// continue, recommend, escalate, pause, fail, or complete.
//
// # Overview
//
// The controller owns all mutable workflow state (the instance, the
// checkpoint ring, the menu history, the stall hashes). Helper components
// return results and the controller applies them, so there is a single
// logical thread per instance. Only parallel validation runs concurrently.
//
// # States
//
//	PENDING → RUNNING → (VALIDATING ⇄ RECOVERING) → (AWAITING_USER) → COMPLETING
//	        → COMPLETED | FAILED | CANCELLED
//
// Every state has a path to a terminal state, and a state entered five
// times without the workflow advancing forces FAILED.
//
// # Per-step flow
//
//  1. Replay check: a PASSED result with the same input hash is skipped.
//  2. Checkpoint, then execute under the agent timeout. Menus in the output
//     are navigated; confident choices are fed back to the executor.
//  3. Parallel validation of the step's checks under the nested timeout.
//  4. Gates. A firing gate bypasses confidence and escalates.
//  5. Failures go through stall detection and then the recovery chain.
//  6. Confidence routing: ≥80 continue, 50-79 recommend, <50 pause.
//     Steps with required oversight always pause.
//
// Continue decisions are batched by tier before a checkpoint is surfaced to
// the human: tiers 0-1 never, tier 2 every 5, tier 3 every 3, tier 4 every
// step.
//
// # Usage
//
//	ctrl, err := orchestrator.New(inst, orchestrator.Deps{
//	    Executor:    exec,
//	    Checker:     exec,
//	    Checkpoints: checkpoints,
//	    Human:       human.NewTimed(console, human.DefaultTimeouts(), logger),
//	}, orchestrator.DefaultConfig(), logger)
//	result := ctrl.Run(ctx)
package orchestrator
