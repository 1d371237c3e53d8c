/*
Package uievent provides a type-safe pub/sub event bus for observing the
orchestration core without coupling it to any particular renderer.

# Architecture

Publish and PublishSync call subscribers directly, so subscribers retain Go
type information on Event.Data. The bus also creates a watermill gochannel,
exposed through PubSub; events are not sent through it.

# Event Types

Interaction lifecycle:
  - interaction.spawned, interaction.completed, phase.changed

Tool execution:
  - tool_call.before, tool_call.after

Planning and consensus:
  - plan.created, quorum.vote, ensemble_plan.generated

Human-in-the-loop:
  - human_intervention.required, human_intervention.resolved

Streaming and permissions:
  - llm.chunk, permission.required, permission.resolved

# Basic usage

	uievent.PublishSync(uievent.Event{
		Type: uievent.InteractionSpawned,
		Data: uievent.InteractionSpawnedData{ID: id, Form: "agent", Depth: 1},
	})

	unsubscribe := uievent.Subscribe(uievent.PhaseChanged, func(e uievent.Event) {
		data := e.Data.(uievent.PhaseChangedData)
		logging.Info().Str("phase", data.Phase).Msg("phase changed")
	})
	defer unsubscribe()

# Subscriber safety

PublishSync calls subscribers in the publisher's goroutine. Subscribers must
complete quickly, use non-blocking sends, and never re-enter Publish/PublishSync.

# Testing

	uievent.Reset() // clears global bus state between tests
*/
package uievent
