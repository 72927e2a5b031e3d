// Package handoff escalates an AI-assisted chat into a human support
// conversation.
//
// The packager runs exactly once per escalation. It classifies the
// transcript (intent, urgency, category), builds a summary, and
// attaches the whole bundle as the new conversation's context. The
// context is written at creation and never mutated; every later fetch
// returns the identical payload.
package handoff
