// Package command sends operator commands to devices.
//
// A Dispatcher validates one Request, publishes the command's fixed payload
// on <namespace>/<deviceId>/<wire name> through the broker client, and
// reports the result synchronously as an Outcome. Every dispatch is a single
// attempt: nothing is retried and nothing is retained on the broker, because
// the firmware has no idempotency token and would act on a replay.
//
// Success means the broker accepted the message (or, under fire-and-forget
// delivery, that it was handed to the connection). It never means the device
// acted on it; no acknowledgement topic exists.
package command
