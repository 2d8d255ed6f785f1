package conversation

import "errors"

var (
	// ErrInvalidInput marks malformed or empty triggers. They are dropped.
	ErrInvalidInput = errors.New("invalid turn input")
	// ErrTranscription aborts a turn and is reported once to the session.
	ErrTranscription = errors.New("transcription failed")
	// ErrGeneration aborts a turn and is reported once to the session.
	ErrGeneration = errors.New("generation failed")
	// ErrEmission is a transport send failure. It is fatal to the turn.
	ErrEmission = errors.New("emission failed")

	ErrTurnInProgress = errors.New("a turn is already in progress for this session")
	ErrNoActiveTurn   = errors.New("no active turn")
	ErrUnknownGroup   = errors.New("unknown group")
	ErrUnknownClient  = errors.New("unknown client")
)
