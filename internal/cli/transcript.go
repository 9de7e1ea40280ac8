package cli

import (
	"strings"

	"github.com/fmueller/voxworker/internal/worker"
)

func isBlankTranscript(transcript string) bool {
	trimmed := strings.TrimSpace(transcript)
	if trimmed == "" {
		return true
	}

	return strings.EqualFold(trimmed, worker.BlankAudioToken)
}

func noSpeechHint(path string) string {
	return "No speech detected in " + path + ". Check that the file holds 16 kHz mono audio with audible speech."
}
