package ptt

import (
	"errors"

	"github.com/lexiqai/ptt-gateway/internal/observability"
	"github.com/lexiqai/ptt-gateway/internal/stt"
)

// reaction is what the controller does with an engine error
type reaction int

const (
	reactIgnore reaction = iota
	reactDenied
	reactRetry
	reactFail
)

// classifyEngineError maps an engine error kind to a reaction
func classifyEngineError(kind stt.ErrorKind) reaction {
	switch kind {
	case stt.ErrorNotAllowed, stt.ErrorServiceNotAllowed:
		return reactDenied
	case stt.ErrorNoSpeech, stt.ErrorAborted:
		// Holding silently and our own stop both land here
		return reactIgnore
	case stt.ErrorNetwork:
		return reactRetry
	default:
		return reactFail
	}
}

func failureFor(kind stt.ErrorKind) failure {
	if kind == stt.ErrorAudioCapture {
		return failAudio
	}
	return failUnknown
}

// startSession opens an engine session for the current phase
func (c *Controller) startSession(reason string) {
	stream := c.gate.Stream()
	if stream == nil {
		c.logger.Warn().Str("reason", reason).Msg("No microphone stream to start recognition")
		c.stopSession()
		c.fail(failAudio)
		return
	}

	id, err := c.engine.Start(c.ctx, stt.StartRequest{Audio: stream, Language: c.opts.Language})
	switch {
	case err == nil:
		c.sc.session = id
		if c.sc.firstSession == 0 {
			c.sc.firstSession = id
		}
		c.logger.Debug().Uint64("stt_session", id).Str("reason", reason).Msg("Recognition starting")
	case errors.Is(err, stt.ErrEngineBusy):
		// A previous session is still winding down; stop it and try again
		c.logger.Debug().Str("reason", reason).Msg("Recognition already running, restarting")
		c.stopSession()
		phase := c.sc.phase
		c.after(c.opts.Timing.RestartDelay, func() {
			if c.sc.phase != phase || c.sc.session != 0 {
				return
			}
			c.restartIfHolding("busy")
		})
	default:
		c.logger.Warn().Err(err).Str("reason", reason).Msg("Failed to start recognition")
		c.handleNetworkError(err.Error())
	}
}

func (c *Controller) stopSession() {
	if err := c.engine.Stop(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to stop recognition")
	}
	c.sc.session = 0
}

// restartIfHolding is the shared guard for silence restarts, network
// retries and busy-engine restarts
func (c *Controller) restartIfHolding(reason string) {
	if c.sc.state != StateRecording || !c.gesture.Holding() || c.sc.suppressRestart {
		c.logger.Debug().Str("reason", reason).Msg("Restart skipped")
		return
	}
	observability.RecordRestart(reason)
	c.startSession(reason)
}

func (c *Controller) handleEngine(ev stt.Event) {
	switch ev.Type {
	case stt.EventStarted:
		if ev.Session == c.sc.session && ev.Session != 0 {
			c.logger.Debug().Uint64("stt_session", ev.Session).Msg("Recognition started")
		}

	case stt.EventResult:
		// Trailing results from a stopped session of this phase still count
		if c.sc.state != StateRecording && c.sc.state != StateProcessing {
			return
		}
		if c.sc.firstSession == 0 || ev.Session < c.sc.firstSession {
			return
		}
		if ev.Final != "" {
			c.transcript.AppendFinal(ev.Final)
			c.transcript.SetInterim("")
		} else {
			c.transcript.SetInterim(ev.Interim)
		}
		c.publish()

	case stt.EventEnded:
		if ev.Session == 0 || ev.Session != c.sc.session {
			return
		}
		c.sc.session = 0
		if c.sc.retryPending {
			return
		}
		// Engines end sessions on their own after silence; keep listening
		// while the user is still holding
		c.restartIfHolding("silence")

	case stt.EventError:
		if ev.Session == 0 || ev.Session != c.sc.session {
			return
		}
		c.handleEngineError(ev)
	}
}

func (c *Controller) handleEngineError(ev stt.Event) {
	log := c.logger.With().
		Uint64("stt_session", ev.Session).
		Str("kind", string(ev.Kind)).
		Str("detail", ev.Detail).
		Logger()

	switch classifyEngineError(ev.Kind) {
	case reactIgnore:
		log.Debug().Msg("Recognition error ignored")
	case reactDenied:
		log.Warn().Msg("Recognition not allowed")
		c.gate.MarkDenied()
		c.stopSession()
		c.fail(failDenied)
	case reactRetry:
		c.handleNetworkError(ev.Detail)
	case reactFail:
		log.Error().Msg("Recognition failed")
		c.stopSession()
		if ev.Kind == stt.ErrorAudioCapture {
			// The device stream is gone; the next press asks for a new one
			c.gate.Invalidate()
		}
		observability.ReportError(errors.New(ev.Detail), map[string]string{
			"component": "ptt",
			"kind":      string(ev.Kind),
		})
		c.fail(failureFor(ev.Kind))
	}
}

// handleNetworkError consults the retry policy for a transient failure
func (c *Controller) handleNetworkError(detail string) {
	if c.sc.state != StateRecording {
		return
	}
	if c.transcript.HasFinal() {
		// Keep what was captured; the release path sends it
		c.sc.suppressRestart = true
		c.logger.Info().Str("detail", detail).Msg("Network error after speech, holding transcript for release")
		return
	}

	decision := c.opts.Timing.Retry.Next(c.sc.retries, c.gesture.Holding())
	c.stopSession()
	if !decision.Retry {
		c.logger.Warn().Str("detail", detail).Int("attempts", c.sc.retries).Msg("Network retries exhausted")
		c.fail(failNetwork)
		return
	}

	c.sc.retries = decision.Attempt
	c.sc.retryPending = true
	c.logger.Info().
		Str("detail", detail).
		Int("attempt", decision.Attempt).
		Dur("delay", decision.Delay).
		Msg("Network error, retrying")

	phase := c.sc.phase
	c.after(decision.Delay, func() {
		if c.sc.phase != phase || !c.sc.retryPending {
			return
		}
		c.sc.retryPending = false
		c.restartIfHolding("network")
	})
}
