package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moveris/rtms-liveness/internal/decoder"
	"github.com/moveris/rtms-liveness/internal/metrics"
	"github.com/moveris/rtms-liveness/internal/moveris"
	"github.com/moveris/rtms-liveness/internal/results"
	"github.com/moveris/rtms-liveness/internal/vision"
)

// runPipeline collects quality face crops for one participant and submits
// them to the Moveris API, recording the outcome in the result store.
//
// The pipeline is strictly sequential: it pulls frames in arrival order,
// filters, extracts, and makes at most one verification call. Insufficient
// frames and API rejections are ordinary outcomes recorded as an error
// verdict; only cancellation exits without a stored result. The extractor
// is released on every path.
func (s *Session) runPipeline(participantID string, queue <-chan *decoder.Frame) {
	defer s.pipelines.Done()
	start := time.Now()

	extractor, err := s.deps.Extractors()
	if err != nil {
		log.Error().
			Str("meeting", s.meetingUUID).
			Str("participant", participantID).
			Err(err).
			Msg("Cannot create face extractor")
		s.storeError(participantID, "extractor unavailable: "+err.Error(), 0, start)
		return
	}
	defer extractor.Close()

	var crops []string
	framesSeen := 0

	wait := time.NewTimer(s.cfg.FrameWait)
	defer wait.Stop()

collect:
	for len(crops) < moveris.RequiredFrames {
		select {
		case <-s.ctx.Done():
			log.Debug().
				Str("meeting", s.meetingUUID).
				Str("participant", participantID).
				Msg("Pipeline cancelled")
			return

		case <-wait.C:
			log.Warn().
				Str("meeting", s.meetingUUID).
				Str("participant", participantID).
				Int("framesSeen", framesSeen).
				Int("crops", len(crops)).
				Int("required", moveris.RequiredFrames).
				Msg("Frame wait timed out")
			break collect

		case frame := <-queue:
			if frame == nil {
				break collect
			}
			framesSeen++

			// Every pull restarts the wait: a live stream keeps the
			// pipeline pulling even when frames fail the filters below.
			if !wait.Stop() {
				select {
				case <-wait.C:
				default:
				}
			}
			wait.Reset(s.cfg.FrameWait)

			if !vision.IsQuality(frame, s.cfg.SharpnessThreshold) {
				continue
			}
			crop, err := extractor.Extract(frame)
			if errors.Is(err, vision.ErrNoFace) {
				continue
			}
			if err != nil {
				log.Warn().
					Str("meeting", s.meetingUUID).
					Str("participant", participantID).
					Err(err).
					Msg("Face extraction failed, skipping frame")
				continue
			}
			crops = append(crops, crop)
		}
	}

	if len(crops) < moveris.RequiredFrames {
		s.storeError(participantID, "insufficient_frames", framesSeen, start)
		return
	}

	resp, err := s.deps.Verifier.CheckCrops(s.ctx, crops[:moveris.RequiredFrames])
	if err != nil {
		if s.ctx.Err() != nil {
			// Session stopped mid-call; cancellation is not an outcome.
			return
		}
		log.Error().
			Str("meeting", s.meetingUUID).
			Str("participant", participantID).
			Err(err).
			Msg("Liveness verification failed")
		s.storeError(participantID, err.Error(), framesSeen, start)
		return
	}

	result := &results.LivenessResult{
		MeetingUUID:   s.meetingUUID,
		ParticipantID: participantID,
		Verdict:       resp.Verdict,
		Score:         resp.Score,
		RealScore:     resp.RealScore,
		FakeScore:     resp.FakeScore,
		Confidence:    resp.Confidence,
		ProcessingMS:  time.Since(start).Milliseconds(),
		FramesSeen:    framesSeen,
		CompletedAt:   time.Now().UTC(),
	}
	if err := s.deps.Store.SetResult(context.Background(), s.meetingUUID, participantID, result); err != nil {
		log.Error().
			Str("meeting", s.meetingUUID).
			Str("participant", participantID).
			Err(err).
			Msg("Cannot store liveness result")
		return
	}
	log.Info().
		Str("meeting", s.meetingUUID).
		Str("participant", participantID).
		Str("verdict", resp.Verdict).
		Float64("score", resp.Score).
		Msg("Liveness result recorded")
	s.emitCheckMetrics(participantID, resp.Verdict, result.ProcessingMS, framesSeen)
}

// storeError records a terminal error verdict for the participant,
// preserving how many frames were pulled and the elapsed processing time.
func (s *Session) storeError(participantID, detail string, framesSeen int, start time.Time) {
	result := &results.LivenessResult{
		MeetingUUID:   s.meetingUUID,
		ParticipantID: participantID,
		Verdict:       "error",
		ProcessingMS:  time.Since(start).Milliseconds(),
		FramesSeen:    framesSeen,
		Error:         detail,
		CompletedAt:   time.Now().UTC(),
	}
	if err := s.deps.Store.SetResult(context.Background(), s.meetingUUID, participantID, result); err != nil {
		log.Error().
			Str("meeting", s.meetingUUID).
			Str("participant", participantID).
			Err(err).
			Msg("Cannot store error result")
	}
	s.emitCheckMetrics(participantID, "error", result.ProcessingMS, framesSeen)
}

// emitCheckMetrics flushes one EMF document per finished liveness check.
func (s *Session) emitCheckMetrics(participantID, verdict string, durationMS int64, framesSeen int) {
	metrics.New().
		Dimension("Verdict", verdict).
		Count("LivenessChecks").
		Metric("CheckDurationMs", float64(durationMS), metrics.UnitMilliseconds).
		Metric("FramesSeen", float64(framesSeen), metrics.UnitCount).
		Property("meetingUuid", s.meetingUUID).
		Property("participant", participantID).
		Flush()
}
