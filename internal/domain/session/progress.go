package session

// Progress combines a client-reported fraction with an internally computed
// one at fixed weights and publishes only on meaningful movement, so
// observers are not flooded by byte-level updates.

const (
	clientWeight   = 0.8
	internalWeight = 0.2
	// publishDelta is the minimum change worth publishing.
	publishDelta = 0.01
)

// SetClientProgress records the client-reported fraction, clamped to [0,1].
func (s *Session) SetClientProgress(p float64) {
	s.mu.Lock()
	s.clientProgress = clamp01(p)
	publish, value := s.computeProgressLocked(false)
	s.mu.Unlock()

	if publish {
		s.publishProgress(value)
	}
}

// Progress returns the last published combined fraction.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reportedProgress
}

// addWrittenBytes advances client progress proportionally to bytes copied,
// when the session was opened with a total size hint.
func (s *Session) addWrittenBytes(n int64) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.WriteBytesTotal.Add(float64(n))
	}

	s.mu.Lock()
	s.writtenBytes += n
	if s.params.SizeBytes <= 0 {
		s.mu.Unlock()
		return
	}
	frac := clamp01(float64(s.writtenBytes) / float64(s.params.SizeBytes))
	if frac > s.clientProgress {
		s.clientProgress = frac
	}
	publish, value := s.computeProgressLocked(false)
	s.mu.Unlock()

	if publish {
		s.publishProgress(value)
	}
}

// setInternalProgressLocked records validation-side progress. Caller holds s.mu.
func (s *Session) setInternalProgressLocked(p float64) (bool, float64) {
	if p := clamp01(p); p > s.internalProgress {
		s.internalProgress = p
	}
	return s.computeProgressLocked(false)
}

// computeProgressLocked combines both fractions and decides whether the
// result is worth publishing: first movement, a >=1% delta, or a forced
// publish (commit completion). Caller holds s.mu.
func (s *Session) computeProgressLocked(force bool) (bool, float64) {
	combined := clamp01(s.clientProgress*clientWeight + s.internalProgress*internalWeight)
	if !force {
		if s.progressReported && combined-s.reportedProgress < publishDelta {
			return false, s.reportedProgress
		}
		if combined < s.reportedProgress {
			// Combined progress never publishes a regression.
			return false, s.reportedProgress
		}
	}
	s.reportedProgress = combined
	s.progressReported = true
	return true, combined
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
