package status

import (
	"sync"
	"time"
)

type EscalationConfig struct {
	WarningWindow     time.Duration
	WarningThreshold  int
	RecoveryThreshold int
}

var DefaultEscalation = EscalationConfig{
	WarningWindow:     5 * time.Minute,
	WarningThreshold:  3,
	RecoveryThreshold: 2,
}

// window is the per check type escalation memory. It lives only in process memory.
type window struct {
	warningEvents   []time.Time
	upRecoveryCount int
	lastDownAt      time.Time
	confirmed       Status
}

// Manager evaluates signals for one tenant. Each check type has its own window;
// the mutex only guards the map since check types are probed concurrently.
type Manager struct {
	cfg        EscalationConfig
	thresholds map[string]Thresholds
	now        func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

func NewManager(cfg EscalationConfig, thresholds map[string]Thresholds) *Manager {
	if cfg.WarningWindow <= 0 {
		cfg.WarningWindow = DefaultEscalation.WarningWindow
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultEscalation.WarningThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = DefaultEscalation.RecoveryThreshold
	}
	if thresholds == nil {
		thresholds = map[string]Thresholds{}
	}
	return &Manager{
		cfg:        cfg,
		thresholds: thresholds,
		now:        time.Now,
		windows:    make(map[string]*window),
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) ThresholdsFor(checkType string) Thresholds {
	if th, ok := m.thresholds[checkType]; ok {
		return th
	}
	return DefaultThresholds
}

// EvaluateBase classifies a signal with this tenant's thresholds.
func (m *Manager) EvaluateBase(sig Signal) Evaluation {
	return EvaluateBase(sig, m.ThresholdsFor(sig.CheckType))
}

// Evaluate runs base evaluation followed by escalation.
func (m *Manager) Evaluate(sig Signal) Evaluation {
	return m.ApplyEscalation(sig.CheckType, m.EvaluateBase(sig))
}

// ApplyEscalation smooths a candidate: repeated warnings inside the window escalate
// to DOWN, and leaving DOWN needs RecoveryThreshold consecutive UP candidates.
func (m *Manager) ApplyEscalation(checkType string, candidate Evaluation) Evaluation {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[checkType]
	if w == nil {
		w = &window{confirmed: Unknown}
		m.windows[checkType] = w
	}
	now := m.now()

	var result Evaluation
	switch candidate.Status {
	case Down:
		w.warningEvents = w.warningEvents[:0]
		w.upRecoveryCount = 0
		w.lastDownAt = now
		result = candidate

	case Warning:
		w.pruneWarnings(now, m.cfg.WarningWindow)
		w.warningEvents = append(w.warningEvents, now)
		w.upRecoveryCount = 0
		if len(w.warningEvents) >= m.cfg.WarningThreshold {
			w.warningEvents = w.warningEvents[:0]
			w.lastDownAt = now
			result = Evaluation{Down, ReasonEscalated}
		} else {
			result = candidate
		}

	case Up:
		w.warningEvents = w.warningEvents[:0]
		if w.confirmed == Down || w.upRecoveryCount > 0 {
			w.upRecoveryCount++
			if w.upRecoveryCount >= m.cfg.RecoveryThreshold {
				w.upRecoveryCount = 0
				result = candidate
			} else {
				result = Evaluation{Warning, ReasonRecovering}
			}
		} else {
			result = candidate
		}

	default:
		result = candidate
	}

	w.confirmed = result.Status
	return result
}

// WarningCount reports the warnings currently held in the window of a check type.
func (m *Manager) WarningCount(checkType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w := m.windows[checkType]; w != nil {
		return len(w.warningEvents)
	}
	return 0
}

func (w *window) pruneWarnings(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	kept := w.warningEvents[:0]
	for _, ts := range w.warningEvents {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.warningEvents = kept
}
