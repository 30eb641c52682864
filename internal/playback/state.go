package playback

import (
	"sync"
	"time"

	"teddybox/pkg/models"
)

// Condition is the overall device condition that selects the indicator palette
type Condition string

const (
	ConditionNormal     Condition = "normal"
	ConditionOffline    Condition = "offline"
	ConditionLowBattery Condition = "lowbatt"
)

// indicatorPatterns maps a playback state to an indicator sequence name per
// device condition
var indicatorPatterns = map[Condition]map[models.SystemState]string{
	ConditionNormal: {
		models.StatePowerOff:        "fade off",
		models.StateIdle:            "fade green",
		models.StateChecking:        "fadeblink blue-green",
		models.StatePlaying:         "green",
		models.StatePlayingDownload: "fadeblink blue-green slow",
		models.StateFailed:          "blink red",
	},
	ConditionOffline: {
		models.StatePowerOff:        "fade off",
		models.StateIdle:            "white",
		models.StateChecking:        "fadeblink blue-green",
		models.StatePlaying:         "green",
		models.StatePlayingDownload: "fadeblink blue-green slow",
		models.StateFailed:          "blink red",
	},
	ConditionLowBattery: {
		models.StatePowerOff:        "fade off",
		models.StateIdle:            "rose",
		models.StateChecking:        "fadeblink blue-red",
		models.StatePlaying:         "fadeblink green-red",
		models.StatePlayingDownload: "fadeblink blue-red slow",
		models.StateFailed:          "blink red",
	},
}

// Indicator returns the indicator sequence for a state under a condition
func Indicator(cond Condition, state models.SystemState) string {
	patterns, ok := indicatorPatterns[cond]
	if !ok {
		patterns = indicatorPatterns[ConditionNormal]
	}
	if name, ok := patterns[state]; ok {
		return name
	}
	return "off"
}

// Snapshot is the observable player state
type Snapshot struct {
	State     models.SystemState `json:"state"`
	Identity  string             `json:"identity,omitempty"`
	Frame     int64              `json:"frame"`
	Chapter   int                `json:"chapter"`
	Chapters  int                `json:"chapters"`
	Paused    bool               `json:"paused"`
	Volume    int                `json:"volume"`
	Condition Condition          `json:"condition"`
	Indicator string             `json:"indicator"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// StateManager holds the observable state and notifies subscribers
type StateManager struct {
	state     *Snapshot
	mutex     sync.RWMutex
	listeners []chan *Snapshot
}

// NewStateManager creates a state manager in the idle state
func NewStateManager() *StateManager {
	sm := &StateManager{
		state: &Snapshot{
			State:     models.StateIdle,
			Condition: ConditionNormal,
			UpdatedAt: time.Now(),
		},
	}
	sm.state.Indicator = Indicator(sm.state.Condition, sm.state.State)
	return sm
}

// GetState returns a copy of the current state
func (sm *StateManager) GetState() *Snapshot {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	stateCopy := *sm.state
	return &stateCopy
}

// SetState changes the playback state
func (sm *StateManager) SetState(state models.SystemState) {
	sm.update(func(s *Snapshot) {
		if state == models.StateIdle || state == models.StateFailed || state == models.StatePowerOff {
			s.Paused = false
		}
		s.State = state
	})
}

// UpdateTrack sets the asset being played
func (sm *StateManager) UpdateTrack(identity string, chapters int) {
	sm.update(func(s *Snapshot) {
		s.Identity = identity
		s.Chapters = chapters
		s.Frame = 0
		s.Chapter = 0
	})
}

// UpdatePosition sets the frame and chapter last delivered to the decoder
func (sm *StateManager) UpdatePosition(frame int64, chapter int) {
	sm.update(func(s *Snapshot) {
		s.Frame = frame
		s.Chapter = chapter
	})
}

// SetPaused records whether the pipeline is paused
func (sm *StateManager) SetPaused(paused bool) {
	sm.update(func(s *Snapshot) { s.Paused = paused })
}

// UpdateVolume records the volume level
func (sm *StateManager) UpdateVolume(volume int) {
	sm.update(func(s *Snapshot) { s.Volume = volume })
}

// SetCondition switches the indicator palette
func (sm *StateManager) SetCondition(cond Condition) {
	sm.update(func(s *Snapshot) { s.Condition = cond })
}

// ClearTrack forgets the asset after playback ended
func (sm *StateManager) ClearTrack() {
	sm.update(func(s *Snapshot) {
		s.Identity = ""
		s.Chapters = 0
		s.Frame = 0
		s.Chapter = 0
		s.Paused = false
	})
}

func (sm *StateManager) update(fn func(s *Snapshot)) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	fn(sm.state)
	sm.state.Indicator = Indicator(sm.state.Condition, sm.state.State)
	sm.state.UpdatedAt = time.Now()
	sm.notifyListeners()
}

// Subscribe adds a listener for state changes
func (sm *StateManager) Subscribe() <-chan *Snapshot {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	ch := make(chan *Snapshot, 16)
	sm.listeners = append(sm.listeners, ch)
	return ch
}

// Unsubscribe removes a listener
func (sm *StateManager) Unsubscribe(ch <-chan *Snapshot) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	for i, listener := range sm.listeners {
		if listener == ch {
			close(listener)
			sm.listeners = append(sm.listeners[:i], sm.listeners[i+1:]...)
			break
		}
	}
}

// notifyListeners sends the state to every subscriber; a subscriber that
// cannot keep up is dropped. Must be called with the lock held.
func (sm *StateManager) notifyListeners() {
	stateCopy := *sm.state
	kept := sm.listeners[:0]
	for _, listener := range sm.listeners {
		select {
		case listener <- &stateCopy:
			kept = append(kept, listener)
		default:
			close(listener)
		}
	}
	sm.listeners = kept
}
