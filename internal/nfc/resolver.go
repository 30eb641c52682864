package nfc

import (
	"context"
	"sync"
	"time"

	"teddybox/internal/config"
	"teddybox/internal/content"

	"github.com/sirupsen/logrus"
)

// State is the tag detection state
type State int

const (
	StateSearching State = iota
	StateUnlocking
	StateTagPresent
)

func (s State) String() string {
	switch s {
	case StateSearching:
		return "searching"
	case StateUnlocking:
		return "unlocking"
	case StateTagPresent:
		return "tag present"
	default:
		return "unknown"
	}
}

// Sink receives the events derived from tag presence
type Sink interface {
	PlayByUid(ctx context.Context, id content.Identity) error
	PlayWithToken(ctx context.Context, id content.Identity, token content.Token) error
	Stop(ctx context.Context) error
}

// Resolver polls the transceiver and turns tag appearance, change and
// removal into playback events
type Resolver struct {
	trx    Transceiver
	sink   Sink
	config config.NFCConfig
	logger *logrus.Entry

	mutex    sync.RWMutex
	state    State
	present  bool
	uid      content.Identity
	token    content.Token
	hasToken bool

	retries    int
	tokenTimer *time.Timer
	tokenFor   content.Identity
}

// NewResolver creates a resolver in the searching state
func NewResolver(trx Transceiver, sink Sink, cfg config.NFCConfig, logger *logrus.Logger) *Resolver {
	return &Resolver{
		trx:    trx,
		sink:   sink,
		config: cfg,
		logger: logger.WithField("component", "nfc"),
		state:  StateSearching,
	}
}

// State returns the detection state
func (r *Resolver) State() State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.state
}

// CurrentIdentity returns the identity of the tag on the reader
func (r *Resolver) CurrentIdentity() (content.Identity, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.uid, r.present
}

// CurrentToken returns the token read from the tag on the reader
func (r *Resolver) CurrentToken() (content.Token, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.token, r.present && r.hasToken
}

// Run polls until ctx is cancelled
func (r *Resolver) Run(ctx context.Context) error {
	if err := r.trx.Reset(ctx); err != nil {
		r.logger.WithError(err).Error("NFC front end not responding")
		return err
	}
	r.logger.Info("Tag resolver started")

	defer func() { safeTimerStop(r.tokenTimer) }()
	for {
		delay := r.Step(ctx)

		wait := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			safeTimerStop(wait)
			return ctx.Err()
		case <-wait.C:
		case <-r.tokenDue():
			safeTimerStop(wait)
			r.emitToken(ctx)
		}
	}
}

// Step runs one iteration of the state machine and returns the delay before
// the next one
func (r *Resolver) Step(ctx context.Context) time.Duration {
	switch r.State() {
	case StateUnlocking:
		r.unlock(ctx)
	case StateTagPresent:
		r.poll(ctx)
		return time.Duration(r.config.TagPollMs) * time.Millisecond
	default:
		r.search(ctx)
	}
	return time.Duration(r.config.SearchIntervalMs) * time.Millisecond
}

func (r *Resolver) setState(s State) {
	r.mutex.Lock()
	r.state = s
	r.mutex.Unlock()
}

func (r *Resolver) reset(ctx context.Context) {
	if err := r.trx.Reset(ctx); err != nil {
		r.logger.WithError(err).Debug("Field reset failed")
	}
}

func (r *Resolver) search(ctx context.Context) {
	if _, err := getRandom(ctx, r.trx); err != nil {
		r.reset(ctx)
		return
	}

	if _, err := inventory(ctx, r.trx); err == nil {
		r.logger.Info("Unlocked tag found")
		r.retries = 0
		r.setState(StateTagPresent)
		return
	}

	r.logger.Info("Locked tag detected, unlocking")
	r.setState(StateUnlocking)
}

func (r *Resolver) unlock(ctx context.Context) {
	for _, password := range passwords {
		log := r.logger.WithField("password", password)

		// power cycle so the tag accepts a fresh challenge
		r.reset(ctx)

		rnd, err := getRandom(ctx, r.trx)
		if err != nil {
			log.WithError(err).Warn("GET RANDOM failed while unlocking")
			continue
		}
		if err := setPassword(ctx, r.trx, password, rnd); err != nil {
			log.WithError(err).Debug("Password rejected")
			continue
		}

		log.Info("Tag unlocked")
		r.retries = 0
		r.setState(StateTagPresent)
		return
	}

	r.logger.Warn("No known password unlocked the tag")
	r.reset(ctx)
	r.setState(StateSearching)
}

func (r *Resolver) poll(ctx context.Context) {
	uid, err := inventory(ctx, r.trx)
	if err != nil {
		r.reset(ctx)
		r.retries++
		if r.retries > r.config.Retries {
			r.lost(ctx)
		}
		return
	}
	r.retries = 0

	r.mutex.RLock()
	present, current := r.present, r.uid
	r.mutex.RUnlock()

	if present && current == uid {
		return
	}

	token, tokenErr := readToken(ctx, r.trx)

	r.mutex.Lock()
	r.present = true
	r.uid = uid
	r.token = token
	r.hasToken = tokenErr == nil
	r.mutex.Unlock()

	if present {
		r.logger.WithField("uid", uid).Info("Tag changed")
	} else {
		r.logger.WithField("uid", uid).Info("Tag entered")
	}

	if err := r.sink.PlayByUid(ctx, uid); err != nil {
		r.logger.WithError(err).Error("Failed to request playback")
	}

	safeTimerStop(r.tokenTimer)
	r.tokenTimer = nil
	if tokenErr != nil {
		r.logger.WithError(tokenErr).Warn("Token not readable, download disabled")
		return
	}
	r.tokenFor = uid
	r.tokenTimer = time.NewTimer(time.Duration(r.config.TokenDelayMs) * time.Millisecond)
}

// lost handles a tag that stopped answering
func (r *Resolver) lost(ctx context.Context) {
	r.mutex.Lock()
	present, uid := r.present, r.uid
	r.present = false
	r.hasToken = false
	r.token = content.Token{}
	r.state = StateSearching
	r.mutex.Unlock()

	safeTimerStop(r.tokenTimer)
	r.tokenTimer = nil

	if !present {
		return
	}
	r.logger.WithField("uid", uid).Info("Tag disappeared")
	if err := r.sink.Stop(ctx); err != nil {
		r.logger.WithError(err).Error("Failed to stop playback")
	}
}

func (r *Resolver) tokenDue() <-chan time.Time {
	if r.tokenTimer == nil {
		return nil
	}
	return r.tokenTimer.C
}

func (r *Resolver) emitToken(ctx context.Context) {
	r.tokenTimer = nil

	r.mutex.RLock()
	uid, token, ok := r.uid, r.token, r.present && r.hasToken
	r.mutex.RUnlock()

	if !ok || uid != r.tokenFor {
		return
	}
	if err := r.sink.PlayWithToken(ctx, uid, token); err != nil {
		r.logger.WithError(err).Error("Failed to request download")
	}
}

// safeTimerStop stops a timer and drains a pending expiry
func safeTimerStop(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
