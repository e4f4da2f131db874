// Package animation turns timed sign tokens into a stream of avatar poses.
package animation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/normanking/signify/internal/bus"
	"github.com/normanking/signify/internal/gloss"
	"github.com/normanking/signify/internal/lexicon"
	"github.com/normanking/signify/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrInvalidConfig reports playback settings the player cannot run with
var ErrInvalidConfig = errors.New("invalid animation config")

// State is the playback phase
type State string

const (
	StateIdle       State = "idle"
	StateTransition State = "transition"
	StateSigning    State = "signing"
	StateReturning  State = "returning"
)

// OutputFrame is one rendered pose
type OutputFrame struct {
	Seq   int64         `json:"seq"`
	At    time.Duration `json:"at"` // playback time of the frame
	State State         `json:"state"`
	Gloss string        `json:"gloss,omitempty"`
	Label string        `json:"label,omitempty"`
	Speed float64       `json:"speed"`
	Pose  lexicon.Frame `json:"pose"`
}

// ClipSource loads sign clips
type ClipSource interface {
	Clip(gloss string) (*lexicon.Clip, error)
	Rest() (*lexicon.Clip, error)
}

// Clock reports the live stream position
type Clock interface {
	Now() time.Duration
}

// ClockFunc adapts a function to Clock
type ClockFunc func() time.Duration

// Now calls fn
func (fn ClockFunc) Now() time.Duration { return fn() }

// Config controls playback
type Config struct {
	FPS              int
	TransitionFrames int
	Easing           string
	IdleAfter        time.Duration // empty queue time before returning to rest
	MaxPause         time.Duration
	CatchUpLag       time.Duration // lag at which playback speeds up
	DropLag          time.Duration // lag at which queued tokens are dropped
	MaxSpeed         float64
	KeepTail         int // tokens kept when dropping
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		FPS:              30,
		TransitionFrames: 10,
		Easing:           "linear",
		IdleAfter:        1500 * time.Millisecond,
		MaxPause:         600 * time.Millisecond,
		CatchUpLag:       1500 * time.Millisecond,
		DropLag:          4 * time.Second,
		MaxSpeed:         2,
		KeepTail:         3,
	}
}

// Stats is a playback snapshot
type Stats struct {
	State   State         `json:"state"`
	Queued  int           `json:"queued"`
	Frames  int64         `json:"frames"`
	Signed  int64         `json:"signed"`
	Dropped int64         `json:"dropped"`
	Missing int64         `json:"missing"`
	Speed   float64       `json:"speed"`
	Lag     time.Duration `json:"lag"`
}

// queued is a token waiting to play. ready is the stream position from
// which the token could have been signed.
type queued struct {
	token gloss.Token
	ready time.Duration
}

// playback is the token being performed
type playback struct {
	token gloss.Token
	ready time.Duration
	clip  *lexicon.Clip // nil for a pause
	pos   float64       // clip frame position
	hold  time.Duration // pause time left
}

// Player is a deterministic sign playback state machine. Step produces one
// frame per call; Run drives Step from a ticker.
type Player struct {
	config   Config
	easing   Easing
	frameDur time.Duration
	clips    ClipSource
	sink     Sink
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu      sync.Mutex
	queue   []queued
	state   State
	cur     *playback
	showing *gloss.Token // token captioned on the current frame

	pose    lexicon.Frame
	hasPose bool
	atRest  bool
	idleFor time.Duration

	from, to   lexicon.Frame
	blendStep  int
	blendTotal int

	seq    int64
	speed  float64
	lag    time.Duration
	closed bool

	signed  int64
	dropped int64
	missing int64
}

// NewPlayer creates a player. A nil sink discards frames.
func NewPlayer(config Config, clips ClipSource, sink Sink, eventBus *bus.EventBus, logger zerolog.Logger) (*Player, error) {
	easing, err := ParseEasing(config.Easing)
	if err != nil {
		return nil, err
	}
	if config.FPS <= 0 {
		return nil, fmt.Errorf("%w: fps must be positive", ErrInvalidConfig)
	}
	if config.MaxSpeed < 1 {
		config.MaxSpeed = 1
	}
	if sink == nil {
		sink = SinkFunc(func(*OutputFrame) error { return nil })
	}

	p := &Player{
		config:   config,
		easing:   easing,
		frameDur: time.Second / time.Duration(config.FPS),
		clips:    clips,
		sink:     sink,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "player").Logger(),
		state:    StateIdle,
		speed:    1,
		seq:      -1,
	}

	if rest, err := clips.Rest(); err == nil {
		p.pose = rest.Last()
		p.hasPose = true
		p.atRest = true
	} else {
		p.logger.Debug().Err(err).Msg("No rest pose")
	}
	return p, nil
}

// Enqueue adds tokens to the end of the playback queue. Lag is measured
// from each token's Start.
func (p *Player) Enqueue(tokens ...gloss.Token) {
	p.EnqueueAt(0, tokens...)
}

// EnqueueAt adds tokens that arrived at stream position at. Lag is measured
// from the later of the token's Start and its arrival, so transcription
// delay is not counted against playback.
func (p *Player) EnqueueAt(at time.Duration, tokens ...gloss.Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tok := range tokens {
		p.queue = append(p.queue, queued{token: tok, ready: max(tok.Start, at)})
	}
}

// Close marks the end of input. Run returns once the queue is played out.
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *Player) busy() bool {
	return p.cur != nil || len(p.queue) > 0 || p.state == StateTransition
}

// Step produces the next frame. now is the live stream position used to
// bound playback lag.
func (p *Player) Step(now time.Duration) *OutputFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyLatencyPolicy(now)
	return p.step()
}

func (p *Player) step() *OutputFrame {
	// a finished blend hands over on the following frame so that exactly
	// blendTotal frames carry the blend state
	if p.blendStep >= p.blendTotal {
		switch p.state {
		case StateTransition:
			p.setState(StateSigning)
		case StateReturning:
			p.atRest = true
			p.setState(StateIdle)
		}
	}

	if p.cur == nil && p.state != StateTransition {
		if !p.startNext() && p.state == StateSigning {
			p.showing = nil
			p.setState(StateIdle)
		}
	}

	switch p.state {
	case StateTransition, StateReturning:
		p.blend()

	case StateSigning:
		p.perform()

	case StateIdle:
		p.idleFor += p.frameDur
		if !p.atRest && p.idleFor >= p.config.IdleAfter && p.beginReturn() {
			p.blend()
		}
	}

	return p.emit()
}

// startNext begins the next playable token, skipping tokens without clips
func (p *Player) startNext() bool {
	for len(p.queue) > 0 {
		q := p.queue[0]
		p.queue = p.queue[1:]
		tok := q.token

		if tok.Kind == gloss.KindPause {
			hold := min(tok.Duration(), p.config.MaxPause)
			if hold <= 0 {
				continue
			}
			p.cur = &playback{token: tok, ready: q.ready, hold: hold}
			p.showing = &p.cur.token
			p.setState(StateSigning)
			return true
		}

		clip, err := p.clips.Clip(tok.Gloss)
		if err != nil {
			p.clipMissing(tok, err)
			continue
		}

		p.cur = &playback{token: tok, ready: q.ready, clip: clip}
		p.showing = &p.cur.token
		p.idleFor = 0
		p.atRest = false
		p.signStarted(tok)

		if frames := p.transitionFrames(); p.hasPose && frames > 0 {
			p.from = p.pose
			p.to = clip.First()
			p.blendStep = 0
			p.blendTotal = frames
			p.setState(StateTransition)
		} else {
			p.setState(StateSigning)
		}
		return true
	}
	return false
}

// transitionFrames shortens blends while catching up
func (p *Player) transitionFrames() int {
	n := p.config.TransitionFrames
	if n <= 0 || p.speed <= 1 {
		return n
	}
	return max(1, int(math.Round(float64(n)/p.speed)))
}

// blend advances the current transition by one frame; factors run i/N
// for i = 1..N
func (p *Player) blend() {
	p.blendStep++
	t := p.easing(float64(p.blendStep) / float64(p.blendTotal))
	p.pose = Lerp(p.from, p.to, t)
	p.hasPose = true
}

// perform plays the current token for one frame
func (p *Player) perform() {
	c := p.cur
	if c == nil {
		return
	}

	if c.clip == nil {
		c.hold -= time.Duration(float64(p.frameDur) * p.speed)
		if c.hold <= 0 {
			p.finish()
		}
		return
	}

	p.pose = c.clip.Frames[int(c.pos)]
	p.hasPose = true

	fps := c.clip.FPS
	if fps <= 0 {
		fps = lexicon.DefaultFPS
	}
	c.pos += p.speed * float64(fps) / float64(p.config.FPS)
	if int(c.pos) >= len(c.clip.Frames) {
		p.finish()
	}
}

func (p *Player) finish() {
	if p.cur.clip != nil {
		p.signed++
	}
	p.cur = nil
}

func (p *Player) beginReturn() bool {
	rest, err := p.clips.Rest()
	if err != nil {
		// nowhere to return to
		p.atRest = true
		return false
	}
	p.showing = nil
	p.from = p.pose
	p.to = rest.First()
	p.blendStep = 0
	p.blendTotal = max(1, p.config.TransitionFrames)
	p.setState(StateReturning)
	return true
}

func (p *Player) emit() *OutputFrame {
	p.seq++
	f := &OutputFrame{
		Seq:   p.seq,
		At:    time.Duration(p.seq) * p.frameDur,
		State: p.state,
		Speed: p.speed,
		Pose:  p.pose,
	}
	if p.showing != nil {
		f.Gloss = p.showing.Gloss
		f.Label = p.showing.Label()
	}
	if p.state == StateIdle {
		p.showing = nil
	}
	metrics.FramesEmitted.Inc()
	return f
}

// applyLatencyPolicy measures how far the live stream is ahead of the
// point the token being signed became playable, speeds playback up past
// CatchUpLag and drops queued tokens past DropLag.
func (p *Player) applyLatencyPolicy(now time.Duration) {
	var lag time.Duration
	switch {
	case p.cur != nil:
		lag = now - p.cur.ready
	case len(p.queue) > 0:
		lag = now - p.queue[0].ready
	}
	lag = max(lag, 0)
	p.lag = lag

	speed := 1.0
	if p.config.CatchUpLag > 0 && lag > p.config.CatchUpLag {
		speed = 1 + float64(lag-p.config.CatchUpLag)/float64(p.config.CatchUpLag)
		speed = min(speed, p.config.MaxSpeed)
	}
	p.speed = speed

	if p.config.DropLag > 0 && lag > p.config.DropLag && len(p.queue) > p.config.KeepTail {
		n := len(p.queue) - max(p.config.KeepTail, 0)
		p.queue = append([]queued(nil), p.queue[n:]...)
		p.dropped += int64(n)
		metrics.TokensDropped.Add(float64(n))
		p.logger.Warn().Int("dropped", n).Dur("lag", lag).Msg("Playback behind, dropping tokens")
		p.publish(bus.EventTypeTokensDropped, map[string]any{
			"count":  n,
			"lag_ms": lag.Milliseconds(),
		})
	}

	metrics.PlaybackLag.Set(lag.Seconds())
	metrics.PlaybackSpeed.Set(speed)
}

func (p *Player) setState(s State) {
	if p.state == s {
		return
	}
	from := p.state
	p.state = s
	p.logger.Debug().Str("from", string(from)).Str("to", string(s)).Msg("State changed")
	p.publish(bus.EventTypeAnimationStateChanged, map[string]any{
		"from": string(from),
		"to":   string(s),
	})
}

func (p *Player) signStarted(tok gloss.Token) {
	p.publish(bus.EventTypeSignStarted, map[string]any{
		"gloss":    tok.Gloss,
		"kind":     string(tok.Kind),
		"label":    tok.Label(),
		"seq":      tok.Seq,
		"start_ms": tok.Start.Milliseconds(),
	})
}

func (p *Player) clipMissing(tok gloss.Token, err error) {
	p.missing++
	metrics.ClipsMissing.Inc()
	p.logger.Error().Err(err).Str("gloss", tok.Gloss).Msg("Clip unavailable, skipping")
	p.publish(bus.EventTypeClipMissing, map[string]any{
		"gloss": tok.Gloss,
		"error": err.Error(),
	})
}

func (p *Player) publish(t bus.EventType, data map[string]any) {
	if p.eventBus != nil {
		p.eventBus.Publish(bus.NewEvent(t, data))
	}
}

// Stats returns a playback snapshot
func (p *Player) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		State:   p.state,
		Queued:  len(p.queue),
		Frames:  p.seq + 1,
		Signed:  p.signed,
		Dropped: p.dropped,
		Missing: p.missing,
		Speed:   p.speed,
		Lag:     p.lag,
	}
}

// Run ticks at FPS and writes frames to the sink until ctx is cancelled or
// the player is closed and drained. A nil clock disables the latency
// policy. Repeated idle frames are not written.
func (p *Player) Run(ctx context.Context, clock Clock) error {
	ticker := time.NewTicker(p.frameDur)
	defer ticker.Stop()

	lastIdle := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		f, done := p.tick(clock)
		if f.State == StateIdle && lastIdle {
			if done {
				return nil
			}
			continue
		}
		lastIdle = f.State == StateIdle
		if err := p.sink.WriteFrame(f); err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Render steps without pacing until the queue is played out, writing
// every frame to the sink. Used for offline playback.
func (p *Player) Render(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.mu.Lock()
		if !p.busy() {
			p.mu.Unlock()
			return nil
		}
		f := p.step()
		p.mu.Unlock()

		if err := p.sink.WriteFrame(f); err != nil {
			return err
		}
	}
}

func (p *Player) tick(clock Clock) (*OutputFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if clock != nil {
		p.applyLatencyPolicy(clock.Now())
	}
	f := p.step()
	return f, p.closed && !p.busy()
}
