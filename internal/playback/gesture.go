package playback

import (
	"errors"
	"sync"
	"time"
)

// GestureKind is one kind of user input that unlocks audio output.
type GestureKind string

const (
	GesturePointer  GestureKind = "pointerdown"
	GestureTouch    GestureKind = "touchstart"
	GestureKey      GestureKind = "keydown"
	GestureMicPress GestureKind = "mic_press"
)

// DefaultGestureKinds are listened for when a clip is blocked.
var DefaultGestureKinds = []GestureKind{GesturePointer, GestureTouch, GestureKey, GestureMicPress}

var (
	ErrGestureTimeout   = errors.New("no user gesture before timeout")
	ErrGestureCancelled = errors.New("gesture wait cancelled")
)

// GestureSource registers one listener for one kind of input. The returned func removes it.
type GestureSource interface {
	OnGesture(kind GestureKind, fn func()) (remove func())
}

// PendingUserGesture resolves on the first gesture of any listened kind, on timeout, or on
// Cancel. Resolving removes every listener it registered.
type PendingUserGesture struct {
	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	removes []func()
	timer   *time.Timer

	resolved bool
	kind     GestureKind
	err      error
}

func WaitForGesture(src GestureSource, kinds []GestureKind, timeout time.Duration) *PendingUserGesture {
	p := &PendingUserGesture{done: make(chan struct{})}
	if src == nil || len(kinds) == 0 {
		p.resolve("", ErrGestureCancelled)
		return p
	}
	if timeout > 0 {
		p.mu.Lock()
		p.timer = time.AfterFunc(timeout, func() { p.resolve("", ErrGestureTimeout) })
		p.mu.Unlock()
	}
	for _, k := range kinds {
		k := k
		rm := src.OnGesture(k, func() { p.resolve(k, nil) })
		p.mu.Lock()
		resolved := p.resolved
		if !resolved {
			p.removes = append(p.removes, rm)
		}
		p.mu.Unlock()
		if resolved && rm != nil {
			// fired while we were still registering
			rm()
		}
	}
	return p
}

func (p *PendingUserGesture) resolve(kind GestureKind, err error) {
	p.once.Do(func() {
		p.mu.Lock()
		removes := p.removes
		p.removes = nil
		p.resolved = true
		if p.timer != nil {
			p.timer.Stop()
		}
		p.kind, p.err = kind, err
		p.mu.Unlock()
		for _, rm := range removes {
			if rm != nil {
				rm()
			}
		}
		close(p.done)
	})
}

func (p *PendingUserGesture) Done() <-chan struct{} { return p.done }

// Result is valid once Done is closed.
func (p *PendingUserGesture) Result() (GestureKind, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kind, p.err
}

func (p *PendingUserGesture) Cancel() { p.resolve("", ErrGestureCancelled) }
