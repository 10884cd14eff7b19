package proposal

import (
	"sync"
	"sync/atomic"
	"time"
)

// KillSwitch disables approve and execute across the process while engaged.
type KillSwitch struct {
	engaged atomic.Bool

	mu    sync.Mutex
	state KillSwitchState
}

// KillSwitchState describes the last engagement.
type KillSwitchState struct {
	Engaged bool      `json:"engaged"`
	By      string    `json:"by,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Since   time.Time `json:"since,omitempty"`
}

func NewKillSwitch() *KillSwitch { return &KillSwitch{} }

func (k *KillSwitch) Engage(by, reason string, now time.Time) {
	k.mu.Lock()
	k.state = KillSwitchState{Engaged: true, By: by, Reason: reason, Since: now}
	k.engaged.Store(true)
	k.mu.Unlock()
}

func (k *KillSwitch) Release() {
	k.mu.Lock()
	k.state = KillSwitchState{}
	k.engaged.Store(false)
	k.mu.Unlock()
}

func (k *KillSwitch) Engaged() bool { return k.engaged.Load() }

func (k *KillSwitch) State() KillSwitchState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// inflight tracks which proposals have an execute or rollback running and
// under which token.
type inflight struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newInflight() *inflight {
	return &inflight{tokens: make(map[string]string)}
}

// acquire marks id busy under token. It fails when another token holds it.
func (f *inflight) acquire(id, token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if held, ok := f.tokens[id]; ok && held != token {
		return false
	}
	f.tokens[id] = token
	return true
}

func (f *inflight) release(id, token string) {
	f.mu.Lock()
	if f.tokens[id] == token {
		delete(f.tokens, id)
	}
	f.mu.Unlock()
}

func (f *inflight) busy(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tokens[id]
	return ok
}
