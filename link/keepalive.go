package link

import (
	"context"
	"time"
)

// staleGrace is the additional idle time after entering Stale before a
// Link gives up and closes with Timeout (§4.6: "STALE + 5s").
const staleGrace = 5 * time.Second

// keepaliveLoop runs for the lifetime of an Active link, sending an empty
// keepalive Data packet at half the negotiated interval to prevent the
// link from ever going Stale purely for lack of application traffic, and
// separately watching for actual silence (no traffic of any kind,
// including its own keepalives having failed to send) to enforce the
// Active->Stale->Closed decay of §4.6.
func (l *Link) keepaliveLoop() {
	l.mu.Lock()
	iv := l.keepaliveIv
	l.mu.Unlock()
	if iv <= 0 {
		iv = keepaliveMin
	}

	ticker := time.NewTicker(iv / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopKeepalive:
			return
		case <-ticker.C:
			state := l.State()
			if state == Closed {
				return
			}

			l.mu.Lock()
			idle := time.Since(l.lastActivity)
			l.mu.Unlock()

			switch {
			case state == Active && idle >= 2*iv:
				l.setState(Stale)
			case state == Stale && idle >= 2*iv+staleGrace:
				l.forceClose(Timeout)
				return
			default:
				_ = l.sendDataContext(context.Background(), dataContextKeepalive, nil)
			}
		}
	}
}
